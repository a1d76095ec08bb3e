package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/schollz/progressbar/v3"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-journal/internal/receipt"
	"github.com/zombor/receipt-journal/internal/scanning"
	"github.com/zombor/receipt-journal/internal/yayoi"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// rootFlags are shared by every subcommand
type rootFlags struct {
	scannerType    *string
	geminiKey      *string
	geminiModel    *string
	ollamaURL      *string
	ollamaModel    *string
	batchSize      *int
	accounts       *string
	unsupported    *string
	defaultTaxRate *float64
	encoding       *string
	logFormat      *string
	logLevel       *string
	showVersion    *bool
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	rootFS := ff.NewFlagSet("receipt-journal")
	root := &rootFlags{
		scannerType:    rootFS.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'"),
		geminiKey:      rootFS.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel:    rootFS.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name"),
		ollamaURL:      rootFS.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel:    rootFS.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name"),
		batchSize:      rootFS.IntLong("batch-size", receipt.DefaultBatchSize, "Images per AI request"),
		accounts:       rootFS.StringLong("accounts", "", "YAML chart of accounts (built-in chart when empty)"),
		unsupported:    rootFS.StringLong("unsupported", string(scanning.UnsupportedIgnore), "Unsupported files: 'ignore', 'warn' or 'reject'"),
		defaultTaxRate: rootFS.Float64Long("default-tax-rate", yayoi.DefaultTaxRate, "Tax rate written when a receipt shows none"),
		encoding:       rootFS.StringLong("encoding", string(yayoi.EncodingUTF8BOM), "Export encoding: 'utf-8-bom' or 'shift_jis'"),
		logFormat:      rootFS.StringLong("log-format", "text", "Log format: 'text' or 'json'"),
		logLevel:       rootFS.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
		showVersion:    rootFS.BoolLong("version", "Show version information"),
	}

	serveFS := ff.NewFlagSet("serve").SetParent(rootFS)
	var (
		port         = serveFS.IntLong("port", 8080, "HTTP server port")
		dbDriver     = serveFS.StringLong("db-driver", "bolt", "Session database: 'bolt' or 'sqlite'")
		dbPath       = serveFS.StringLong("db", "receipt-journal.db", "Database file path")
		storageType  = serveFS.StringLong("storage", "local", "Archive storage: 'local', 'gcs' or 's3'")
		storagePath  = serveFS.StringLong("storage-path", "./archive", "Local archive directory")
		bucket       = serveFS.StringLong("bucket", "", "GCS or S3 bucket name")
		bucketPrefix = serveFS.StringLong("bucket-prefix", "", "Object name prefix inside the bucket")
		gcsCreds     = serveFS.StringLong("gcs-credentials", "", "GCS service account JSON file (default credentials when empty)")
		s3Region     = serveFS.StringLong("s3-region", "", "S3 region")
		s3Endpoint   = serveFS.StringLong("s3-endpoint", "", "S3-compatible endpoint URL (empty for AWS)")
		s3AccessKey  = serveFS.StringLong("s3-access-key", "", "S3 access key ID (default credential chain when empty)")
		s3SecretKey  = serveFS.StringLong("s3-secret-key", "", "S3 secret access key")
		authUser     = serveFS.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = serveFS.StringLong("auth-pass", "", "Basic auth password (optional)")
	)

	serveCmd := &ff.Command{
		Name:      "serve",
		Usage:     "receipt-journal serve [FLAGS]",
		ShortHelp: "run the review web server",
		Flags:     serveFS,
		Exec: func(ctx context.Context, args []string) error {
			cfg, err := root.serviceConfig()
			if err != nil {
				return err
			}
			scanner, err := root.newScanner(cfg.Chart)
			if err != nil {
				return err
			}
			defer scanner.Close()

			slog.Info("Initializing database...", "driver", *dbDriver, "path", *dbPath)
			db, err := openDB(*dbDriver, *dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			slog.Info("Initializing storage...", "type", *storageType)
			var store receipt.Storage
			switch *storageType {
			case "local":
				store, err = receipt.NewLocalStorage(*storagePath)
			case "gcs":
				var opts []option.ClientOption
				if *gcsCreds != "" {
					opts = append(opts, option.WithCredentialsFile(*gcsCreds))
				}
				store, err = receipt.NewGCSStorage(ctx, *bucket, *bucketPrefix, opts...)
			case "s3":
				store, err = receipt.NewS3Storage(ctx, receipt.S3Config{
					Bucket:          *bucket,
					Prefix:          *bucketPrefix,
					Region:          *s3Region,
					Endpoint:        *s3Endpoint,
					AccessKeyID:     *s3AccessKey,
					SecretAccessKey: *s3SecretKey,
				})
			default:
				return fmt.Errorf("invalid storage type %q: want local, gcs or s3", *storageType)
			}
			if err != nil {
				return fmt.Errorf("initializing storage: %w", err)
			}

			service := receipt.NewService(db, scanner, store, cfg)
			if err := service.Restore(); err != nil {
				return fmt.Errorf("restoring session: %w", err)
			}
			defer service.Shutdown()

			server := receipt.NewServer(service, receipt.BasicAuth{
				Username: *authUser,
				Password: *authPass,
			})
			if *authUser != "" || *authPass != "" {
				slog.Info("Basic auth enabled", "user", *authUser)
			}

			addr := fmt.Sprintf(":%d", *port)
			slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
			if err := server.Start(ctx, addr); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			slog.Info("Shutting down...")
			return nil
		},
	}

	convertFS := ff.NewFlagSet("convert").SetParent(rootFS)
	var (
		output     = convertFS.StringLong("output", yayoi.FileName, "Output file ('-' for stdout)")
		archive    = convertFS.BoolLong("archive", "Archive sources and the export under --archive-path")
		archiveDir = convertFS.StringLong("archive-path", "./archive", "Local archive directory")
	)

	convertCmd := &ff.Command{
		Name:      "convert",
		Usage:     "receipt-journal convert [FLAGS] FILE...",
		ShortHelp: "read receipts and write the journal import file",
		Flags:     convertFS,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("no input files")
			}
			cfg, err := root.serviceConfig()
			if err != nil {
				return err
			}
			scanner, err := root.newScanner(cfg.Chart)
			if err != nil {
				return err
			}
			defer scanner.Close()

			var store receipt.Storage
			if *archive {
				if store, err = receipt.NewLocalStorage(*archiveDir); err != nil {
					return fmt.Errorf("initializing storage: %w", err)
				}
			}

			files, err := readFiles(args)
			if err != nil {
				return err
			}

			var bar *progressbar.ProgressBar
			cfg.OnBatch = func(p receipt.BatchProgress) {
				if bar == nil {
					bar = progressbar.NewOptions(p.Batches,
						progressbar.OptionSetWriter(os.Stderr),
						progressbar.OptionShowCount(),
						progressbar.OptionSetRenderBlankState(true),
					)
				}
				bar.Describe(p.Status())
				bar.Set(p.Batch - 1)
			}

			service := receipt.NewService(nil, scanner, store, cfg)
			snap, runErr := service.Run(ctx, files)
			if bar != nil {
				bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			for _, name := range snap.Skipped {
				slog.Warn("Skipped unsupported file", "filename", name)
			}
			if runErr != nil {
				var re *receipt.RunError
				if errors.As(runErr, &re) {
					fmt.Fprintln(os.Stderr, re.Message)
				}
				// Receipts read before the failure are still written
				if len(snap.Entries) == 0 {
					return runErr
				}
				slog.Error("Run ended early", "receipts", len(snap.Entries), "error", runErr)
			}
			fmt.Fprintln(os.Stderr, snap.Status)

			data, err := service.Export(ctx)
			if err != nil {
				return err
			}
			if *output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(*output, data, 0644); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
			slog.Info("Wrote journal", "path", *output, "entries", len(snap.Entries))
			return runErr
		},
	}

	rootCmd := &ff.Command{
		Name:        "receipt-journal",
		Usage:       "receipt-journal [FLAGS] <SUBCOMMAND>",
		ShortHelp:   "turn receipt photos into Yayoi journal entries",
		Flags:       rootFS,
		Subcommands: []*ff.Command{serveCmd, convertCmd},
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.Parse(os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_JOURNAL"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err == nil {
		// Check version flag after parsing
		if *root.showVersion {
			fmt.Println(version)
			return
		}
		setupLogging(*root.logFormat, *root.logLevel)
		err = rootCmd.Run(ctx)
	}

	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp):
		selected := rootCmd.GetSelected()
		if selected == nil {
			selected = rootCmd
		}
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(selected))
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler
func setupLogging(format, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// serviceConfig builds the pipeline policy from the shared flags
func (f *rootFlags) serviceConfig() (receipt.Config, error) {
	chart := receipt.DefaultChart()
	if *f.accounts != "" {
		var err error
		if chart, err = receipt.LoadChart(*f.accounts); err != nil {
			return receipt.Config{}, err
		}
	}

	policy, err := scanning.ParseUnsupportedPolicy(*f.unsupported)
	if err != nil {
		return receipt.Config{}, err
	}
	encoding, err := yayoi.ParseEncoding(*f.encoding)
	if err != nil {
		return receipt.Config{}, err
	}
	if *f.defaultTaxRate <= 0 {
		return receipt.Config{}, fmt.Errorf("invalid default tax rate: %v", *f.defaultTaxRate)
	}

	return receipt.Config{
		BatchSize: *f.batchSize,
		Chart:     chart,
		Policy:    policy,
		Export: yayoi.Options{
			DefaultTaxRate: *f.defaultTaxRate,
			Encoding:       encoding,
		},
	}, nil
}

// newScanner creates the configured AI scanner
func (f *rootFlags) newScanner(chart receipt.Chart) (scanning.Scanner, error) {
	switch *f.scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *f.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", *f.geminiModel)
		scanner, err := scanning.NewGemini(apiKey, *f.geminiModel, chart.DebitAccounts)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		return scanner, nil
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *f.ollamaURL, "model", *f.ollamaModel)
		scanner, err := scanning.NewOllama(*f.ollamaURL, *f.ollamaModel, chart.DebitAccounts)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama: %w", err)
		}
		return scanner, nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q: want gemini or ollama", *f.scannerType)
	}
}

// openDB opens the session database for driver
func openDB(driver, path string) (receipt.DB, error) {
	switch driver {
	case "bolt":
		return receipt.NewBoltDB(path)
	case "sqlite":
		return receipt.NewSQLiteDB(path)
	default:
		return nil, fmt.Errorf("invalid db driver %q: want bolt or sqlite", driver)
	}
}

// readFiles loads the input files in argument order
func readFiles(paths []string) ([]scanning.File, error) {
	files := make([]scanning.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		// The content type is sniffed from the data during normalization
		files = append(files, scanning.File{Name: filepath.Base(p), Data: data})
	}
	return files, nil
}

package receipt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zombor/receipt-journal/internal/scanning"
	"github.com/zombor/receipt-journal/internal/yayoi"
)

// DefaultBatchSize is the number of images sent in one extraction call
const DefaultBatchSize = 10

const (
	statusProcessingFile = "処理中: %s"
	statusBatch          = "AI分析中: バッチ %d/%d (画像 %d～%d/%d) を処理しています..."
	statusNothingToRead  = "処理できるファイルがありませんでした。"
	statusSuccess        = "%d件のレシートを読み取りました。"
	statusError          = "エラーが発生しました。"

	// MessageInterrupted replaces the status of a run that was active when the server stopped
	MessageInterrupted = "前回の処理が中断されました。もう一度ファイルを選択してください。"
)

var (
	// ErrInvalidEntry is returned when an edited entry fails validation
	ErrInvalidEntry = errors.New("invalid journal entry")
	// ErrNothingToExport is returned when the session has no entries
	ErrNothingToExport = errors.New("ダウンロードする仕訳データがありません。")
	// ErrShuttingDown is returned for runs started or finishing after Shutdown
	ErrShuttingDown = errors.New("service is shutting down")
)

// IDGenerator generates run IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Normalizer turns uploaded files into the ordered image list
type Normalizer interface {
	Normalize(ctx context.Context, files []scanning.File, onFile func(scanning.File)) (*scanning.Normalized, error)
}

// BatchProgress describes the batch about to be sent
type BatchProgress struct {
	Batch   int
	Batches int
	From    int // 1-indexed, inclusive
	To      int
	Total   int
}

// Status is the status line shown while the batch is processed
func (p BatchProgress) Status() string {
	return fmt.Sprintf(statusBatch, p.Batch, p.Batches, p.From, p.To, p.Total)
}

// ProgressFunc observes batches as they start
type ProgressFunc func(BatchProgress)

// Config holds pipeline policy
type Config struct {
	BatchSize int
	Chart     Chart
	Export    yayoi.Options
	Policy    scanning.UnsupportedPolicy
	OnBatch   ProgressFunc
}

// Service runs the extraction pipeline and owns the review session
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	normalizer  Normalizer
	idGenerator IDGenerator
	timeSource  TimeSource
	validate    *validator.Validate
	cfg         Config

	session *Session
	// persistMu orders session changes with their database writes
	persistMu sync.Mutex
	closing   bool
	// sources archived for the current run
	sources []string
	runs    sync.WaitGroup
}

// NewService creates a new Service with default normalizer, ID generator and time source.
// db and storage may be nil to run without persistence or archiving.
func NewService(db DB, scanner scanning.Scanner, storage Storage, cfg Config) *Service {
	return NewServiceWithDeps(db, scanner, storage, scanning.NewNormalizer(cfg.Policy), &defaultIDGenerator{}, &defaultTimeSource{}, cfg)
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, normalizer Normalizer, idGen IDGenerator, timeSrc TimeSource, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if len(cfg.Chart.DebitAccounts) == 0 {
		cfg.Chart = DefaultChart()
	}
	if cfg.Export.DefaultTaxRate == 0 {
		cfg.Export.DefaultTaxRate = yayoi.DefaultTaxRate
	}
	if cfg.Export.Encoding == "" {
		cfg.Export.Encoding = yayoi.EncodingUTF8BOM
	}

	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		normalizer:  normalizer,
		idGenerator: idGen,
		timeSource:  timeSrc,
		validate:    newEntryValidator(cfg.Chart),
		cfg:         cfg,
		session:     NewSession(),
	}
}

func newEntryValidator(chart Chart) *validator.Validate {
	v := validator.New()
	err := v.RegisterValidation("debit_account", func(fl validator.FieldLevel) bool {
		return chart.Allows(fl.Field().String())
	})
	if err != nil {
		panic(err)
	}
	return v
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	// Remove special characters, keep only alphanumeric, spaces, hyphens, and underscores
	reg := regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	base = reg.ReplaceAllString(base, "")

	reg = regexp.MustCompile(`\s+`)
	base = strings.TrimSpace(reg.ReplaceAllString(base, " "))

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}

	if base == "" {
		base = "receipt"
	}

	return base + strings.ToLower(regexp.MustCompile(`[^a-zA-Z0-9.]`).ReplaceAllString(ext, ""))
}

// partition splits images into contiguous chunks of at most size, keeping order
func partition(images []scanning.Image, size int) [][]scanning.Image {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var batches [][]scanning.Image
	for start := 0; start < len(images); start += size {
		end := min(start+size, len(images))
		batches = append(batches, images[start:end])
	}
	return batches
}

// Snapshot returns the current session
func (s *Service) Snapshot() Snapshot {
	return s.session.Snapshot()
}

// Restore loads the persisted session, if any
func (s *Service) Restore() error {
	if s.db == nil {
		return nil
	}
	stored, err := s.db.LoadSession()
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if err := s.session.restore(stored, MessageInterrupted); err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}
	slog.Info("Restored session", "run_id", stored.Meta.RunID, "receipts", len(stored.Records))
	return nil
}

// begin starts a run on the session and clears the persisted one
func (s *Service) begin(runID string, cancel context.CancelFunc) (uint64, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if s.closing {
		return 0, ErrShuttingDown
	}
	gen, err := s.session.begin(runID, cancel)
	if err != nil {
		return 0, err
	}
	s.sources = nil
	if s.db != nil {
		if err := s.db.ClearSession(); err != nil {
			slog.Error("Failed to clear stored session", "run_id", runID, "error", err)
		}
	}
	s.persistMetaLocked(gen)
	return gen, nil
}

// Start begins a run in the background and returns its ID.
// It fails with ErrRunInProgress while another run is normalizing or extracting.
func (s *Service) Start(files []scanning.File) (string, error) {
	runID := s.idGenerator.Generate()
	ctx, cancel := context.WithCancel(context.Background())

	s.runs.Add(1)
	gen, err := s.begin(runID, cancel)
	if err != nil {
		s.runs.Done()
		cancel()
		return "", err
	}

	go func() {
		defer s.runs.Done()
		defer cancel()
		s.execute(ctx, gen, runID, files)
	}()
	return runID, nil
}

// Run executes a whole run and returns the final session.
// The returned error is a *RunError when the pipeline failed.
func (s *Service) Run(ctx context.Context, files []scanning.File) (Snapshot, error) {
	runID := s.idGenerator.Generate()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gen, err := s.begin(runID, cancel)
	if err != nil {
		return Snapshot{}, err
	}
	err = s.execute(ctx, gen, runID, files)
	return s.session.Snapshot(), err
}

// Wait blocks until background runs have finished
func (s *Service) Wait() {
	s.runs.Wait()
}

// Shutdown stops the running extraction and waits for it to return.
// The stored session is kept so the next start can restore it; an
// interrupted run keeps its active state in the database.
func (s *Service) Shutdown() {
	s.persistMu.Lock()
	s.closing = true
	s.persistMu.Unlock()

	s.session.cancelRun()
	s.runs.Wait()
	slog.Info("Service stopped")
}

func (s *Service) execute(ctx context.Context, gen uint64, runID string, files []scanning.File) error {
	logger := slog.With("run_id", runID)
	logger.Info("Starting run", "files", len(files))

	normalized, err := s.normalizer.Normalize(ctx, files, func(f scanning.File) {
		s.session.setStatus(gen, fmt.Sprintf(statusProcessingFile, f.Name))
	})
	if err != nil {
		return s.abort(gen, runID, classifyRunError(err))
	}
	s.session.setSkipped(gen, normalized.Skipped)
	s.archiveSources(ctx, gen, runID, files)

	images := normalized.Images
	if len(images) == 0 {
		if err := s.finish(gen, StateEmpty, statusNothingToRead); err != nil {
			return nil
		}
		logger.Info("Run finished with nothing to process")
		return nil
	}

	batches := partition(images, s.cfg.BatchSize)
	total := 0
	from := 1
	for k, batch := range batches {
		progress := BatchProgress{
			Batch:   k + 1,
			Batches: len(batches),
			From:    from,
			To:      from + len(batch) - 1,
			Total:   len(images),
		}
		if err := s.session.transition(gen, StateExtracting, progress.Status()); err != nil {
			logger.Info("Run discarded by reset")
			return err
		}
		if s.cfg.OnBatch != nil {
			s.cfg.OnBatch(progress)
		}
		logger.Info("Processing batch", "batch", progress.Batch, "batches", progress.Batches, "images", len(batch))

		callTime := s.timeSource.Now()
		results, err := s.scanner.ScanImages(ctx, batch)
		if err != nil {
			return s.abort(gen, runID, classifyRunError(err))
		}

		records, err := mapResults(batch, results, callTime, s.session.hasRecord)
		if err != nil {
			return s.abort(gen, runID, classifyRunError(err))
		}
		entries := deriveEntries(records, s.cfg.Chart, callTime)

		if err := s.appendBatch(gen, records, entries); err != nil {
			if errors.Is(err, errStaleRun) {
				logger.Info("Run discarded by reset")
				return err
			}
			if errors.Is(err, ErrShuttingDown) {
				logger.Info("Run interrupted by shutdown")
				return err
			}
			return s.abort(gen, runID, &RunError{Kind: KindInternal, Message: MessageInternal, Err: err})
		}

		total += len(records)
		from += len(batch)
	}

	if err := s.finish(gen, StateSuccess, fmt.Sprintf(statusSuccess, total)); err != nil {
		return nil
	}
	logger.Info("Run finished", "images", len(images), "receipts", total)
	return nil
}

// appendBatch publishes a batch and stores it
func (s *Service) appendBatch(gen uint64, records []Record, entries []JournalEntry) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if s.closing {
		return ErrShuttingDown
	}
	if err := s.session.appendBatch(gen, records, entries); err != nil {
		return err
	}
	if s.db != nil && len(records) > 0 {
		if err := s.db.SaveBatch(records, entries); err != nil {
			slog.Error("Failed to store batch", "error", err)
		}
	}
	return nil
}

func (s *Service) finish(gen uint64, state State, status string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if s.closing {
		return ErrShuttingDown
	}
	if err := s.session.transition(gen, state, status); err != nil {
		return err
	}
	s.persistMetaLocked(gen)
	return nil
}

// abort moves the run to the error state, keeping earlier batches
func (s *Service) abort(gen uint64, runID string, runErr *RunError) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if s.closing {
		slog.Info("Run interrupted by shutdown", "run_id", runID)
		return runErr
	}
	if err := s.session.fail(gen, statusError, runErr.Message); err != nil {
		slog.Info("Run discarded by reset", "run_id", runID)
		return runErr
	}
	slog.Error("Run failed", "run_id", runID, "kind", runErr.Kind, "error", runErr.Err)
	s.persistMetaLocked(gen)
	return runErr
}

func (s *Service) persistMetaLocked(gen uint64) {
	if s.db == nil {
		return
	}
	meta, ok := s.session.meta(gen)
	if !ok {
		return
	}
	if err := s.db.SaveMeta(meta); err != nil {
		slog.Error("Failed to store run state", "run_id", meta.RunID, "error", err)
	}
}

// archiveSources copies the uploaded files to storage. Failures are logged only.
// Files archived for a run that was reset meanwhile are removed again.
func (s *Service) archiveSources(ctx context.Context, gen uint64, runID string, files []scanning.File) {
	if s.storage == nil {
		return
	}
	var saved []string
	for i, f := range files {
		name := fmt.Sprintf("sources/%s/%03d_%s", runID, i+1, sanitizeFilename(f.Name))
		if _, err := s.storage.Save(ctx, name, f.Data); err != nil {
			slog.Warn("Failed to archive upload", "run_id", runID, "filename", f.Name, "error", err)
			continue
		}
		saved = append(saved, name)
	}

	s.persistMu.Lock()
	_, current := s.session.meta(gen)
	if current {
		s.sources = append(s.sources, saved...)
	}
	s.persistMu.Unlock()

	if !current {
		s.deleteSources(saved)
	}
}

func (s *Service) deleteSources(names []string) {
	if s.storage == nil {
		return
	}
	for _, name := range names {
		if err := s.storage.Delete(context.Background(), name); err != nil {
			slog.Warn("Failed to delete archived upload", "name", name, "error", err)
		}
	}
}

// UpdateEntry replaces the entry with the given id by a validated edit
func (s *Service) UpdateEntry(id string, edit JournalEntry) (JournalEntry, error) {
	existing, err := s.session.Entry(id)
	if err != nil {
		return JournalEntry{}, err
	}

	edit.ID = id
	if edit.StoreName == "" {
		edit.StoreName = existing.StoreName
	}
	if edit.InvoiceNumber == "" {
		edit.InvoiceNumber = existing.InvoiceNumber
	}
	if edit.CreditAccount == "" {
		edit.CreditAccount = existing.CreditAccount
	}
	edit.Description = strings.TrimSpace(edit.Description)
	if edit.Description == "" {
		edit.Description = FallbackDescription
	}

	if err := s.validate.Struct(edit); err != nil {
		return JournalEntry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.session.replaceEntry(edit); err != nil {
		return JournalEntry{}, err
	}
	if s.db != nil {
		if err := s.db.SaveEntry(edit); err != nil {
			slog.Error("Failed to store entry", "id", id, "error", err)
		}
	}
	return edit, nil
}

// Reset discards the session and cancels any running extraction.
// Uploads archived for the current run are deleted; exports are kept.
func (s *Service) Reset() error {
	s.persistMu.Lock()
	s.session.Reset()
	sources := s.sources
	s.sources = nil
	var err error
	if s.db != nil {
		if clearErr := s.db.ClearSession(); clearErr != nil {
			err = fmt.Errorf("clearing stored session: %w", clearErr)
		}
	}
	s.persistMu.Unlock()

	s.deleteSources(sources)
	if err != nil {
		return err
	}
	slog.Info("Session reset")
	return nil
}

// GetReceipt returns the record with the given id
func (s *Service) GetReceipt(id string) (Record, error) {
	return s.session.Record(id)
}

// ReceiptImage returns the decoded image a record was read from
func (s *Service) ReceiptImage(id string) ([]byte, string, error) {
	rec, err := s.session.Record(id)
	if err != nil {
		return nil, "", err
	}
	data, err := base64.StdEncoding.DecodeString(rec.OriginalImage)
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}
	return data, rec.OriginalMIMEType, nil
}

// ExportEncoding returns the encoding used by Export
func (s *Service) ExportEncoding() yayoi.Encoding {
	return s.cfg.Export.Encoding
}

// Export renders the session's entries as a Yayoi import file and archives it
func (s *Service) Export(ctx context.Context) ([]byte, error) {
	snap := s.session.Snapshot()
	if len(snap.Entries) == 0 {
		return nil, ErrNothingToExport
	}

	data, err := yayoi.Marshal(ExportRows(snap.Receipts, snap.Entries), s.cfg.Export)
	if err != nil {
		return nil, fmt.Errorf("formatting export: %w", err)
	}

	if s.storage != nil {
		name := fmt.Sprintf("exports/%s_%s", s.timeSource.Now().Format("20060102-150405"), yayoi.FileName)
		if _, err := s.storage.Save(ctx, name, data); err != nil {
			slog.Warn("Failed to archive export", "name", name, "error", err)
		}
	}
	slog.Info("Exported journal", "entries", len(snap.Entries))
	return data, nil
}

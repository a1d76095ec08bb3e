package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrUnsupportedFile is returned under the reject policy for files that are neither images nor PDFs
var ErrUnsupportedFile = errors.New("unsupported file type")

// File is an uploaded input file with its declared content type
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Image is a normalized image ready to be sent for extraction
type Image struct {
	Base64Data string `json:"base64Data"`
	SourceName string `json:"sourceName"`
	MIMEType   string `json:"mimeType"`
}

// FileError reports the input file that made normalization fail
type FileError struct {
	Name string
	PDF  bool
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("processing %s: %v", e.Name, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// UnsupportedPolicy decides what happens to files that are neither images nor PDFs
type UnsupportedPolicy string

const (
	UnsupportedIgnore UnsupportedPolicy = "ignore"
	UnsupportedWarn   UnsupportedPolicy = "warn"
	UnsupportedReject UnsupportedPolicy = "reject"
)

// ParseUnsupportedPolicy validates a policy name from configuration
func ParseUnsupportedPolicy(s string) (UnsupportedPolicy, error) {
	switch p := UnsupportedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case UnsupportedIgnore, UnsupportedWarn, UnsupportedReject:
		return p, nil
	case "":
		return UnsupportedIgnore, nil
	default:
		return "", fmt.Errorf("invalid unsupported file policy %q (want ignore, warn or reject)", s)
	}
}

// Normalized is the outcome of normalizing a set of files
type Normalized struct {
	Images []Image
	// Skipped names the unsupported files dropped under the warn policy
	Skipped []string
}

// Normalizer converts images and multi-page PDFs into an ordered list of Images
type Normalizer struct {
	rasterizer Rasterizer
	policy     UnsupportedPolicy
	scale      float64
	quality    int
}

// NewNormalizer creates a Normalizer backed by MuPDF
func NewNormalizer(policy UnsupportedPolicy) *Normalizer {
	return NewNormalizerWithRasterizer(FitzRasterizer{}, policy)
}

// NewNormalizerWithRasterizer creates a Normalizer with a custom rasterizer for testing
func NewNormalizerWithRasterizer(r Rasterizer, policy UnsupportedPolicy) *Normalizer {
	if policy == "" {
		policy = UnsupportedIgnore
	}
	return &Normalizer{
		rasterizer: r,
		policy:     policy,
		scale:      DefaultPDFScale,
		quality:    DefaultJPEGQuality,
	}
}

// Normalize converts files in order. onFile, when set, is called before each file is processed.
// A PDF that cannot be rendered aborts the whole call.
func (n *Normalizer) Normalize(ctx context.Context, files []File, onFile func(File)) (*Normalized, error) {
	out := &Normalized{Images: make([]Image, 0, len(files))}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onFile != nil {
			onFile(f)
		}

		mimeType := normalizeContentType(f.ContentType, f.Data)
		switch {
		case mimeType == "application/pdf":
			pages, err := n.pdfPages(f)
			if err != nil {
				return nil, &FileError{Name: f.Name, PDF: true, Err: err}
			}
			out.Images = append(out.Images, pages...)

		case strings.HasPrefix(mimeType, "image/"):
			data, payloadType, err := imagePayload(f.Data, mimeType, n.quality)
			if err != nil {
				return nil, &FileError{Name: f.Name, Err: err}
			}
			out.Images = append(out.Images, Image{
				Base64Data: toBase64(data),
				SourceName: f.Name,
				MIMEType:   payloadType,
			})

		default:
			switch n.policy {
			case UnsupportedReject:
				return nil, &FileError{Name: f.Name, Err: fmt.Errorf("%w: %s", ErrUnsupportedFile, mimeType)}
			case UnsupportedWarn:
				slog.Warn("Skipping unsupported file", "filename", f.Name, "content_type", mimeType)
				out.Skipped = append(out.Skipped, f.Name)
			}
		}
	}

	return out, nil
}

func (n *Normalizer) pdfPages(f File) ([]Image, error) {
	pages, err := n.rasterizer.Rasterize(f.Data, n.scale)
	if err != nil {
		return nil, err
	}

	images := make([]Image, 0, len(pages))
	for i, page := range pages {
		jpg, err := encodeJPEG(page, n.quality)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		images = append(images, Image{
			Base64Data: toBase64(jpg),
			SourceName: fmt.Sprintf("%s-p%d", f.Name, i+1),
			MIMEType:   "image/jpeg",
		})
	}
	return images, nil
}

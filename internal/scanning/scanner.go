package scanning

import (
	"context"
	"errors"
)

var (
	// ErrQuotaExceeded is returned when the model provider rejects a call for quota or rate limits
	ErrQuotaExceeded = errors.New("extraction quota exceeded")
	// ErrMalformedResponse is returned when the model output is not a JSON array
	ErrMalformedResponse = errors.New("malformed extraction response")
	// ErrResultCountMismatch is returned when the model returns a different number of results than images sent
	ErrResultCountMismatch = errors.New("extraction result count does not match image count")
)

// ReceiptData contains extracted information for one receipt found in an image
type ReceiptData struct {
	StoreName             string  `json:"storeName"`
	Date                  string  `json:"date"` // ISO 8601 format after normalization
	TotalAmount           float64 `json:"totalAmount"`
	TaxAmount             float64 `json:"taxAmount"`
	TaxRate               float64 `json:"taxRate"` // percent, 8 for 8%
	InvoiceNumber         string  `json:"invoiceNumber"`
	SuggestedDebitAccount string  `json:"suggestedDebitAccount"`
	SuggestedDescription  string  `json:"suggestedDescription"`
}

// ImageResult holds every receipt found in a single input image
type ImageResult struct {
	Receipts []ReceiptData `json:"receipts"`
}

// Scanner defines the interface for batch receipt extraction
type Scanner interface {
	// ScanImages sends a batch of images in one call and returns exactly one result per image, in order
	ScanImages(ctx context.Context, images []Image) ([]ImageResult, error)
	// Close closes the scanner and releases resources
	Close() error
}

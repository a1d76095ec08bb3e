package receipt

import (
	"fmt"
	"time"

	"github.com/zombor/receipt-journal/internal/scanning"
)

// mapResults turns the per-image results of one scanner call into records.
// results[i] belongs to images[i]. taken reports ids already used by the session.
func mapResults(images []scanning.Image, results []scanning.ImageResult, callTime time.Time, taken func(string) bool) ([]Record, error) {
	if len(images) != len(results) {
		return nil, fmt.Errorf("%w: sent %d images, got %d results", scanning.ErrResultCountMismatch, len(images), len(results))
	}

	ms := callTime.UnixMilli()
	used := make(map[string]bool)
	var records []Record
	for i, result := range results {
		img := images[i]
		for j, data := range result.Receipts {
			id := uniqueID(fmt.Sprintf("%s-%d-%d", img.SourceName, ms, j), func(candidate string) bool {
				return used[candidate] || (taken != nil && taken(candidate))
			})
			used[id] = true

			records = append(records, Record{
				ID:                    id,
				StoreName:             data.StoreName,
				Date:                  data.Date,
				TotalAmount:           data.TotalAmount,
				TaxAmount:             data.TaxAmount,
				TaxRate:               data.TaxRate,
				InvoiceNumber:         data.InvoiceNumber,
				SourceFileName:        img.SourceName,
				OriginalImage:         img.Base64Data,
				OriginalMIMEType:      img.MIMEType,
				SuggestedDebitAccount: data.SuggestedDebitAccount,
				SuggestedDescription:  data.SuggestedDescription,
			})
		}
	}
	return records, nil
}

// uniqueID appends -2, -3, ... to base until it is free
func uniqueID(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !taken(candidate) {
			return candidate
		}
	}
}

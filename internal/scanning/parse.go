package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"
)

// flexNumber accepts both JSON numbers and numeric strings such as "1,280" or "¥1,280"
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] != '"' {
		var v float64
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexNumber(v)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = width.Narrow.String(s)
	s = strings.NewReplacer(",", "", "¥", "", "￥", "", "円", "", "%", "", " ", "").Replace(s)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parsing number %q: %w", s, err)
	}
	*f = flexNumber(v)
	return nil
}

type rawReceipt struct {
	StoreName             string     `json:"storeName"`
	Date                  string     `json:"date"`
	TotalAmount           flexNumber `json:"totalAmount"`
	TaxAmount             flexNumber `json:"taxAmount"`
	TaxRate               flexNumber `json:"taxRate"`
	InvoiceNumber         string     `json:"invoiceNumber"`
	SuggestedDebitAccount string     `json:"suggestedDebitAccount"`
	SuggestedDescription  string     `json:"suggestedDescription"`
}

type rawImageResult struct {
	Receipts []rawReceipt `json:"receipts"`
}

// cleanModelJSON strips markdown fences and any text around the top-level JSON array
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		idx := strings.Index(s, "\n")
		if idx == -1 {
			return strings.Trim(s, "`")
		}
		s = strings.TrimSpace(s[idx+1:])
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	// A bare object is left alone so it fails as a non-array rather than being mistaken for its inner array
	if strings.HasPrefix(s, "{") {
		return s
	}
	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end > start {
			s = s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}

// parseResults validates a raw model response against the number of images sent
func parseResults(text string, want int) ([]ImageResult, error) {
	clean := cleanModelJSON(text)
	if clean == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	var raw []rawImageResult
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(raw) != want {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrResultCountMismatch, want, len(raw))
	}

	results := make([]ImageResult, len(raw))
	for i, r := range raw {
		receipts := make([]ReceiptData, 0, len(r.Receipts))
		for _, item := range r.Receipts {
			receipts = append(receipts, ReceiptData{
				StoreName:             strings.TrimSpace(item.StoreName),
				Date:                  normalizeDate(item.Date),
				TotalAmount:           float64(item.TotalAmount),
				TaxAmount:             float64(item.TaxAmount),
				TaxRate:               float64(item.TaxRate),
				InvoiceNumber:         normalizeInvoiceNumber(item.InvoiceNumber),
				SuggestedDebitAccount: strings.TrimSpace(item.SuggestedDebitAccount),
				SuggestedDescription:  strings.TrimSpace(item.SuggestedDescription),
			})
		}
		results[i].Receipts = receipts
	}
	return results, nil
}

var dateLayouts = []string{
	"2006-1-2",
	"2006/1/2",
	"2006.1.2",
	"2006年1月2日",
	"2006-1-2T15:04:05Z07:00",
	"2006-1-2 15:04",
	"2006/1/2 15:04",
}

var eraDate = regexp.MustCompile(`^(令和|平成|昭和|R|H|S)\s*(元|\d{1,2})\s*[年./-]\s*(\d{1,2})\s*[月./-]\s*(\d{1,2})\s*日?$`)

// eraOffsets maps an era to the Gregorian year before its first year
var eraOffsets = map[string]int{
	"令和": 2018, "R": 2018,
	"平成": 1988, "H": 1988,
	"昭和": 1925, "S": 1925,
}

// normalizeDate converts a model-provided date into YYYY-MM-DD, or "" when it cannot be read
func normalizeDate(s string) string {
	s = strings.TrimSpace(width.Narrow.String(s))
	if s == "" {
		return ""
	}

	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format("2006-01-02")
		}
	}

	if m := eraDate.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		year := 1
		if m[2] != "元" {
			year, _ = strconv.Atoi(m[2])
		}
		month, _ := strconv.Atoi(m[3])
		day, _ := strconv.Atoi(m[4])
		d := time.Date(eraOffsets[m[1]]+year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if int(d.Month()) != month || d.Day() != day {
			return ""
		}
		return d.Format("2006-01-02")
	}

	return ""
}

// normalizeInvoiceNumber folds full-width characters and drops separators, e.g. "Ｔ１２３４-..." -> "T1234..."
func normalizeInvoiceNumber(s string) string {
	s = width.Narrow.String(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "", " ", "").Replace(s)
	return strings.ToUpper(s)
}

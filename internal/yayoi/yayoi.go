// Package yayoi writes journal rows in the CSV layout accepted by Yayoi Kaikei's import.
package yayoi

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// FileName is the name offered for the downloaded CSV
const FileName = "仕訳データ.csv"

// TaxCategoryOutOfScope is written to both tax category columns
const TaxCategoryOutOfScope = "対象外"

// DefaultTaxRate is the percentage written when a row has no extracted tax rate
const DefaultTaxRate = 10

// ErrNoRows is returned when there is nothing to write
var ErrNoRows = errors.New("no journal rows to export")

// Header is the fixed column order of the import file
var Header = []string{
	"取引日付", "借方勘定科目", "借方補助科目", "貸方勘定科目", "貸方補助科目",
	"借方税区分", "貸方税区分", "借方金額", "貸方金額", "摘要", "税率", "インボイス",
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Encoding selects the byte encoding of the file
type Encoding string

const (
	EncodingUTF8BOM  Encoding = "utf-8-bom"
	EncodingShiftJIS Encoding = "shift_jis"
)

// ParseEncoding validates an encoding name from configuration
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "", "utf-8", "utf8", EncodingUTF8BOM:
		return EncodingUTF8BOM, nil
	case EncodingShiftJIS, "sjis", "shift-jis":
		return EncodingShiftJIS, nil
	default:
		return "", fmt.Errorf("invalid encoding %q (want utf-8-bom or shift_jis)", s)
	}
}

// ContentType returns the HTTP content type for files in this encoding
func (e Encoding) ContentType() string {
	if e == EncodingShiftJIS {
		return "text/csv; charset=shift_jis"
	}
	return "text/csv; charset=utf-8"
}

// Options controls policy values that are not part of the rows themselves
type Options struct {
	// DefaultTaxRate is used for rows whose TaxRate is zero
	DefaultTaxRate float64
	Encoding       Encoding
}

// DefaultOptions returns UTF-8 with BOM and a 10% fallback tax rate
func DefaultOptions() Options {
	return Options{DefaultTaxRate: DefaultTaxRate, Encoding: EncodingUTF8BOM}
}

// Row is one journal line
type Row struct {
	TransactionDate string // YYYY-MM-DD
	DebitAccount    string
	CreditAccount   string
	Amount          float64
	StoreName       string
	Description     string
	TaxRate         float64 // percent, 0 when unknown
	HasInvoice      bool
}

func (r Row) fields(opts Options) []string {
	amount := formatAmount(r.Amount)
	return []string{
		strings.ReplaceAll(r.TransactionDate, "-", "/"),
		r.DebitAccount, "", r.CreditAccount, "",
		TaxCategoryOutOfScope, TaxCategoryOutOfScope,
		amount, amount,
		r.StoreName + " / " + r.Description,
		formatTaxRate(r.TaxRate, opts.DefaultTaxRate),
		invoiceFlag(r.HasInvoice),
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTaxRate(rate, fallback float64) string {
	if rate == 0 {
		rate = fallback
	}
	return fmt.Sprintf("%d%%", int(math.Round(rate)))
}

func invoiceFlag(has bool) string {
	if has {
		return "1"
	}
	return "0"
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Write writes the header and rows. Every row field is quoted and lines end with CRLF.
func Write(w io.Writer, rows []Row, opts Options) error {
	if len(rows) == 0 {
		return ErrNoRows
	}

	var enc io.Writer = w
	var closer io.Closer
	switch opts.Encoding {
	case EncodingShiftJIS:
		tw := transform.NewWriter(w, encoding.ReplaceUnsupported(japanese.ShiftJIS.NewEncoder()))
		enc, closer = tw, tw
	case EncodingUTF8BOM, "":
		if _, err := w.Write(utf8BOM); err != nil {
			return fmt.Errorf("writing BOM: %w", err)
		}
	default:
		return fmt.Errorf("unknown encoding %q", opts.Encoding)
	}

	bw := bufio.NewWriter(enc)
	// the header line is bare, data fields are always quoted
	bw.WriteString(strings.Join(Header, ",") + "\r\n")
	for _, r := range rows {
		for i, f := range r.fields(opts) {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteString(quote(f))
		}
		bw.WriteString("\r\n")
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing rows: %w", err)
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("flushing encoder: %w", err)
		}
	}
	return nil
}

// Marshal returns the encoded file contents
func Marshal(rows []Row, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, rows, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

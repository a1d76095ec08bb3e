package receipt

import (
	"strings"
	"time"
)

const (
	// FallbackDescription is used when neither a suggestion nor a store name exists
	FallbackDescription = "摘要なし"
	// FallbackStoreName is used when the store could not be read
	FallbackStoreName = "不明な店名"
)

const dateLayout = "2006-01-02"

// DeriveEntry proposes a journal entry for a record. today is used when the record has no date.
func DeriveEntry(rec Record, chart Chart, today time.Time) JournalEntry {
	date := rec.Date
	if date == "" {
		date = today.Format(dateLayout)
	}

	debit := rec.SuggestedDebitAccount
	if !chart.Allows(debit) {
		debit = chart.DefaultDebit()
	}

	credit := chart.CreditAccount
	if credit == "" {
		credit = DefaultCreditAccount
	}

	description := strings.TrimSpace(rec.SuggestedDescription)
	if description == "" {
		description = strings.TrimSpace(rec.StoreName)
	}
	if description == "" {
		description = FallbackDescription
	}

	store := strings.TrimSpace(rec.StoreName)
	if store == "" {
		store = FallbackStoreName
	}

	return JournalEntry{
		ID:              rec.ID,
		TransactionDate: date,
		DebitAccount:    debit,
		CreditAccount:   credit,
		Amount:          rec.TotalAmount,
		Description:     description,
		StoreName:       store,
		InvoiceNumber:   rec.InvoiceNumber,
	}
}

// deriveEntries derives one entry per record, keeping order
func deriveEntries(records []Record, chart Chart, today time.Time) []JournalEntry {
	entries := make([]JournalEntry, len(records))
	for i, rec := range records {
		entries[i] = DeriveEntry(rec, chart, today)
	}
	return entries
}

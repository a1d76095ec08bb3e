package receipt

import "github.com/zombor/receipt-journal/internal/yayoi"

// ExportRows builds one export row per entry, in entry order.
// The tax rate comes from the record with the same id.
func ExportRows(records []Record, entries []JournalEntry) []yayoi.Row {
	taxRates := make(map[string]float64, len(records))
	for _, r := range records {
		taxRates[r.ID] = r.TaxRate
	}

	rows := make([]yayoi.Row, len(entries))
	for i, e := range entries {
		rows[i] = yayoi.Row{
			TransactionDate: e.TransactionDate,
			DebitAccount:    e.DebitAccount,
			CreditAccount:   e.CreditAccount,
			Amount:          e.Amount,
			StoreName:       e.StoreName,
			Description:     e.Description,
			TaxRate:         taxRates[e.ID],
			HasInvoice:      e.InvoiceNumber != "",
		}
	}
	return rows
}

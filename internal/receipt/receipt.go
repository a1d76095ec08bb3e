package receipt

// Record is one receipt extracted from one image
type Record struct {
	ID                    string  `json:"id" db:"id"`
	StoreName             string  `json:"storeName" db:"store_name"`
	Date                  string  `json:"date,omitempty" db:"date"` // YYYY-MM-DD, empty when unknown
	TotalAmount           float64 `json:"totalAmount" db:"total_amount"`
	TaxAmount             float64 `json:"taxAmount" db:"tax_amount"`
	TaxRate               float64 `json:"taxRate" db:"tax_rate"` // percent
	InvoiceNumber         string  `json:"invoiceNumber" db:"invoice_number"`
	SourceFileName        string  `json:"sourceFileName" db:"source_file_name"`
	OriginalImage         string  `json:"originalImage,omitempty" db:"original_image"` // base64
	OriginalMIMEType      string  `json:"originalMimeType" db:"original_mime_type"`
	SuggestedDebitAccount string  `json:"suggestedDebitAccount" db:"suggested_debit_account"`
	SuggestedDescription  string  `json:"suggestedDescription" db:"suggested_description"`
}

// JournalEntry is the journal line proposed for a record. It shares the record's ID.
type JournalEntry struct {
	ID              string  `json:"id" db:"id"`
	TransactionDate string  `json:"transactionDate" db:"transaction_date" validate:"required,datetime=2006-01-02"`
	DebitAccount    string  `json:"debitAccount" db:"debit_account" validate:"required,debit_account"`
	CreditAccount   string  `json:"creditAccount" db:"credit_account" validate:"required"`
	Amount          float64 `json:"amount" db:"amount" validate:"gte=0"`
	Description     string  `json:"description" db:"description"`
	StoreName       string  `json:"storeName" db:"store_name"`
	InvoiceNumber   string  `json:"invoiceNumber" db:"invoice_number"`
}

// withoutImage returns a copy of the record with the image payload dropped
func (r Record) withoutImage() Record {
	r.OriginalImage = ""
	return r
}

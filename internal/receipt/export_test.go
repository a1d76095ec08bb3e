package receipt

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-journal/internal/yayoi"
)

var _ = Describe("ExportRows", func() {
	It("should build rows in entry order with the record's tax rate", func() {
		records := []Record{
			{ID: "a", TaxRate: 8},
			{ID: "b", TaxRate: 10},
		}
		entries := []JournalEntry{
			{ID: "b", TransactionDate: "2024-05-02", DebitAccount: "通信費", CreditAccount: "現金", Amount: 3000, StoreName: "ドコモ", Description: "携帯", InvoiceNumber: "T1234567890123"},
			{ID: "a", TransactionDate: "2024-05-01", DebitAccount: "会議費", CreditAccount: "現金", Amount: 650, StoreName: "カフェ", Description: "打合せ"},
		}

		Expect(ExportRows(records, entries)).To(Equal([]yayoi.Row{
			{TransactionDate: "2024-05-02", DebitAccount: "通信費", CreditAccount: "現金", Amount: 3000, StoreName: "ドコモ", Description: "携帯", TaxRate: 10, HasInvoice: true},
			{TransactionDate: "2024-05-01", DebitAccount: "会議費", CreditAccount: "現金", Amount: 650, StoreName: "カフェ", Description: "打合せ", TaxRate: 8},
		}))
	})

	It("should leave the tax rate empty when no record matches", func() {
		rows := ExportRows(nil, []JournalEntry{{ID: "x"}})
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].TaxRate).To(BeZero())
		Expect(rows[0].HasInvoice).To(BeFalse())
	})

	It("should return no rows for no entries", func() {
		Expect(ExportRows([]Record{{ID: "a"}}, nil)).To(BeEmpty())
	})
})

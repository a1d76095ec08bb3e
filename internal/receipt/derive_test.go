package receipt

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DeriveEntry", func() {
	var (
		rec   Record
		chart Chart
		today time.Time
		entry JournalEntry
	)

	BeforeEach(func() {
		chart = DefaultChart()
		today = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
		rec = Record{
			ID:                    "a.jpg-1-0",
			StoreName:             "スターバックス",
			Date:                  "2024-05-20",
			TotalAmount:           650,
			InvoiceNumber:         "T1234567890123",
			SuggestedDebitAccount: "会議費",
			SuggestedDescription:  "打合せ コーヒー",
		}
	})

	JustBeforeEach(func() {
		entry = DeriveEntry(rec, chart, today)
	})

	When("the record is complete", func() {
		It("should copy the record's values", func() {
			Expect(entry).To(Equal(JournalEntry{
				ID:              "a.jpg-1-0",
				TransactionDate: "2024-05-20",
				DebitAccount:    "会議費",
				CreditAccount:   "現金",
				Amount:          650,
				Description:     "打合せ コーヒー",
				StoreName:       "スターバックス",
				InvoiceNumber:   "T1234567890123",
			}))
		})
	})

	When("the date is missing", func() {
		BeforeEach(func() {
			rec.Date = ""
		})

		It("should use today", func() {
			Expect(entry.TransactionDate).To(Equal("2024-06-01"))
		})
	})

	When("the suggested account is not in the chart", func() {
		BeforeEach(func() {
			rec.SuggestedDebitAccount = "売上高"
		})

		It("should use the chart's first account", func() {
			Expect(entry.DebitAccount).To(Equal("消耗品費"))
		})
	})

	When("there is no suggested description", func() {
		BeforeEach(func() {
			rec.SuggestedDescription = ""
		})

		It("should use the store name", func() {
			Expect(entry.Description).To(Equal("スターバックス"))
		})
	})

	When("there is neither a description nor a store", func() {
		BeforeEach(func() {
			rec.SuggestedDescription = ""
			rec.StoreName = ""
		})

		It("should use the fallbacks", func() {
			Expect(entry.Description).To(Equal("摘要なし"))
			Expect(entry.StoreName).To(Equal("不明な店名"))
		})
	})

	When("the chart has its own credit account", func() {
		BeforeEach(func() {
			chart.CreditAccount = "普通預金"
		})

		It("should use it", func() {
			Expect(entry.CreditAccount).To(Equal("普通預金"))
		})
	})

	When("the amount is missing", func() {
		BeforeEach(func() {
			rec.TotalAmount = 0
		})

		It("should be zero", func() {
			Expect(entry.Amount).To(BeZero())
		})
	})
})

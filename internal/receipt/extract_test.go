package receipt

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-journal/internal/scanning"
)

var _ = Describe("mapResults", func() {
	var (
		images  []scanning.Image
		results []scanning.ImageResult
		taken   map[string]bool
		records []Record
		err     error
		ms      int64
	)

	BeforeEach(func() {
		ms = testNow.UnixMilli()
		taken = map[string]bool{}
		images = []scanning.Image{
			{Base64Data: "QQ==", SourceName: "a.jpg", MIMEType: "image/jpeg"},
			{Base64Data: "Qg==", SourceName: "b.pdf-p1", MIMEType: "image/jpeg"},
		}
		results = []scanning.ImageResult{
			{Receipts: []scanning.ReceiptData{
				{StoreName: "A1", TotalAmount: 100, TaxRate: 8},
				{StoreName: "A2", TotalAmount: 200},
			}},
			{Receipts: []scanning.ReceiptData{
				{StoreName: "B1", TotalAmount: 300, InvoiceNumber: "T1111111111111"},
			}},
		}
	})

	JustBeforeEach(func() {
		records, err = mapResults(images, results, testNow, func(id string) bool { return taken[id] })
	})

	It("should create one record per receipt in image order", func() {
		Expect(err).NotTo(HaveOccurred())
		Expect(recordIDs(records)).To(Equal([]string{
			fmt.Sprintf("a.jpg-%d-0", ms),
			fmt.Sprintf("a.jpg-%d-1", ms),
			fmt.Sprintf("b.pdf-p1-%d-0", ms),
		}))
	})

	It("should attach the source image to each record", func() {
		Expect(records[1].SourceFileName).To(Equal("a.jpg"))
		Expect(records[1].OriginalImage).To(Equal("QQ=="))
		Expect(records[2].SourceFileName).To(Equal("b.pdf-p1"))
		Expect(records[2].OriginalMIMEType).To(Equal("image/jpeg"))
	})

	It("should carry the extracted values", func() {
		Expect(records[0].TaxRate).To(Equal(8.0))
		Expect(records[1].TaxRate).To(BeZero())
		Expect(records[2].InvoiceNumber).To(Equal("T1111111111111"))
	})

	When("an image has no receipts", func() {
		BeforeEach(func() {
			results[1].Receipts = nil
		})

		It("should produce no record for it", func() {
			Expect(records).To(HaveLen(2))
		})
	})

	When("an id is already used in the session", func() {
		BeforeEach(func() {
			taken[fmt.Sprintf("a.jpg-%d-0", ms)] = true
		})

		It("should add a suffix", func() {
			Expect(records[0].ID).To(Equal(fmt.Sprintf("a.jpg-%d-0-2", ms)))
		})
	})

	When("two images share a source name", func() {
		BeforeEach(func() {
			images[1].SourceName = "a.jpg"
		})

		It("should keep ids unique within the batch", func() {
			Expect(records[2].ID).To(Equal(fmt.Sprintf("a.jpg-%d-0-2", ms)))
		})
	})

	When("the result count does not match", func() {
		BeforeEach(func() {
			results = results[:1]
		})

		It("returns a mismatch error", func() {
			Expect(err).To(MatchError(scanning.ErrResultCountMismatch))
		})
	})
})

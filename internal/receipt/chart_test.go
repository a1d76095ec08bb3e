package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Chart", func() {
	Describe("LoadChart", func() {
		var (
			path  string
			body  string
			chart Chart
			err   error
		)

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "accounts.yaml")
			body = "debit_accounts:\n  - 旅費交通費\n  - 会議費\ncredit_account: 普通預金\n"
		})

		JustBeforeEach(func() {
			Expect(os.WriteFile(path, []byte(body), 0644)).To(Succeed())
			chart, err = LoadChart(path)
		})

		It("should read the accounts", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(chart.DebitAccounts).To(Equal([]string{"旅費交通費", "会議費"}))
			Expect(chart.CreditAccount).To(Equal("普通預金"))
			Expect(chart.DefaultDebit()).To(Equal("旅費交通費"))
		})

		When("the credit account is omitted", func() {
			BeforeEach(func() {
				body = "debit_accounts: [雑費]\n"
			})

			It("should use cash", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(chart.CreditAccount).To(Equal(DefaultCreditAccount))
			})
		})

		When("there are no debit accounts", func() {
			BeforeEach(func() {
				body = "credit_account: 現金\n"
			})

			It("returns an error", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid chart of accounts")))
			})
		})

		When("an account is listed twice", func() {
			BeforeEach(func() {
				body = "debit_accounts: [雑費, 雑費]\n"
			})

			It("returns an error", func() {
				Expect(err).To(HaveOccurred())
			})
		})

		When("an account is blank", func() {
			BeforeEach(func() {
				body = "debit_accounts: [雑費, \"\"]\n"
			})

			It("returns an error", func() {
				Expect(err).To(HaveOccurred())
			})
		})

		When("the file is not YAML", func() {
			BeforeEach(func() {
				body = "debit_accounts: [雑費\n"
			})

			It("returns an error", func() {
				Expect(err).To(MatchError(ContainSubstring("parsing chart of accounts")))
			})
		})
	})

	Describe("DefaultChart", func() {
		It("should be valid", func() {
			chart := DefaultChart()
			Expect(chart.Validate()).To(Succeed())
			Expect(chart.DebitAccounts).To(HaveLen(15))
			Expect(chart.DefaultDebit()).To(Equal("消耗品費"))
		})

		It("should return a fresh copy each time", func() {
			chart := DefaultChart()
			chart.DebitAccounts[0] = "changed"
			Expect(DefaultChart().DebitAccounts[0]).To(Equal("消耗品費"))
		})

		It("should allow only its own accounts", func() {
			chart := DefaultChart()
			Expect(chart.Allows("会議費")).To(BeTrue())
			Expect(chart.Allows("売上高")).To(BeFalse())
			Expect(chart.Allows("")).To(BeFalse())
		})
	})
})

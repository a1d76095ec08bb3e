package receipt

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultCreditAccount is the account every entry is paid from unless the chart says otherwise
const DefaultCreditAccount = "現金"

var defaultDebitAccounts = []string{
	"消耗品費", "旅費交通費", "会議費", "接待交際費", "通信費",
	"新聞図書費", "事務用品費", "水道光熱費", "地代家賃", "広告宣伝費",
	"支払手数料", "福利厚生費", "修繕費", "租税公課", "雑費",
}

// Chart is the closed set of accounts entries may use. The first debit account is the fallback.
type Chart struct {
	DebitAccounts []string `yaml:"debit_accounts" validate:"min=1,unique,dive,required"`
	CreditAccount string   `yaml:"credit_account" validate:"required"`
}

// DefaultChart returns the built-in chart of accounts
func DefaultChart() Chart {
	accounts := make([]string, len(defaultDebitAccounts))
	copy(accounts, defaultDebitAccounts)
	return Chart{DebitAccounts: accounts, CreditAccount: DefaultCreditAccount}
}

// LoadChart reads a chart of accounts from a YAML file
func LoadChart(path string) (Chart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Chart{}, fmt.Errorf("reading chart of accounts: %w", err)
	}

	var c Chart
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Chart{}, fmt.Errorf("parsing chart of accounts: %w", err)
	}
	if c.CreditAccount == "" {
		c.CreditAccount = DefaultCreditAccount
	}
	if err := c.Validate(); err != nil {
		return Chart{}, err
	}
	return c, nil
}

// Validate checks the chart has at least one distinct, non-blank debit account
func (c Chart) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid chart of accounts: %w", err)
	}
	return nil
}

// Allows reports whether account is one of the chart's debit accounts
func (c Chart) Allows(account string) bool {
	for _, a := range c.DebitAccounts {
		if a == account {
			return true
		}
	}
	return false
}

// DefaultDebit returns the fallback debit account
func (c Chart) DefaultDebit() string {
	if len(c.DebitAccounts) == 0 {
		return ""
	}
	return c.DebitAccounts[0]
}

package domain

import (
	"strings"
)

// AccountType distinguishes bank statements from credit card statements.
type AccountType string

const (
	AccountTypeBank       AccountType = "bank"
	AccountTypeCreditCard AccountType = "credit_card"
)

// StatementPeriod is the date range printed on a statement.
type StatementPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// AccountContext is inferred once per document from its first page and
// handed to every chunk extraction of that document.
type AccountContext struct {
	AccountType     AccountType      `json:"accountType"`
	BankName        *string          `json:"bankName"`
	AccountLast4    *string          `json:"accountLast4"`
	CardLast4       *string          `json:"cardLast4"`
	HolderName      *string          `json:"holderName"`
	StatementPeriod *StatementPeriod `json:"statementPeriod"`
}

// Last4 returns the account or card suffix, preferring the account number.
func (c AccountContext) Last4() string {
	if c.AccountLast4 != nil && *c.AccountLast4 != "" {
		return *c.AccountLast4
	}
	if c.CardLast4 != nil && *c.CardLast4 != "" {
		return *c.CardLast4
	}
	return ""
}

// AccountID builds the stable account identifier used on every transaction
// of the document: <bank>-<type>-<last4>.
func (c AccountContext) AccountID() string {
	bank := "UNKNOWN_BANK"
	if c.BankName != nil && strings.TrimSpace(*c.BankName) != "" {
		bank = strings.TrimSpace(*c.BankName)
	}
	last4 := c.Last4()
	if last4 == "" {
		last4 = "XXXX"
	}
	return strings.Join([]string{bank, string(c.AccountType), last4}, "-")
}

// Page is the text of one page of a source document. Number is 1-based.
type Page struct {
	Number int    `json:"page_number"`
	Text   string `json:"text"`
}

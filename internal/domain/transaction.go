package domain

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
)

// Direction is the user-facing cash flow direction of a transaction.
type Direction string

const (
	DirectionInflow  Direction = "inflow"
	DirectionOutflow Direction = "outflow"
)

// Source is the payment channel a transaction went through.
type Source string

const (
	SourceBank       Source = "bank"
	SourceUPI        Source = "upi"
	SourceCreditCard Source = "credit_card"
)

// RecurringSignal is the evidence the model saw for a possible recurring charge.
type RecurringSignal string

const (
	SignalStandingInstruction RecurringSignal = "SI"
	SignalAutoDebit           RecurringSignal = "AUTO_DEBIT"
	SignalMerchantRecurring   RecurringSignal = "MERCHANT_RECURRING"
)

// DefaultCurrency is applied when the model leaves currency out.
const DefaultCurrency = "INR"

// Transaction is one extracted statement line. It is owned by the session
// that produced it and is never mutated after it has been persisted.
type Transaction struct {
	TransactionID string     `json:"transaction_id"`
	UserID        string     `json:"user_id"`
	AccountID     string     `json:"account_id"`
	SessionID     string     `json:"session_id"`
	Date          civil.Date `json:"date"`
	Description   string     `json:"description"`
	Merchant      *string    `json:"merchant"`
	Amount        float64    `json:"amount"` // always positive; sign lives in Direction
	Direction     Direction  `json:"direction"`
	Source        Source     `json:"source"`
	Currency      string     `json:"currency"`

	Category    *string `json:"category"`
	Subcategory *string `json:"subcategory"`

	IsInternalTransfer bool `json:"is_internal_transfer"`
	IsInterest         bool `json:"is_interest"`
	IsFee              bool `json:"is_fee"`

	Confidence           float64          `json:"confidence"`
	IsRecurringCandidate bool             `json:"is_recurring_candidate"`
	RecurringSignal      *RecurringSignal `json:"recurring_signal"`
}

// MerchantOr returns the merchant name, or fallback when it is missing.
func (t Transaction) MerchantOr(fallback string) string {
	if t.Merchant == nil || strings.TrimSpace(*t.Merchant) == "" {
		return fallback
	}
	return *t.Merchant
}

// CategoryOr returns the category, or fallback when it is missing.
func (t Transaction) CategoryOr(fallback string) string {
	if t.Category == nil || strings.TrimSpace(*t.Category) == "" {
		return fallback
	}
	return *t.Category
}

// YearMonth returns the YYYY-MM bucket the transaction falls in.
func (t Transaction) YearMonth() string {
	return fmt.Sprintf("%04d-%02d", t.Date.Year, int(t.Date.Month))
}

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionInflow, DirectionOutflow:
		return d, nil
	}
	return "", fmt.Errorf("invalid direction %q", s)
}

// ParseSource validates a source string.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceBank, SourceUPI, SourceCreditCard:
		return src, nil
	}
	return "", fmt.Errorf("invalid source %q", s)
}

// ParseRecurringSignal validates a recurring signal string.
func ParseRecurringSignal(s string) (RecurringSignal, error) {
	switch sig := RecurringSignal(strings.ToUpper(strings.TrimSpace(s))); sig {
	case SignalStandingInstruction, SignalAutoDebit, SignalMerchantRecurring:
		return sig, nil
	}
	return "", fmt.Errorf("invalid recurring_signal %q", s)
}

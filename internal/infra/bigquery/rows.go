package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/domain"
)

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED

	UserID    string `bigquery:"user_id"`    // REQUIRED
	AccountID string `bigquery:"account_id"` // REQUIRED
	SessionID string `bigquery:"session_id"` // REQUIRED

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED

	Amount    *big.Rat `bigquery:"amount"`    // REQUIRED NUMERIC, always positive
	Currency  string   `bigquery:"currency"`  // REQUIRED
	Direction string   `bigquery:"direction"` // REQUIRED inflow|outflow
	Source    string   `bigquery:"source"`    // REQUIRED

	Description     string              `bigquery:"description"`
	Merchant        bigquery.NullString `bigquery:"merchant"`
	CategoryName    bigquery.NullString `bigquery:"category_name"`
	SubcategoryName bigquery.NullString `bigquery:"subcategory_name"`

	IsInternalTransfer bool    `bigquery:"is_internal_transfer"`
	Confidence         float64 `bigquery:"confidence"`

	CreatedTS time.Time `bigquery:"created_ts"`
}

// SnapshotRow is one finished session's headline figures plus the full
// snapshot as JSON.
type SnapshotRow struct {
	SessionID string `bigquery:"session_id"` // REQUIRED
	UserID    string `bigquery:"user_id"`    // REQUIRED

	HealthScore   int64    `bigquery:"health_score"`
	TotalIncome   *big.Rat `bigquery:"total_income"`
	TotalExpenses *big.Rat `bigquery:"total_expenses"`
	SavingsRate   float64  `bigquery:"savings_rate"`
	Transactions  int64    `bigquery:"transactions"`

	Snapshot  bigquery.NullJSON   `bigquery:"snapshot"`
	Narrative bigquery.NullString `bigquery:"narrative"`

	CreatedTS time.Time `bigquery:"created_ts"`
}

// MonthlyCashflowRow is one month of a user's warehouse cash flow.
type MonthlyCashflowRow struct {
	Month        string  `bigquery:"month"`
	Inflow       float64 `bigquery:"inflow"`
	Outflow      float64 `bigquery:"outflow"`
	Net          float64 `bigquery:"net"`
	Transactions int64   `bigquery:"transactions"`
}

// money converts an amount to an exact two-decimal NUMERIC.
func money(v float64) *big.Rat {
	r, _ := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', 2, 64))
	return r
}

func nullString(s *string) bigquery.NullString {
	if s == nil || *s == "" {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *s, Valid: true}
}

// NewTransactionRow maps a domain transaction to its warehouse row.
func NewTransactionRow(t domain.Transaction, created time.Time) *TransactionRow {
	return &TransactionRow{
		TransactionID:      t.TransactionID,
		UserID:             t.UserID,
		AccountID:          t.AccountID,
		SessionID:          t.SessionID,
		TransactionDate:    t.Date,
		Amount:             money(t.Amount),
		Currency:           t.Currency,
		Direction:          string(t.Direction),
		Source:             string(t.Source),
		Description:        t.Description,
		Merchant:           nullString(t.Merchant),
		CategoryName:       nullString(t.Category),
		SubcategoryName:    nullString(t.Subcategory),
		IsInternalTransfer: t.IsInternalTransfer,
		Confidence:         t.Confidence,
		CreatedTS:          created,
	}
}

// NewSnapshotRow maps a session's analysis to its warehouse row.
func NewSnapshotRow(sessionID, userID string, snap analysis.Snapshot, narrative string, transactions int, created time.Time) (*SnapshotRow, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("NewSnapshotRow: marshal snapshot: %w", err)
	}
	return &SnapshotRow{
		SessionID:     sessionID,
		UserID:        userID,
		HealthScore:   int64(snap.HealthScore),
		TotalIncome:   money(snap.Core.TotalIncome),
		TotalExpenses: money(snap.Core.TotalExpenses),
		SavingsRate:   snap.Core.SavingsRate,
		Transactions:  int64(transactions),
		Snapshot:      bigquery.NullJSON{JSONVal: string(raw), Valid: true},
		Narrative:     nullString(&narrative),
		CreatedTS:     created,
	}, nil
}

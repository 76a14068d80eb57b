// Package store declares the persistence contracts shared by the in-memory
// and PostgreSQL backends.
package store

import (
	"context"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/ledger"
)

// DefaultPageSize is used when a listing does not ask for a limit.
const DefaultPageSize = 100

// MaxPageSize caps a single listing page.
const MaxPageSize = 1000

// TransactionQuery filters and pages a session's transactions.
// Search matches description, merchant or category case-insensitively.
type TransactionQuery struct {
	Search string
	Limit  int
	Offset int
}

// Normalize clamps the paging fields.
func (q TransactionQuery) Normalize() TransactionQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// TransactionStore persists extracted transactions.
type TransactionStore interface {
	// InsertTransactions ignores rows whose transaction_id already exists.
	InsertTransactions(ctx context.Context, txns []domain.Transaction) error
	// FetchLedgerByUser returns every transaction of the user across sessions,
	// ordered by date.
	FetchLedgerByUser(ctx context.Context, userID string) ([]domain.Transaction, error)
	ListBySession(ctx context.Context, sessionID string, q TransactionQuery) ([]domain.Transaction, error)
	CountBySession(ctx context.Context, sessionID, search string) (int, error)
}

// ReportStore persists analysis results.
type ReportStore interface {
	UpsertMonthlyMetrics(ctx context.Context, userID string, months []analysis.MonthlyMetrics) error
	// ReplaceSubscriptions swaps the user's detected subscriptions for subs.
	ReplaceSubscriptions(ctx context.Context, userID string, subs []analysis.DetectedSubscription) error
	UpsertHealthScore(ctx context.Context, userID, sessionID string, score int) error
	SaveSnapshot(ctx context.Context, sessionID, userID string, snap analysis.Snapshot) error
	SaveNarrative(ctx context.Context, sessionID, userID, narrative string) error
	// FetchSnapshot and FetchNarrative return domain.ErrNotFound when absent.
	FetchSnapshot(ctx context.Context, sessionID string) (analysis.Snapshot, error)
	FetchNarrative(ctx context.Context, sessionID string) (string, error)
}

// Store is everything a backend provides.
type Store interface {
	ledger.Store
	TransactionStore
	ReportStore
	Close()
}

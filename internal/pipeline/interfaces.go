package pipeline

import (
	"context"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/store"
)

// PageSource defines the interface for reading a statement as ordered pages.
type PageSource interface {
	// Fetch returns the document's pages in order.
	Fetch(ctx context.Context, key string) ([]domain.Page, error)

	// Validate rejects keys whose location cannot be served.
	Validate(key string) error
}

// TransactionWriter defines the interface for persisting extracted transactions.
type TransactionWriter interface {
	InsertTransactions(ctx context.Context, txns []domain.Transaction) error
}

// Store is everything the batch service reads and writes besides the ledger.
type Store interface {
	store.TransactionStore
	store.ReportStore
}

// ProgressSink receives the events of a running session.
type ProgressSink interface {
	Emit(sessionID, event string, payload interface{})
}

// ExportInput is what a finished session hands to the exporters.
type ExportInput struct {
	SessionID    string
	UserID       string
	Transactions []domain.Transaction
	Snapshot     analysis.Snapshot
	Narrative    string
}

// Exporter copies a finished session to a secondary system.
type Exporter interface {
	Name() string
	Export(ctx context.Context, in ExportInput) error
}

// SessionEvent is published when a session reaches a terminal status.
type SessionEvent struct {
	SessionID   string               `json:"session_id"`
	UserID      string               `json:"user_id"`
	Status      domain.SessionStatus `json:"status"`
	HealthScore *int                 `json:"health_score,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// EventPublisher announces terminal session events to other services.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, ev SessionEvent) error
}

type noopProgress struct{}

func (noopProgress) Emit(string, string, interface{}) {}

type noopEvents struct{}

func (noopEvents) PublishSessionEvent(context.Context, SessionEvent) error { return nil }

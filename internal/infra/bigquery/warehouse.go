// Package bigquery copies finished sessions into a BigQuery warehouse for
// long-range reporting.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/statement-insights/internal/pipeline"
)

// Warehouse exports sessions to BigQuery. It holds a shared client to avoid
// creating a new connection for each export.
type Warehouse struct {
	client    *bigquery.Client
	projectID string
	dataset   string
	now       func() time.Time
}

// NewWarehouse creates a warehouse for the given project and dataset.
func NewWarehouse(ctx context.Context, projectID, dataset string) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewWarehouse: creating client: %w", err)
	}
	return NewWarehouseWithClient(client, projectID, dataset), nil
}

// NewWarehouseWithClient wraps an existing client.
func NewWarehouseWithClient(client *bigquery.Client, projectID, dataset string) *Warehouse {
	if dataset == "" {
		dataset = DefaultDataset
	}
	return &Warehouse{client: client, projectID: projectID, dataset: dataset, now: time.Now}
}

// Close closes the BigQuery client connection.
func (w *Warehouse) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// Name implements pipeline.Exporter.
func (w *Warehouse) Name() string { return "bigquery" }

// Export implements pipeline.Exporter. It streams the session's transactions
// and a snapshot row.
func (w *Warehouse) Export(ctx context.Context, in pipeline.ExportInput) error {
	now := w.now().UTC()

	rows := make([]*TransactionRow, 0, len(in.Transactions))
	for _, t := range in.Transactions {
		rows = append(rows, NewTransactionRow(t, now))
	}
	if err := InsertTransactionsWithClient(ctx, w.client, w.dataset, rows); err != nil {
		return err
	}

	snap, err := NewSnapshotRow(in.SessionID, in.UserID, in.Snapshot, in.Narrative, len(in.Transactions), now)
	if err != nil {
		return err
	}
	return InsertSnapshotWithClient(ctx, w.client, w.dataset, snap)
}

// MonthlyCashflow returns the user's per-month cash flow from the warehouse.
func (w *Warehouse) MonthlyCashflow(ctx context.Context, userID string) ([]*MonthlyCashflowRow, error) {
	return QueryMonthlyCashflowWithClient(ctx, w.client, w.projectID, w.dataset, userID)
}

var _ pipeline.Exporter = (*Warehouse)(nil)

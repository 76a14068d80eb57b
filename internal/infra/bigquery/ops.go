package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
)

const (
	transactionsTable = "transactions"
	snapshotsTable    = "session_snapshots"

	// DefaultDataset is used when no dataset is configured.
	DefaultDataset = "statement_insights"
)

// InsertTransactionsWithClient streams rows into <dataset>.transactions.
func InsertTransactionsWithClient(ctx context.Context, client *bigquery.Client, dataset string, rows []*TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}

	inserter := client.Dataset(dataset).Table(transactionsTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertTransactions: inserting rows: %w", err)
	}
	return nil
}

// InsertSnapshotWithClient streams one row into <dataset>.session_snapshots.
func InsertSnapshotWithClient(ctx context.Context, client *bigquery.Client, dataset string, row *SnapshotRow) error {
	inserter := client.Dataset(dataset).Table(snapshotsTable).Inserter()
	if err := inserter.Put(ctx, row); err != nil {
		return fmt.Errorf("InsertSnapshot: inserting row: %w", err)
	}
	return nil
}

// QueryMonthlyCashflowWithClient sums a user's warehouse transactions per
// month. Internal transfers are left out. Rows that were streamed more than
// once are counted once.
func QueryMonthlyCashflowWithClient(ctx context.Context, client *bigquery.Client, projectID, dataset, userID string) ([]*MonthlyCashflowRow, error) {
	query := fmt.Sprintf(`
		WITH deduped AS (
			SELECT * EXCEPT(rn) FROM (
				SELECT t.*, ROW_NUMBER() OVER (PARTITION BY transaction_id ORDER BY created_ts DESC) AS rn
				FROM `+"`%s.%s.%s`"+` t
				WHERE user_id = @user_id
			)
			WHERE rn = 1
		)
		SELECT
			FORMAT_DATE('%%Y-%%m', transaction_date) AS month,
			CAST(SUM(IF(direction = 'inflow', amount, 0)) AS FLOAT64) AS inflow,
			CAST(SUM(IF(direction = 'outflow', amount, 0)) AS FLOAT64) AS outflow,
			CAST(SUM(IF(direction = 'inflow', amount, -amount)) AS FLOAT64) AS net,
			COUNT(*) AS transactions
		FROM deduped
		WHERE NOT is_internal_transfer
		GROUP BY month
		ORDER BY month
	`, projectID, dataset, transactionsTable)

	q := client.Query(query)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryMonthlyCashflow: query read: %w", err)
	}

	var rows []*MonthlyCashflowRow
	for {
		var r MonthlyCashflowRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryMonthlyCashflow: iter next: %w", err)
		}
		rows = append(rows, &r)
	}

	return rows, nil
}

package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/store"
)

// insertBatchSize bounds the statements queued in one pgx.Batch.
const insertBatchSize = 500

const transactionColumns = `
	transaction_id, user_id, account_id, session_id, txn_date,
	description, merchant, amount, direction, source, currency,
	category, subcategory,
	is_internal_transfer, is_interest, is_fee,
	confidence, is_recurring_candidate, recurring_signal`

// TransactionRepository stores extracted transactions.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a TransactionRepository.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// InsertTransactions writes txns in batches. Rows whose transaction_id
// already exists are skipped.
func (r *TransactionRepository) InsertTransactions(ctx context.Context, txns []domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (transaction_id) DO NOTHING
	`

	q := conn(ctx, r.pool)
	for start := 0; start < len(txns); start += insertBatchSize {
		end := min(start+insertBatchSize, len(txns))

		batch := &pgx.Batch{}
		for _, t := range txns[start:end] {
			var signal *string
			if t.RecurringSignal != nil {
				s := string(*t.RecurringSignal)
				signal = &s
			}
			batch.Queue(query,
				t.TransactionID, t.UserID, t.AccountID, t.SessionID, t.Date.In(time.UTC),
				t.Description, t.Merchant, t.Amount, string(t.Direction), string(t.Source), t.Currency,
				t.Category, t.Subcategory,
				t.IsInternalTransfer, t.IsInterest, t.IsFee,
				t.Confidence, t.IsRecurringCandidate, signal,
			)
		}

		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert transactions %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// FetchLedgerByUser returns all of the user's transactions ordered by date.
func (r *TransactionRepository) FetchLedgerByUser(ctx context.Context, userID string) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY txn_date, transaction_id`

	rows, err := conn(ctx, r.pool).Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	return collectTransactions(rows)
}

// ListBySession returns one page of a session's transactions.
func (r *TransactionRepository) ListBySession(ctx context.Context, sessionID string, q store.TransactionQuery) ([]domain.Transaction, error) {
	q = q.Normalize()

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE session_id = $1 AND ` + searchClause + `
		ORDER BY txn_date, transaction_id
		LIMIT $4 OFFSET $5`

	search, pattern := likePattern(q.Search)
	rows, err := conn(ctx, r.pool).Query(ctx, query, sessionID, search, pattern, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

// CountBySession counts a session's transactions matching search.
func (r *TransactionRepository) CountBySession(ctx context.Context, sessionID, search string) (int, error) {
	query := `SELECT COUNT(*) FROM transactions WHERE session_id = $1 AND ` + searchClause

	s, pattern := likePattern(search)
	var n int
	if err := conn(ctx, r.pool).QueryRow(ctx, query, sessionID, s, pattern).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// searchClause uses $2 (the trimmed search) and $3 (its ILIKE pattern).
const searchClause = `($2::text = '' OR description ILIKE $3 OR merchant ILIKE $3 OR category ILIKE $3)`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(search string) (string, string) {
	search = strings.TrimSpace(search)
	return search, "%" + likeEscaper.Replace(search) + "%"
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		var (
			t         domain.Transaction
			date      time.Time
			direction string
			source    string
			signal    *string
		)
		if err := rows.Scan(
			&t.TransactionID, &t.UserID, &t.AccountID, &t.SessionID, &date,
			&t.Description, &t.Merchant, &t.Amount, &direction, &source, &t.Currency,
			&t.Category, &t.Subcategory,
			&t.IsInternalTransfer, &t.IsInterest, &t.IsFee,
			&t.Confidence, &t.IsRecurringCandidate, &signal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		t.Date = civil.DateOf(date)
		t.Direction = domain.Direction(direction)
		t.Source = domain.Source(source)
		if signal != nil {
			sig := domain.RecurringSignal(*signal)
			t.RecurringSignal = &sig
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return out, nil
}

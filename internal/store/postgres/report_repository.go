package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/domain"
)

// ReportRepository stores analysis outputs: monthly metrics, detected
// subscriptions, health scores, snapshots and narratives.
type ReportRepository struct {
	pool *pgxpool.Pool
	tm   *TransactionManager
}

// NewReportRepository creates a ReportRepository.
func NewReportRepository(pool *pgxpool.Pool) *ReportRepository {
	return &ReportRepository{pool: pool, tm: NewTransactionManager(pool)}
}

// UpsertMonthlyMetrics writes one row per (user, month).
func (r *ReportRepository) UpsertMonthlyMetrics(ctx context.Context, userID string, months []analysis.MonthlyMetrics) error {
	if len(months) == 0 {
		return nil
	}

	query := `
		INSERT INTO monthly_metrics (user_id, month, income, expenses, savings, savings_rate, burn_rate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, month) DO UPDATE SET
			income       = EXCLUDED.income,
			expenses     = EXCLUDED.expenses,
			savings      = EXCLUDED.savings,
			savings_rate = EXCLUDED.savings_rate,
			burn_rate    = EXCLUDED.burn_rate,
			updated_at   = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, m := range months {
		batch.Queue(query, userID, m.Month, m.Income, m.Expenses, m.Savings, m.SavingsRate, m.BurnRate, now)
	}
	if err := conn(ctx, r.pool).SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert monthly metrics: %w", err)
	}
	return nil
}

// ReplaceSubscriptions deletes the user's subscriptions and inserts subs in
// one transaction.
func (r *ReportRepository) ReplaceSubscriptions(ctx context.Context, userID string, subs []analysis.DetectedSubscription) error {
	insert := `
		INSERT INTO detected_subscriptions (
			id, user_id, merchant_key, merchant, frequency,
			first_seen, last_seen, is_active, confidence,
			average_amount, occurrences, transaction_ids, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	return r.tm.WithTransaction(ctx, func(txCtx context.Context) error {
		q := conn(txCtx, r.pool)
		if _, err := q.Exec(txCtx, `DELETE FROM detected_subscriptions WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete subscriptions: %w", err)
		}
		if len(subs) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, s := range subs {
			batch.Queue(insert,
				s.ID, userID, s.MerchantKey, s.Merchant, string(s.Frequency),
				s.FirstSeen.In(time.UTC), s.LastSeen.In(time.UTC), s.IsActive, s.Confidence,
				s.AverageAmount, s.Occurrences, s.Transactions, s.CreatedAt,
			)
		}
		if err := q.SendBatch(txCtx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert subscriptions: %w", err)
		}
		return nil
	})
}

// UpsertHealthScore keeps the latest score per user.
func (r *ReportRepository) UpsertHealthScore(ctx context.Context, userID, sessionID string, score int) error {
	query := `
		INSERT INTO financial_health_scores (user_id, session_id, score, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			score      = EXCLUDED.score,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := conn(ctx, r.pool).Exec(ctx, query, userID, sessionID, score, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert health score: %w", err)
	}
	return nil
}

// SaveSnapshot stores the snapshot of a session as JSONB.
func (r *ReportRepository) SaveSnapshot(ctx context.Context, sessionID, userID string, snap analysis.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	query := `
		INSERT INTO analysis_snapshots (session_id, user_id, snapshot, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			snapshot   = EXCLUDED.snapshot,
			created_at = EXCLUDED.created_at
	`
	if _, err := conn(ctx, r.pool).Exec(ctx, query, sessionID, userID, body, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// SaveNarrative stores the narrative of a session.
func (r *ReportRepository) SaveNarrative(ctx context.Context, sessionID, userID, narrative string) error {
	query := `
		INSERT INTO analysis_narratives (session_id, user_id, narrative, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			narrative  = EXCLUDED.narrative,
			created_at = EXCLUDED.created_at
	`
	if _, err := conn(ctx, r.pool).Exec(ctx, query, sessionID, userID, narrative, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save narrative: %w", err)
	}
	return nil
}

// FetchSnapshot returns the stored snapshot of a session.
func (r *ReportRepository) FetchSnapshot(ctx context.Context, sessionID string) (analysis.Snapshot, error) {
	var body []byte
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT snapshot FROM analysis_snapshots WHERE session_id = $1`, sessionID,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analysis.Snapshot{}, domain.Wrap(domain.ErrNotFound, "snapshot for session %s", sessionID)
		}
		return analysis.Snapshot{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	var snap analysis.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return analysis.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// FetchNarrative returns the stored narrative of a session.
func (r *ReportRepository) FetchNarrative(ctx context.Context, sessionID string) (string, error) {
	var narrative string
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT narrative FROM analysis_narratives WHERE session_id = $1`, sessionID,
	).Scan(&narrative)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.Wrap(domain.ErrNotFound, "narrative for session %s", sessionID)
		}
		return "", fmt.Errorf("failed to fetch narrative: %w", err)
	}
	return narrative, nil
}

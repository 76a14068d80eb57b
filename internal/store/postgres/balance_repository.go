package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// BalanceRepository stores per-user token pools.
type BalanceRepository struct {
	pool *pgxpool.Pool
}

// NewBalanceRepository creates a BalanceRepository.
func NewBalanceRepository(pool *pgxpool.Pool) *BalanceRepository {
	return &BalanceRepository{pool: pool}
}

// LockBalance retrieves a user's balance with a row lock (SELECT ... FOR UPDATE).
func (r *BalanceRepository) LockBalance(ctx context.Context, userID string) (domain.TokenBalance, error) {
	query := `
		SELECT user_id, free_tokens_granted, free_tokens_used,
		       paid_tokens_granted, paid_tokens_used, updated_at, updated_by
		FROM user_token_balances
		WHERE user_id = $1
		FOR UPDATE
	`

	var b domain.TokenBalance
	err := conn(ctx, r.pool).QueryRow(ctx, query, userID).Scan(
		&b.UserID, &b.FreeTokensGranted, &b.FreeTokensUsed,
		&b.PaidTokensGranted, &b.PaidTokensUsed, &b.UpdatedAt, &b.UpdatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TokenBalance{}, domain.Wrap(domain.ErrNotFound, "balance for user %s", userID)
		}
		return domain.TokenBalance{}, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, nil
}

// SaveBalance inserts or replaces a user's balance.
func (r *BalanceRepository) SaveBalance(ctx context.Context, b domain.TokenBalance) error {
	query := `
		INSERT INTO user_token_balances (
			user_id, free_tokens_granted, free_tokens_used,
			paid_tokens_granted, paid_tokens_used, updated_at, updated_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			free_tokens_granted = EXCLUDED.free_tokens_granted,
			free_tokens_used    = EXCLUDED.free_tokens_used,
			paid_tokens_granted = EXCLUDED.paid_tokens_granted,
			paid_tokens_used    = EXCLUDED.paid_tokens_used,
			updated_at          = EXCLUDED.updated_at,
			updated_by          = EXCLUDED.updated_by
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query,
		b.UserID, b.FreeTokensGranted, b.FreeTokensUsed,
		b.PaidTokensGranted, b.PaidTokensUsed, b.UpdatedAt, b.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

package postgres

import (
	"context"

	"github.com/dvloznov/statement-insights/internal/store"
)

// Store aggregates the repositories over one pool.
type Store struct {
	*TransactionManager
	*SessionRepository
	*BalanceRepository
	*TransactionRepository
	*ReportRepository

	pool *Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and builds a Store.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	pool, err := NewPool(ctx, dsn, maxConns)
	if err != nil {
		return nil, err
	}
	return NewStore(pool), nil
}

// NewStore builds a Store over an existing pool.
func NewStore(pool *Pool) *Store {
	return &Store{
		TransactionManager:    NewTransactionManager(pool.Pool),
		SessionRepository:     NewSessionRepository(pool.Pool),
		BalanceRepository:     NewBalanceRepository(pool.Pool),
		TransactionRepository: NewTransactionRepository(pool.Pool),
		ReportRepository:      NewReportRepository(pool.Pool),
		pool:                  pool,
	}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

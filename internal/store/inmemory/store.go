// Package inmemory is a process-local Store used by tests and by the
// memory storage driver. Data is lost on restart.
package inmemory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/dvloznov/statement-insights/internal/analysis"
	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/ledger"
	"github.com/dvloznov/statement-insights/internal/store"
)

type txKey struct{}

type healthRecord struct {
	SessionID string
	Score     int
}

// Store keeps everything in maps and is safe for concurrent use.
// WithTransaction serializes callers and restores sessions and balances
// when the callback fails.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	sessions map[string]domain.Session
	balances map[string]domain.TokenBalance

	txns  map[string]domain.Transaction
	order []string

	monthly    map[string]map[string]analysis.MonthlyMetrics
	subs       map[string][]analysis.DetectedSubscription
	health     map[string]healthRecord
	snapshots  map[string]analysis.Snapshot
	narratives map[string]string
}

var _ store.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions:   make(map[string]domain.Session),
		balances:   make(map[string]domain.TokenBalance),
		txns:       make(map[string]domain.Transaction),
		monthly:    make(map[string]map[string]analysis.MonthlyMetrics),
		subs:       make(map[string][]analysis.DetectedSubscription),
		health:     make(map[string]healthRecord),
		snapshots:  make(map[string]analysis.Snapshot),
		narratives: make(map[string]string),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// WithTransaction runs fn exclusively. Nested calls join the outer one.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	sessions := maps.Clone(s.sessions)
	balances := maps.Clone(s.balances)
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.sessions = sessions
		s.balances = balances
		s.mu.Unlock()
		return err
	}
	return nil
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// exclusive runs a session or balance write outside a transaction under the
// transaction lock so that a concurrent rollback cannot discard it.
func (s *Store) exclusive(ctx context.Context, fn func()) {
	if !inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func cloneSession(sess domain.Session) domain.Session {
	sess.DocumentKeys = slices.Clone(sess.DocumentKeys)
	if sess.MetaData != nil {
		meta := *sess.MetaData
		sess.MetaData = &meta
	}
	return sess
}

// InsertSessionIfAbsent implements ledger.Store.
func (s *Store) InsertSessionIfAbsent(ctx context.Context, sess domain.Session) (bool, error) {
	if sess.SessionID == "" {
		return false, domain.Wrap(domain.ErrValidation, "session id is required")
	}

	var created bool
	s.exclusive(ctx, func() {
		if _, exists := s.sessions[sess.SessionID]; exists {
			return
		}
		s.sessions[sess.SessionID] = cloneSession(sess)
		created = true
	})
	return created, nil
}

// GetSession implements ledger.Store.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.Wrap(domain.ErrNotFound, "session %s", sessionID)
	}
	return cloneSession(sess), nil
}

// LockSession implements ledger.Store. The transaction lock already
// excludes other writers, so this is a read.
func (s *Store) LockSession(ctx context.Context, sessionID string) (domain.Session, error) {
	return s.GetSession(ctx, sessionID)
}

// UpdateSession implements ledger.Store.
func (s *Store) UpdateSession(ctx context.Context, u ledger.SessionUpdate) error {
	var found bool
	s.exclusive(ctx, func() {
		sess, ok := s.sessions[u.SessionID]
		if !ok {
			return
		}
		found = true

		sess.Status = u.Status
		if u.TokensExpected != nil {
			sess.TokensExpected = *u.TokensExpected
		}
		if u.TokensUsed != nil {
			sess.TokensUsed = *u.TokensUsed
		}
		if u.ErrorMessage != nil {
			msg := *u.ErrorMessage
			sess.ErrorMessage = &msg
		}
		if u.MetaData != nil {
			meta := *u.MetaData
			sess.MetaData = &meta
		}
		sess.UpdatedAt = u.UpdatedAt
		s.sessions[u.SessionID] = sess
	})
	if !found {
		return domain.Wrap(domain.ErrNotFound, "session %s", u.SessionID)
	}
	return nil
}

// LockBalance implements ledger.Store.
func (s *Store) LockBalance(ctx context.Context, userID string) (domain.TokenBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return domain.TokenBalance{}, domain.Wrap(domain.ErrNotFound, "balance for user %s", userID)
	}
	return b, nil
}

// SaveBalance implements ledger.Store.
func (s *Store) SaveBalance(ctx context.Context, b domain.TokenBalance) error {
	if b.UserID == "" {
		return domain.Wrap(domain.ErrValidation, "balance user id is required")
	}
	s.exclusive(ctx, func() {
		s.balances[b.UserID] = b
	})
	return nil
}

// InsertTransactions implements store.TransactionStore.
func (s *Store) InsertTransactions(ctx context.Context, txns []domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range txns {
		if t.TransactionID == "" {
			return domain.Wrap(domain.ErrPersistence, "transaction without id in session %s", t.SessionID)
		}
		if _, exists := s.txns[t.TransactionID]; exists {
			continue
		}
		s.txns[t.TransactionID] = t
		s.order = append(s.order, t.TransactionID)
	}
	return nil
}

// FetchLedgerByUser implements store.TransactionStore.
func (s *Store) FetchLedgerByUser(ctx context.Context, userID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0)
	for _, id := range s.order {
		if t := s.txns[id]; t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func (s *Store) sessionTransactions(sessionID, search string) []domain.Transaction {
	needle := strings.ToLower(strings.TrimSpace(search))

	var out []domain.Transaction
	for _, id := range s.order {
		t := s.txns[id]
		if t.SessionID != sessionID {
			continue
		}
		if needle != "" && !matches(t, needle) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out
}

func matches(t domain.Transaction, needle string) bool {
	for _, field := range []string{t.Description, t.MerchantOr(""), t.CategoryOr("")} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// ListBySession implements store.TransactionStore.
func (s *Store) ListBySession(ctx context.Context, sessionID string, q store.TransactionQuery) ([]domain.Transaction, error) {
	q = q.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.sessionTransactions(sessionID, q.Search)
	if q.Offset >= len(all) {
		return []domain.Transaction{}, nil
	}
	end := min(q.Offset+q.Limit, len(all))
	return slices.Clone(all[q.Offset:end]), nil
}

// CountBySession implements store.TransactionStore.
func (s *Store) CountBySession(ctx context.Context, sessionID, search string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessionTransactions(sessionID, search)), nil
}

// UpsertMonthlyMetrics implements store.ReportStore.
func (s *Store) UpsertMonthlyMetrics(ctx context.Context, userID string, months []analysis.MonthlyMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMonth, ok := s.monthly[userID]
	if !ok {
		byMonth = make(map[string]analysis.MonthlyMetrics)
		s.monthly[userID] = byMonth
	}
	for _, m := range months {
		byMonth[m.Month] = m
	}
	return nil
}

// MonthlyMetrics returns the stored months of a user in calendar order.
func (s *Store) MonthlyMetrics(userID string) []analysis.MonthlyMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMonth := s.monthly[userID]
	out := make([]analysis.MonthlyMetrics, 0, len(byMonth))
	for _, month := range slices.Sorted(maps.Keys(byMonth)) {
		out = append(out, byMonth[month])
	}
	return out
}

// ReplaceSubscriptions implements store.ReportStore.
func (s *Store) ReplaceSubscriptions(ctx context.Context, userID string, subs []analysis.DetectedSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[userID] = slices.Clone(subs)
	return nil
}

// Subscriptions returns the stored subscriptions of a user.
func (s *Store) Subscriptions(userID string) []analysis.DetectedSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.subs[userID])
}

// UpsertHealthScore implements store.ReportStore.
func (s *Store) UpsertHealthScore(ctx context.Context, userID, sessionID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[userID] = healthRecord{SessionID: sessionID, Score: score}
	return nil
}

// HealthScore returns the latest score of a user.
func (s *Store) HealthScore(userID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[userID]
	return h.Score, ok
}

// SaveSnapshot implements store.ReportStore.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID, userID string, snap analysis.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[sessionID] = snap
	return nil
}

// SaveNarrative implements store.ReportStore.
func (s *Store) SaveNarrative(ctx context.Context, sessionID, userID, narrative string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.narratives[sessionID] = narrative
	return nil
}

// FetchSnapshot implements store.ReportStore.
func (s *Store) FetchSnapshot(ctx context.Context, sessionID string) (analysis.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[sessionID]
	if !ok {
		return analysis.Snapshot{}, domain.Wrap(domain.ErrNotFound, "snapshot for session %s", sessionID)
	}
	return snap, nil
}

// FetchNarrative implements store.ReportStore.
func (s *Store) FetchNarrative(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.narratives[sessionID]
	if !ok {
		return "", domain.Wrap(domain.ErrNotFound, "narrative for session %s", sessionID)
	}
	return n, nil
}

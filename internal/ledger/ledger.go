// Package ledger owns the analysis session lifecycle and token accounting.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// MaxErrorMessageLength bounds the persisted failure message, in characters.
const MaxErrorMessageLength = 2000

// SessionUpdate changes the mutable fields of a session. Nil fields are kept.
type SessionUpdate struct {
	SessionID      string
	Status         domain.SessionStatus
	TokensExpected *int64
	TokensUsed     *int64
	ErrorMessage   *string
	MetaData       *domain.SessionMetadata
	UpdatedAt      time.Time
}

// Store persists sessions and balances. Lock* calls are only meaningful
// inside WithTransaction, where they hold the row until the callback returns.
type Store interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// InsertSessionIfAbsent reports whether a row was created.
	InsertSessionIfAbsent(ctx context.Context, s domain.Session) (bool, error)
	// GetSession returns domain.ErrNotFound for unknown ids.
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	LockSession(ctx context.Context, sessionID string) (domain.Session, error)
	UpdateSession(ctx context.Context, u SessionUpdate) error

	// LockBalance returns domain.ErrNotFound when the user has no balance row.
	LockBalance(ctx context.Context, userID string) (domain.TokenBalance, error)
	// SaveBalance inserts or replaces the user's balance row.
	SaveBalance(ctx context.Context, b domain.TokenBalance) error
}

// Consumption is how an amount was split across the two pools.
type Consumption struct {
	Free int64 `json:"free"`
	Paid int64 `json:"paid"`
}

// Consume draws n tokens from the free pool first and the remainder from the
// paid pool. It never lets used exceed granted in either pool.
func Consume(b domain.TokenBalance, n int64) (domain.TokenBalance, Consumption, error) {
	if n < 0 {
		return b, Consumption{}, domain.Wrap(domain.ErrValidation, "cannot consume %d tokens", n)
	}

	free := min(n, b.FreeRemaining())
	paid := n - free
	if paid > b.PaidRemaining() {
		return b, Consumption{}, domain.Wrap(domain.ErrInsufficientTokens,
			"need %d tokens, %d available", n, b.Available())
	}

	b.FreeTokensUsed += free
	b.PaidTokensUsed += paid
	return b, Consumption{Free: free, Paid: paid}, nil
}

// Ledger implements the session state machine on top of a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// CreateSession inserts a pending session unless one with the same id
// exists. It returns the stored session and whether it was created now.
func (l *Ledger) CreateSession(ctx context.Context, sessionID, userID string, keys []string) (domain.Session, bool, error) {
	if sessionID == "" || userID == "" {
		return domain.Session{}, false, domain.Wrap(domain.ErrValidation, "session and user id are required")
	}

	now := l.now().UTC()
	created, err := l.store.InsertSessionIfAbsent(ctx, domain.Session{
		SessionID:    sessionID,
		UserID:       userID,
		SourceType:   domain.SourceTypeStatementBatch,
		Status:       domain.SessionPending,
		DocumentKeys: keys,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("CreateSession: %w", err)
	}

	s, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("CreateSession: %w", err)
	}
	if s.UserID != userID {
		return domain.Session{}, false, domain.Wrap(domain.ErrSessionConflict, "session %s belongs to another user", sessionID)
	}
	return s, created, nil
}

// Begin charges the estimate and moves a pending session to in_progress,
// all in one transaction.
func (l *Ledger) Begin(ctx context.Context, sessionID, userID string, estimate int64) (domain.Session, Consumption, error) {
	var (
		started domain.Session
		used    Consumption
	)

	err := l.store.WithTransaction(ctx, func(txCtx context.Context) error {
		s, err := l.store.LockSession(txCtx, sessionID)
		if err != nil {
			return err
		}
		if s.UserID != userID {
			return domain.Wrap(domain.ErrSessionConflict, "session %s belongs to another user", sessionID)
		}
		if s.Status != domain.SessionPending {
			return domain.Wrap(domain.ErrSessionConflict, "session %s is already %s", sessionID, s.Status)
		}

		balance, err := l.lockBalance(txCtx, userID)
		if err != nil {
			return err
		}
		if balance.Available() <= 0 {
			return domain.Wrap(domain.ErrInsufficientTokens, "user %s has no tokens left", userID)
		}

		balance, used, err = Consume(balance, estimate)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		balance.UpdatedAt = now
		balance.UpdatedBy = "session:" + sessionID
		if err := l.store.SaveBalance(txCtx, balance); err != nil {
			return err
		}

		if err := l.store.UpdateSession(txCtx, SessionUpdate{
			SessionID:      sessionID,
			Status:         domain.SessionInProgress,
			TokensExpected: &estimate,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}

		s.Status = domain.SessionInProgress
		s.TokensExpected = estimate
		s.UpdatedAt = now
		started = s
		return nil
	})
	if err != nil {
		return domain.Session{}, Consumption{}, fmt.Errorf("Begin: %w", err)
	}
	return started, used, nil
}

// Complete marks an in_progress session completed with its final usage.
func (l *Ledger) Complete(ctx context.Context, sessionID string, tokensUsed int64, meta domain.SessionMetadata) error {
	err := l.finish(ctx, sessionID, func(s domain.Session) (SessionUpdate, error) {
		if s.Status != domain.SessionInProgress {
			return SessionUpdate{}, domain.Wrap(domain.ErrSessionConflict, "cannot complete session %s in status %s", sessionID, s.Status)
		}
		return SessionUpdate{
			Status:     domain.SessionCompleted,
			TokensUsed: &tokensUsed,
			MetaData:   &meta,
		}, nil
	})
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	return nil
}

// Fail marks a pending or in_progress session failed. The charged estimate
// is not refunded.
func (l *Ledger) Fail(ctx context.Context, sessionID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = TruncateMessage(cause.Error())
	}

	err := l.finish(ctx, sessionID, func(s domain.Session) (SessionUpdate, error) {
		if s.Status.Terminal() {
			return SessionUpdate{}, domain.Wrap(domain.ErrSessionConflict, "session %s is already %s", sessionID, s.Status)
		}
		return SessionUpdate{Status: domain.SessionFailed, ErrorMessage: &msg}, nil
	})
	if err != nil {
		return fmt.Errorf("Fail: %w", err)
	}
	return nil
}

func (l *Ledger) finish(ctx context.Context, sessionID string, next func(domain.Session) (SessionUpdate, error)) error {
	return l.store.WithTransaction(ctx, func(txCtx context.Context) error {
		s, err := l.store.LockSession(txCtx, sessionID)
		if err != nil {
			return err
		}
		u, err := next(s)
		if err != nil {
			return err
		}
		u.SessionID = sessionID
		u.UpdatedAt = l.now().UTC()
		return l.store.UpdateSession(txCtx, u)
	})
}

// Grant adds tokens to a user's pools, creating the balance if needed.
func (l *Ledger) Grant(ctx context.Context, userID string, free, paid int64, by string) (domain.TokenBalance, error) {
	if userID == "" || free < 0 || paid < 0 || free+paid == 0 {
		return domain.TokenBalance{}, domain.Wrap(domain.ErrValidation, "invalid grant of %d free and %d paid tokens", free, paid)
	}

	var out domain.TokenBalance
	err := l.store.WithTransaction(ctx, func(txCtx context.Context) error {
		b, err := l.lockBalance(txCtx, userID)
		if err != nil {
			return err
		}
		b.FreeTokensGranted += free
		b.PaidTokensGranted += paid
		b.UpdatedAt = l.now().UTC()
		b.UpdatedBy = by
		if err := l.store.SaveBalance(txCtx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return domain.TokenBalance{}, fmt.Errorf("Grant: %w", err)
	}
	return out, nil
}

// Balance returns the user's balance; users without a row have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (domain.TokenBalance, error) {
	var out domain.TokenBalance
	err := l.store.WithTransaction(ctx, func(txCtx context.Context) error {
		b, err := l.lockBalance(txCtx, userID)
		out = b
		return err
	})
	if err != nil {
		return domain.TokenBalance{}, fmt.Errorf("Balance: %w", err)
	}
	return out, nil
}

// Session returns a session by id.
func (l *Ledger) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("Session: %w", err)
	}
	return s, nil
}

func (l *Ledger) lockBalance(ctx context.Context, userID string) (domain.TokenBalance, error) {
	b, err := l.store.LockBalance(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TokenBalance{UserID: userID}, nil
	}
	return b, err
}

// TruncateMessage cuts msg to MaxErrorMessageLength characters.
func TruncateMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorMessageLength {
		return msg
	}
	return string([]rune(msg)[:MaxErrorMessageLength])
}

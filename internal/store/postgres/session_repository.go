package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/ledger"
)

const sessionColumns = `
	session_id, user_id, source_type, status, document_keys,
	tokens_expected, tokens_used, error_message, meta_data,
	created_at, updated_at`

// SessionRepository stores analysis sessions.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// InsertSessionIfAbsent inserts s unless its id exists and reports whether
// a row was written.
func (r *SessionRepository) InsertSessionIfAbsent(ctx context.Context, s domain.Session) (bool, error) {
	query := `
		INSERT INTO analysis_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO NOTHING
	`

	meta, err := marshalMetadata(s.MetaData)
	if err != nil {
		return false, err
	}

	keys := s.DocumentKeys
	if keys == nil {
		keys = []string{}
	}

	tag, err := conn(ctx, r.pool).Exec(ctx, query,
		s.SessionID, s.UserID, s.SourceType, string(s.Status), keys,
		s.TokensExpected, s.TokensUsed, s.ErrorMessage, meta,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetSession retrieves a session by id.
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM analysis_sessions WHERE session_id = $1`
	return r.scanOne(ctx, query, sessionID)
}

// LockSession retrieves a session and locks its row until the surrounding
// transaction ends.
func (r *SessionRepository) LockSession(ctx context.Context, sessionID string) (domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM analysis_sessions WHERE session_id = $1 FOR UPDATE`
	return r.scanOne(ctx, query, sessionID)
}

// UpdateSession writes the status and any non-nil fields of u.
func (r *SessionRepository) UpdateSession(ctx context.Context, u ledger.SessionUpdate) error {
	query := `
		UPDATE analysis_sessions SET
			status          = $2,
			tokens_expected = COALESCE($3, tokens_expected),
			tokens_used     = COALESCE($4, tokens_used),
			error_message   = COALESCE($5, error_message),
			meta_data       = COALESCE($6, meta_data),
			updated_at      = $7
		WHERE session_id = $1
	`

	meta, err := marshalMetadata(u.MetaData)
	if err != nil {
		return err
	}

	tag, err := conn(ctx, r.pool).Exec(ctx, query,
		u.SessionID, string(u.Status), u.TokensExpected, u.TokensUsed, u.ErrorMessage, meta, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Wrap(domain.ErrNotFound, "session %s", u.SessionID)
	}
	return nil
}

func (r *SessionRepository) scanOne(ctx context.Context, query, sessionID string) (domain.Session, error) {
	var (
		s      domain.Session
		status string
		meta   []byte
	)

	err := conn(ctx, r.pool).QueryRow(ctx, query, sessionID).Scan(
		&s.SessionID, &s.UserID, &s.SourceType, &status, &s.DocumentKeys,
		&s.TokensExpected, &s.TokensUsed, &s.ErrorMessage, &meta,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.Wrap(domain.ErrNotFound, "session %s", sessionID)
		}
		return domain.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	s.Status = domain.SessionStatus(status)
	if len(meta) > 0 {
		var m domain.SessionMetadata
		if err := json.Unmarshal(meta, &m); err != nil {
			return domain.Session{}, fmt.Errorf("failed to decode session metadata: %w", err)
		}
		s.MetaData = &m
	}
	return s, nil
}

// marshalMetadata returns nil for a nil pointer so the column stays NULL.
func marshalMetadata(m *domain.SessionMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session metadata: %w", err)
	}
	return b, nil
}

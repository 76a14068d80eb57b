package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of an analysis session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// SourceTypeStatementBatch is the only session source the pipeline creates.
const SourceTypeStatementBatch = "statement_batch"

// Session is one batch-processing run.
type Session struct {
	SessionID      string           `json:"session_id"`
	UserID         string           `json:"user_id"`
	SourceType     string           `json:"source_type"`
	Status         SessionStatus    `json:"status"`
	DocumentKeys   []string         `json:"document_keys"`
	TokensExpected int64            `json:"tokens_expected"`
	TokensUsed     int64            `json:"tokens_used"`
	ErrorMessage   *string          `json:"error_message,omitempty"`
	MetaData       *SessionMetadata `json:"meta_data,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// SessionMetadata is written once when a session finishes.
type SessionMetadata struct {
	ParseMS       int64 `json:"parse_ms"`
	AnalysisMS    int64 `json:"analysis_ms"`
	NarrativeMS   int64 `json:"narrative_ms"`
	PersistenceMS int64 `json:"persistence_ms"`

	Documents    int `json:"documents"`
	Pages        int `json:"pages"`
	Chunks       int `json:"chunks"`
	Transactions int `json:"transactions"`

	ModelTokens     int64 `json:"model_tokens"`
	EstimatedTokens int64 `json:"estimated_tokens"`
}

// TokenBalance is a user's free and paid token pools.
// Used never exceeds granted in either pool.
type TokenBalance struct {
	UserID            string    `json:"user_id"`
	FreeTokensGranted int64     `json:"free_tokens_granted"`
	FreeTokensUsed    int64     `json:"free_tokens_used"`
	PaidTokensGranted int64     `json:"paid_tokens_granted"`
	PaidTokensUsed    int64     `json:"paid_tokens_used"`
	UpdatedAt         time.Time `json:"updated_at"`
	UpdatedBy         string    `json:"updated_by"`
}

// FreeRemaining returns the unused part of the free pool.
func (b TokenBalance) FreeRemaining() int64 {
	if r := b.FreeTokensGranted - b.FreeTokensUsed; r > 0 {
		return r
	}
	return 0
}

// PaidRemaining returns the unused part of the paid pool.
func (b TokenBalance) PaidRemaining() int64 {
	if r := b.PaidTokensGranted - b.PaidTokensUsed; r > 0 {
		return r
	}
	return 0
}

// Available returns the total number of tokens the user can still spend.
func (b TokenBalance) Available() int64 {
	return b.FreeRemaining() + b.PaidRemaining()
}

package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers classify with errors.Is.
var (
	// ErrValidation marks malformed input local to a request.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientTokens marks a failed pre-flight quota check.
	ErrInsufficientTokens = errors.New("insufficient tokens")

	// ErrSessionConflict marks a session that is already active or terminal.
	ErrSessionConflict = errors.New("session conflict")

	// ErrUpstreamRateLimited marks rate limiting that outlived the retry policy.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")

	// ErrUpstreamExtraction marks a non-retryable failure of the
	// text-understanding service, including responses that fail validation.
	ErrUpstreamExtraction = errors.New("upstream extraction failed")

	// ErrPersistence marks a storage failure.
	ErrPersistence = errors.New("persistence failed")

	// ErrNotFound marks a missing session, snapshot or narrative.
	ErrNotFound = errors.New("not found")
)

// Wrap formats a message and attaches kind so that errors.Is(err, kind) holds.
// When the arguments contain an error wrapped with %w it stays reachable too.
func Wrap(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %w", fmt.Errorf(format, args...), kind)
}

// Kind returns the taxonomy sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrInsufficientTokens,
		ErrSessionConflict,
		ErrUpstreamRateLimited,
		ErrUpstreamExtraction,
		ErrPersistence,
		ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a short machine-readable name for err's kind.
func KindName(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "validation_error"
	case ErrInsufficientTokens:
		return "insufficient_tokens"
	case ErrSessionConflict:
		return "session_conflict"
	case ErrUpstreamRateLimited:
		return "upstream_rate_limited"
	case ErrUpstreamExtraction:
		return "upstream_extraction_error"
	case ErrPersistence:
		return "persistence_error"
	case ErrNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

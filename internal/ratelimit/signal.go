package ratelimit

import (
	"fmt"
	"time"
)

// Kind separates token-budget exhaustion from ordinary request throttling.
// The two back off on different curves.
type Kind int

const (
	KindGeneric Kind = iota
	KindTokenExhausted
)

func (k Kind) String() string {
	if k == KindTokenExhausted {
		return "token_exhausted"
	}
	return "generic"
}

// Signal is the rate-limit feedback a provider client returns instead of a
// plain error. Anything that is not a Signal is never retried.
type Signal struct {
	Kind Kind

	// RetryAfter is the provider's explicit retry hint, when it gave one.
	RetryAfter time.Duration
	// ResetAfter is the time until the provider's quota window resets.
	ResetAfter time.Duration

	Err error
}

func (s *Signal) Error() string {
	msg := fmt.Sprintf("rate limited (%s)", s.Kind)
	if s.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", s.RetryAfter)
	}
	if s.Err != nil {
		msg += ": " + s.Err.Error()
	}
	return msg
}

func (s *Signal) Unwrap() error { return s.Err }

// Hint returns the provider-suggested wait, or zero.
func (s *Signal) Hint() time.Duration {
	if s.RetryAfter > 0 {
		return s.RetryAfter
	}
	if s.ResetAfter > 0 {
		return s.ResetAfter
	}
	return 0
}

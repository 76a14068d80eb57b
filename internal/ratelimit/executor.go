// Package ratelimit bounds concurrent calls to the text-understanding service
// and retries them under rate-limit feedback.
package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// Defaults.
const (
	DefaultPermits     = 4
	MinPermits         = 2
	MaxPermits         = 10
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 2 * time.Second
	DefaultGenericCap  = 30 * time.Second
	DefaultTokenCap    = 60 * time.Second
	DefaultHardCeiling = 90 * time.Second
	DefaultJitter      = 0.1

	genericGrowth = 1.5
	tokenGrowth   = 2.0
)

// Config tunes an Executor. Zero fields take the defaults.
type Config struct {
	Permits        int
	MaxAttempts    int
	BaseBackoff    time.Duration
	GenericCap     time.Duration
	TokenCap       time.Duration
	HardCeiling    time.Duration
	JitterFraction float64
}

func (c Config) withDefaults() Config {
	if c.Permits == 0 {
		c.Permits = DefaultPermits
	}
	if c.Permits < MinPermits {
		c.Permits = MinPermits
	}
	if c.Permits > MaxPermits {
		c.Permits = MaxPermits
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.GenericCap <= 0 {
		c.GenericCap = DefaultGenericCap
	}
	if c.TokenCap <= 0 {
		c.TokenCap = DefaultTokenCap
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = DefaultHardCeiling
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// Clock abstracts time so retry waits can be tested without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(e *Executor) { e.rand = fn }
}

// WithLogger sets the logger used for retry messages.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// Stats is a snapshot of executor activity.
type Stats struct {
	Attempts       int64         `json:"attempts"`
	Retries        int64         `json:"retries"`
	ThrottledWaits int64         `json:"throttled_waits"`
	ThrottledFor   time.Duration `json:"throttled_for"`
}

// Executor runs calls under a concurrency bound and retries rate-limited
// ones. One Executor is shared by every call to the same upstream so the
// backoff counter reflects the upstream's recent behaviour.
type Executor struct {
	cfg   Config
	sem   *semaphore.Weighted
	clock Clock
	rand  func() float64
	log   zerolog.Logger

	mu      sync.Mutex
	backoff time.Duration
	stats   Stats
}

// NewExecutor builds an Executor.
func NewExecutor(cfg Config, opts ...Option) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Permits)),
		clock:   realClock{},
		rand:    rand.Float64,
		log:     zerolog.Nop(),
		backoff: cfg.BaseBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Do runs fn under a permit. When fn fails with a *Signal the permit is
// released, the executor waits and fn is retried, up to MaxAttempts calls in
// total. Any other error is returned as is.
func (e *Executor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		e.count(func(s *Stats) { s.Attempts++ })

		err := fn(ctx)
		e.sem.Release(1)

		if err == nil {
			e.reset()
			return nil
		}

		var sig *Signal
		if !errors.As(err, &sig) {
			return err
		}

		if attempt >= e.cfg.MaxAttempts {
			e.log.Error().
				Str("call", name).
				Int("attempt", attempt).
				Err(err).
				Msg("Rate limit retries exhausted")
			return domain.Wrap(domain.ErrUpstreamRateLimited, "%s: giving up after %d attempts: %w", name, attempt, err)
		}

		wait := e.nextWait(sig)
		e.count(func(s *Stats) {
			s.Retries++
			s.ThrottledWaits++
			s.ThrottledFor += wait
		})

		e.log.Warn().
			Str("call", name).
			Int("attempt", attempt).
			Str("kind", sig.Kind.String()).
			Dur("wait", wait).
			Msg("Rate limited, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(wait):
		}
	}
}

// nextWait picks the wait for this signal and advances the shared counter.
func (e *Executor) nextWait(sig *Signal) time.Duration {
	e.mu.Lock()
	wait := e.backoff
	switch sig.Kind {
	case KindTokenExhausted:
		e.backoff = minDuration(scale(e.backoff, tokenGrowth), e.cfg.TokenCap)
	default:
		e.backoff = minDuration(scale(e.backoff, genericGrowth), e.cfg.GenericCap)
	}
	e.mu.Unlock()

	if hint := sig.Hint(); hint > 0 {
		wait = hint
	}

	u := (e.rand()*2 - 1) * e.cfg.JitterFraction
	wait = scale(wait, 1+u)

	return minDuration(wait, e.cfg.HardCeiling)
}

func (e *Executor) reset() {
	e.mu.Lock()
	e.backoff = e.cfg.BaseBackoff
	e.mu.Unlock()
}

func (e *Executor) count(update func(*Stats)) {
	e.mu.Lock()
	update(&e.stats)
	e.mu.Unlock()
}

// Stats returns a copy of the activity counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

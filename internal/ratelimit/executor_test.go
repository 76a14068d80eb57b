package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/statement-insights/internal/domain"
)

// fakeClock fires every wait immediately and records it. When block is set,
// waits fire only once block is closed.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration

	block    chan time.Time
	sleeping chan struct{}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	block, sleeping := c.block, c.sleeping
	c.mu.Unlock()

	if sleeping != nil {
		sleeping <- struct{}{}
	}
	if block != nil {
		return block
	}
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func noJitter() float64 { return 0.5 }

func newTestExecutor(cfg Config, clock *fakeClock) *Executor {
	return NewExecutor(cfg, WithClock(clock), WithRand(noJitter))
}

// failing returns fn that fails with the given signals in order, then succeeds.
func failing(signals ...error) (func(context.Context) error, *int32) {
	var calls int32
	return func(context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if int(n) <= len(signals) {
			return signals[n-1]
		}
		return nil
	}, &calls
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func assertWaits(t *testing.T, got, want []time.Duration) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	clock := &fakeClock{}
	e := newTestExecutor(Config{}, clock)

	fn, calls := failing()
	if err := e.Do(context.Background(), "extract", fn); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
	if len(clock.recorded()) != 0 {
		t.Errorf("expected no waits, got %v", clock.recorded())
	}
}

func TestDoBackoffCurves(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		sig   *Signal
		tries int
		want  []time.Duration
	}{
		{
			name:  "generic grows by half",
			sig:   &Signal{Kind: KindGeneric},
			tries: 4,
			want:  []time.Duration{2 * time.Second, 3 * time.Second, 4500 * time.Millisecond, 6750 * time.Millisecond},
		},
		{
			name:  "token exhaustion doubles",
			sig:   &Signal{Kind: KindTokenExhausted},
			tries: 4,
			want:  []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		},
		{
			name:  "generic capped",
			cfg:   Config{BaseBackoff: 20 * time.Second},
			sig:   &Signal{Kind: KindGeneric},
			tries: 4,
			want:  []time.Duration{20 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second},
		},
		{
			name:  "token capped",
			cfg:   Config{BaseBackoff: 20 * time.Second},
			sig:   &Signal{Kind: KindTokenExhausted},
			tries: 4,
			want:  []time.Duration{20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second},
		},
		{
			name:  "retry hint preferred",
			sig:   &Signal{Kind: KindGeneric, RetryAfter: 7 * time.Second, ResetAfter: 40 * time.Second},
			tries: 2,
			want:  []time.Duration{7 * time.Second, 7 * time.Second},
		},
		{
			name:  "reset hint used without retry hint",
			sig:   &Signal{Kind: KindTokenExhausted, ResetAfter: 12 * time.Second},
			tries: 1,
			want:  []time.Duration{12 * time.Second},
		},
		{
			name:  "hard ceiling",
			sig:   &Signal{Kind: KindGeneric, RetryAfter: 5 * time.Minute},
			tries: 1,
			want:  []time.Duration{90 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{}
			e := newTestExecutor(tt.cfg, clock)

			fn, calls := failing(repeat(tt.sig, tt.tries)...)
			if err := e.Do(context.Background(), "extract", fn); err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			if int(*calls) != tt.tries+1 {
				t.Errorf("calls = %d, want %d", *calls, tt.tries+1)
			}
			assertWaits(t, clock.recorded(), tt.want)
		})
	}
}

func TestDoExhaustion(t *testing.T) {
	clock := &fakeClock{}
	e := newTestExecutor(Config{MaxAttempts: 3}, clock)

	sig := &Signal{Kind: KindGeneric}
	fn, calls := failing(repeat(sig, 10)...)

	err := e.Do(context.Background(), "extract", fn)
	if !errors.Is(err, domain.ErrUpstreamRateLimited) {
		t.Fatalf("expected ErrUpstreamRateLimited, got %v", err)
	}
	var got *Signal
	if !errors.As(err, &got) {
		t.Error("expected the last signal to stay reachable")
	}
	if *calls != 3 {
		t.Errorf("calls = %d, want 3", *calls)
	}
	if len(clock.recorded()) != 2 {
		t.Errorf("expected 2 waits, got %v", clock.recorded())
	}

	stats := e.Stats()
	if stats.Attempts != 3 || stats.Retries != 2 || stats.ThrottledWaits != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestDoDoesNotRetryOtherErrors(t *testing.T) {
	clock := &fakeClock{}
	e := newTestExecutor(Config{}, clock)

	boom := domain.Wrap(domain.ErrUpstreamExtraction, "bad schema")
	fn, calls := failing(boom)

	err := e.Do(context.Background(), "extract", fn)
	if err != boom {
		t.Errorf("expected error returned unchanged, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestDoWrappedSignalIsRecognised(t *testing.T) {
	clock := &fakeClock{}
	e := newTestExecutor(Config{}, clock)

	wrapped := errors.Join(errors.New("gemini: generate"), &Signal{Kind: KindGeneric})
	fn, calls := failing(wrapped)

	if err := e.Do(context.Background(), "extract", fn); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if *calls != 2 {
		t.Errorf("calls = %d, want 2", *calls)
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	clock := &fakeClock{}
	e := newTestExecutor(Config{}, clock)
	sig := &Signal{Kind: KindTokenExhausted}

	fn1, _ := failing(sig, sig)
	if err := e.Do(context.Background(), "first", fn1); err != nil {
		t.Fatal(err)
	}
	fn2, _ := failing(sig)
	if err := e.Do(context.Background(), "second", fn2); err != nil {
		t.Fatal(err)
	}

	assertWaits(t, clock.recorded(), []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second})
}

func TestJitterStaysWithinFraction(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.75, 0.999} {
		clock := &fakeClock{}
		e := NewExecutor(Config{}, WithClock(clock), WithRand(func() float64 { return r }))

		fn, _ := failing(&Signal{Kind: KindGeneric, RetryAfter: 10 * time.Second})
		if err := e.Do(context.Background(), "extract", fn); err != nil {
			t.Fatal(err)
		}

		wait := clock.recorded()[0]
		if wait < 9*time.Second-time.Millisecond || wait > 11*time.Second+time.Millisecond {
			t.Errorf("rand=%v: wait %v outside ±10%%", r, wait)
		}
	}
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	clock := &fakeClock{block: make(chan time.Time)}
	e := newTestExecutor(Config{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(context.Context) error {
		cancel()
		return &Signal{Kind: KindGeneric}
	}

	if err := e.Do(ctx, "extract", fn); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPermitReleasedWhileSleeping(t *testing.T) {
	clock := &fakeClock{block: make(chan time.Time), sleeping: make(chan struct{}, 1)}
	e := newTestExecutor(Config{Permits: 2}, clock)

	sleeperDone := make(chan error, 1)
	sleeper, _ := failing(&Signal{Kind: KindGeneric})
	go func() { sleeperDone <- e.Do(context.Background(), "sleeper", sleeper) }()

	<-clock.sleeping

	// Both permits must be free while the first call sleeps: two calls that
	// wait for each other can only finish if they run together.
	var wg sync.WaitGroup
	barrier := make(chan struct{})
	var arrived int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(context.Background(), "worker", func(context.Context) error {
				if atomic.AddInt32(&arrived, 1) == 2 {
					close(barrier)
				}
				select {
				case <-barrier:
				case <-time.After(2 * time.Second):
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&arrived) != 2 {
		t.Fatal("workers did not run")
	}
	select {
	case <-barrier:
	default:
		t.Error("workers could not run concurrently while a retry was sleeping")
	}

	close(clock.block)
	if err := <-sleeperDone; err != nil {
		t.Errorf("sleeper error = %v", err)
	}
}

func TestConcurrencyBound(t *testing.T) {
	e := NewExecutor(Config{Permits: 3})

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(context.Background(), "extract", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > 3 {
		t.Errorf("peak concurrency %d exceeds 3 permits", peak)
	}
}

func TestConfigDefaultsAndClamping(t *testing.T) {
	tests := []struct {
		permits int
		want    int
	}{
		{0, DefaultPermits},
		{1, MinPermits},
		{7, 7},
		{64, MaxPermits},
	}
	for _, tt := range tests {
		if got := NewExecutor(Config{Permits: tt.permits}).Config().Permits; got != tt.want {
			t.Errorf("Permits(%d) = %d, want %d", tt.permits, got, tt.want)
		}
	}

	cfg := NewExecutor(Config{}).Config()
	if cfg.MaxAttempts != 5 || cfg.BaseBackoff != 2*time.Second || cfg.HardCeiling != 90*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

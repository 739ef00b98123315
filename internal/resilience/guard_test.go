package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type countingLimiter struct {
	calls int
	err   error
}

func (l *countingLimiter) Acquire(ctx context.Context, key string) error {
	l.calls++
	return l.err
}

func newTestGuard(limiter Limiter, clock *fakeClock) *Guard {
	exec := NewExecutor(observability.NewNopLogger())
	exec.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return NewGuard(GuardConfig{
		Dependency: "calendar",
		Limiter:    limiter,
		Breakers:   newTestRegistry(clock),
		Retry:      exec,
		Policy:     DefaultPolicy,
		Policies: map[string]Policy{
			"cancelEvent": {MaxRetries: 0, BaseDelay: time.Second, Backoff: BackoffFixed, RetryableKinds: apierror.TransientKinds},
		},
		AttemptTimeout: time.Second,
	})
}

func TestGuard_OneLimiterSlotPerLogicalCall(t *testing.T) {
	limiter := &countingLimiter{}
	g := newTestGuard(limiter, &fakeClock{now: time.Now()})

	calls := 0
	v, err := Call(context.Background(), g, "createEvent", func(ctx context.Context) (int, error) {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("attempt should run under a deadline")
		}
		if calls < 3 {
			return 0, &apierror.ResponseError{StatusCode: 500}
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got %d, %v", v, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected 1 limiter acquisition for a retried call, got %d", limiter.calls)
	}
}

func TestGuard_LimiterGatesOpenCircuit(t *testing.T) {
	limiter := &countingLimiter{}
	g := newTestGuard(limiter, &fakeClock{now: time.Now()})

	for i := 0; i < 3; i++ {
		_ = g.Run(context.Background(), "createEvent", func(ctx context.Context) error {
			return &apierror.ResponseError{StatusCode: 503}
		})
	}
	if s := g.breakers.Get("calendar").State(); s != StateOpen {
		t.Fatalf("expected OPEN, got %s", s)
	}

	before := limiter.calls
	err := g.Run(context.Background(), "createEvent", func(ctx context.Context) error {
		t.Fatal("operation must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if limiter.calls-before != 1 {
		t.Fatalf("expected the limiter to admit the call before the breaker, got %d acquisitions", limiter.calls-before)
	}
}

func TestGuard_BreakerCountsLogicalCalls(t *testing.T) {
	g := newTestGuard(nil, &fakeClock{now: time.Now()})

	// Each call burns all retries but counts as one breaker failure.
	for i := 0; i < 2; i++ {
		_ = g.Run(context.Background(), "createEvent", func(ctx context.Context) error {
			return &apierror.ResponseError{StatusCode: 503}
		})
	}
	if s := g.breakers.Get("calendar").State(); s != StateClosed {
		t.Fatalf("expected CLOSED after two logical failures, got %s", s)
	}
	_ = g.Run(context.Background(), "createEvent", func(ctx context.Context) error {
		return &apierror.ResponseError{StatusCode: 503}
	})

	err := g.Run(context.Background(), "createEvent", func(ctx context.Context) error {
		t.Fatal("operation must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}

func TestGuard_PerOperationPolicy(t *testing.T) {
	g := newTestGuard(nil, &fakeClock{now: time.Now()})

	calls := 0
	_ = g.Run(context.Background(), "cancelEvent", func(ctx context.Context) error {
		calls++
		return &apierror.ResponseError{StatusCode: 503}
	})
	if calls != 1 {
		t.Fatalf("expected no retries for cancelEvent override, got %d calls", calls)
	}
}

func TestGuard_LimiterErrorStopsCall(t *testing.T) {
	limiter := &countingLimiter{err: context.Canceled}
	g := newTestGuard(limiter, &fakeClock{now: time.Now()})

	called := false
	err := g.Run(context.Background(), "createEvent", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected limiter error before the call, got %v (called=%v)", err, called)
	}
	if limiter.calls != 1 {
		t.Fatalf("canceled acquisition must not be retried, got %d", limiter.calls)
	}
}

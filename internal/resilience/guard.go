package resilience

import (
	"context"
	"time"
)

// Limiter admits one outbound request for key, blocking until a slot frees up.
type Limiter interface {
	Acquire(ctx context.Context, key string) error
}

type GuardConfig struct {
	Dependency string
	Limiter    Limiter
	Breakers   *BreakerRegistry
	Retry      *Executor
	Policy     Policy
	// Policies overrides Policy for individual operations.
	Policies       map[string]Policy
	AttemptTimeout time.Duration
}

// Guard composes the resilience layers for one dependency in the order
// rate limiter, circuit breaker, retry executor. A logical call takes one
// rate limit slot, then passes the breaker once; inside it every attempt
// runs under AttemptTimeout and failed attempts are retried per policy.
type Guard struct {
	dependency string
	limiter    Limiter
	breakers   *BreakerRegistry
	retry      *Executor
	policy     Policy
	policies   map[string]Policy
	timeout    time.Duration
}

func NewGuard(cfg GuardConfig) *Guard {
	policy := cfg.Policy
	if policy.Backoff == "" {
		policy = DefaultPolicy
	}
	return &Guard{
		dependency: cfg.Dependency,
		limiter:    cfg.Limiter,
		breakers:   cfg.Breakers,
		retry:      cfg.Retry,
		policy:     policy,
		policies:   cfg.Policies,
		timeout:    cfg.AttemptTimeout,
	}
}

func (g *Guard) Dependency() string { return g.dependency }

func (g *Guard) policyFor(op string) Policy {
	if p, ok := g.policies[op]; ok {
		return p
	}
	return g.policy
}

// Call runs fn for operation op through the guard.
func Call[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	key := g.dependency + "." + op
	policy := g.policyFor(op)

	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx, g.dependency); err != nil {
			var zero T
			return zero, err
		}
	}

	attempt := func(ctx context.Context) (T, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return fn(ctx)
	}

	var out T
	err := g.breakers.Execute(ctx, g.dependency, func(ctx context.Context) error {
		v, err := Do(ctx, g.retry, key, policy, attempt)
		out = v
		return err
	})
	return out, err
}

// Run is Call for operations without a result.
func (g *Guard) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

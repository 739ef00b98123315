// Package resilience wraps calls to external dependencies with retries,
// per-dependency circuit breaking and admission control.
package resilience

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff accepts the three known strategies and rejects anything else.
func ParseBackoff(s string) (Backoff, error) {
	switch b := Backoff(s); b {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return b, nil
	}
	return "", errors.Newf("unknown backoff %q, want fixed, linear or exponential", s)
}

// Policy defines retry behavior for one logical operation.
type Policy struct {
	MaxRetries     int             `yaml:"max_retries"`
	BaseDelay      time.Duration   `yaml:"base_delay"`
	MaxDelay       time.Duration   `yaml:"max_delay"`
	Backoff        Backoff         `yaml:"backoff"`
	RetryableKinds []apierror.Kind `yaml:"retryable_kinds"`
}

// DefaultPolicy retries transient failures three times, 1s doubling to at most 30s.
var DefaultPolicy = Policy{
	MaxRetries:     3,
	BaseDelay:      time.Second,
	MaxDelay:       30 * time.Second,
	Backoff:        BackoffExponential,
	RetryableKinds: apierror.TransientKinds,
}

func (p Policy) retries(kind apierror.Kind) bool {
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// BackoffDelay returns the delay before retry n (1-based), before jitter.
func (p Policy) BackoffDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffFixed:
		d = p.BaseDelay
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(n)
	default:
		shift := n - 1
		if shift >= 62 {
			d = p.MaxDelay
			break
		}
		d = p.BaseDelay << shift
		if d < 0 || d>>shift != p.BaseDelay {
			d = p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// delay resolves the actual sleep before retry n. A server supplied
// Retry-After wins over the computed backoff.
func (p Policy) delay(n int, retryAfter time.Duration, jitter float64) time.Duration {
	if retryAfter > 0 {
		if p.MaxDelay > 0 && retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return retryAfter
	}

	d := p.BackoffDelay(n)
	if p.Backoff == BackoffExponential {
		d = time.Duration(float64(d) * (0.9 + 0.2*jitter))
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// RetryStats are cumulative counters for one operation key.
type RetryStats struct {
	InFlight int
	Attempts int64
	Retries  int64
	Failures int64
}

// Executor runs operations under a Policy. Attempt counting is local to each
// call; the per-key stats exist for observability only.
type Executor struct {
	mu     sync.Mutex
	stats  map[string]*RetryStats
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	logger observability.Logger
}

func NewExecutor(logger observability.Logger) *Executor {
	return &Executor{
		stats:  make(map[string]*RetryStats),
		sleep:  sleepWithContext,
		jitter: rand.Float64,
		logger: logger,
	}
}

// Run is Do for operations without a result.
func (e *Executor) Run(ctx context.Context, key string, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, key, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do executes op, retrying classified failures whose kind the policy allows.
// The returned error is an *apierror.ExternalAPIError, or an *OpenError
// which is never retried here.
func Do[T any](ctx context.Context, e *Executor, key string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	e.update(key, func(s *RetryStats) { s.InFlight++ })
	defer e.update(key, func(s *RetryStats) { s.InFlight-- })

	for retry := 0; ; retry++ {
		e.update(key, func(s *RetryStats) { s.Attempts++ })

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		var open *OpenError
		if errors.As(err, &open) {
			return zero, err
		}

		apiErr := apierror.Classify(err, key)
		observability.RetryAttempts.WithLabelValues(key, string(apiErr.Kind())).Inc()

		if !p.retries(apiErr.Kind()) || retry >= p.MaxRetries || ctx.Err() != nil {
			e.update(key, func(s *RetryStats) { s.Failures++ })
			return zero, apiErr
		}

		d := p.delay(retry+1, apiErr.RetryAfter(), e.jitter())
		e.update(key, func(s *RetryStats) { s.Retries++ })
		e.logger.WithFields(map[string]interface{}{
			"operation": key,
			"attempt":   retry + 1,
			"kind":      apiErr.Kind(),
			"delay":     d.String(),
		}).Warn("retrying external call")

		if err := e.sleep(ctx, d); err != nil {
			e.update(key, func(s *RetryStats) { s.Failures++ })
			return zero, apiErr
		}
	}
}

// Stats returns a copy of the counters for key.
func (e *Executor) Stats(key string) RetryStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stats[key]; ok {
		return *s
	}
	return RetryStats{}
}

func (e *Executor) update(key string, fn func(*RetryStats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[key]
	if !ok {
		s = &RetryStats{}
		e.stats[key] = s
	}
	fn(s)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

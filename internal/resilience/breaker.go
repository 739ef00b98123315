package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	// IsFailure decides whether an error counts against the dependency.
	IsFailure func(error) bool `yaml:"-"`
}

var DefaultBreakerSettings = BreakerSettings{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	RecoveryTimeout:  30 * time.Second,
}

var ErrCircuitOpen = errors.New("circuit open")

// OpenError is returned without invoking the operation while a circuit is open.
type OpenError struct {
	Key     string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Key, e.RetryIn.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// CountsAsFailure ignores errors that say nothing about the dependency's
// health: caller cancellation and client-side rejections.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *apierror.ExternalAPIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind() {
		case apierror.KindValidation, apierror.KindNotFound, apierror.KindConflict:
			return false
		}
	}
	return true
}

type BreakerSnapshot struct {
	Key                  string    `json:"key"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
}

// Breaker guards one dependency key. All state lives behind mu.
type Breaker struct {
	key      string
	settings BreakerSettings
	now      func() time.Time
	logger   observability.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func newBreaker(key string, settings BreakerSettings, now func() time.Time, logger observability.Logger) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultBreakerSettings.FailureThreshold
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = DefaultBreakerSettings.SuccessThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = DefaultBreakerSettings.RecoveryTimeout
	}
	if settings.IsFailure == nil {
		settings.IsFailure = CountsAsFailure
	}
	observability.BreakerState.WithLabelValues(key).Set(float64(StateClosed))
	return &Breaker{key: key, settings: settings, now: now, logger: logger}
}

// Execute runs op unless the circuit is open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return BreakerSnapshot{
		Key:                  b.key,
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		OpenedAt:             b.openedAt,
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == StateOpen {
		return &OpenError{Key: b.key, RetryIn: b.settings.RecoveryTimeout - b.now().Sub(b.openedAt)}
	}
	return nil
}

func (b *Breaker) record(err error) {
	failed := err != nil && b.settings.IsFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if failed {
			b.failures++
			if b.failures >= b.settings.FailureThreshold {
				b.transition(StateOpen)
			}
		} else if err == nil {
			b.failures = 0
		}
	case StateHalfOpen:
		if failed {
			b.transition(StateOpen)
		} else if err == nil {
			b.successes++
			if b.successes >= b.settings.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
	}
}

// maybeHalfOpen must be called with mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.RecoveryTimeout {
		b.transition(StateHalfOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.successes = 0
	case StateHalfOpen:
		b.successes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.openedAt = time.Time{}
	}

	observability.BreakerState.WithLabelValues(b.key).Set(float64(to))
	observability.BreakerTransitions.WithLabelValues(b.key, to.String()).Inc()
	b.logger.WithFields(map[string]interface{}{
		"dependency": b.key,
		"from":       from.String(),
		"to":         to.String(),
		"failures":   b.failures,
	}).Warn("circuit breaker state change")
}

// BreakerRegistry owns one Breaker per dependency key.
type BreakerRegistry struct {
	defaults  BreakerSettings
	overrides map[string]BreakerSettings
	now       func() time.Time
	logger    observability.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

type RegistryOption func(*BreakerRegistry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *BreakerRegistry) { r.now = now }
}

func WithOverrides(overrides map[string]BreakerSettings) RegistryOption {
	return func(r *BreakerRegistry) {
		for k, v := range overrides {
			r.overrides[k] = v
		}
	}
}

func NewBreakerRegistry(defaults BreakerSettings, logger observability.Logger, opts ...RegistryOption) *BreakerRegistry {
	r := &BreakerRegistry{
		defaults:  defaults,
		overrides: make(map[string]BreakerSettings),
		now:       time.Now,
		logger:    logger,
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *BreakerRegistry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	settings := r.defaults
	if o, ok := r.overrides[key]; ok {
		settings = o
	}
	b := newBreaker(key, settings, r.now, r.logger)
	r.breakers[key] = b
	return b
}

func (r *BreakerRegistry) Execute(ctx context.Context, key string, op func(ctx context.Context) error) error {
	return r.Get(key).Execute(ctx, op)
}

func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

package rateLimit

import (
	"context"
	"sync"
	"time"

	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

// Limit allows MaxRequests within any trailing Window. MaxRequests <= 0
// disables limiting.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

type LimitStatus struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// SlidingWindow is an in-process limiter for outbound calls. It keeps the
// admission timestamps of each key and blocks Acquire until the oldest one
// leaves the window.
type SlidingWindow struct {
	defaults Limit
	limits   map[string]Limit
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	keys map[string]*window
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

type Option func(*SlidingWindow)

func WithLimits(limits map[string]Limit) Option {
	return func(s *SlidingWindow) {
		for k, v := range limits {
			s.limits[k] = v
		}
	}
}

// WithClock replaces time.Now and the wait between admission checks.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *SlidingWindow) {
		s.now = now
		s.sleep = sleep
	}
}

func NewSlidingWindow(defaults Limit, opts ...Option) *SlidingWindow {
	s := &SlidingWindow{
		defaults: defaults,
		limits:   make(map[string]Limit),
		now:      time.Now,
		sleep:    sleep,
		keys:     make(map[string]*window),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire blocks until key has a free slot or ctx is done.
func (s *SlidingWindow) Acquire(ctx context.Context, key string) error {
	limit := s.limitFor(key)
	if limit.MaxRequests <= 0 {
		return nil
	}
	w := s.window(key)

	waited := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.mu.Lock()
		now := s.now()
		w.prune(now, limit.Window)
		if len(w.stamps) < limit.MaxRequests {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.stamps[0].Add(limit.Window).Sub(now)
		w.mu.Unlock()

		if !waited {
			observability.RateLimitWaits.WithLabelValues(key).Inc()
			waited = true
		}
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Status reports the remaining capacity of key without consuming any.
func (s *SlidingWindow) Status(key string) LimitStatus {
	limit := s.limitFor(key)
	now := s.now()
	if limit.MaxRequests <= 0 {
		return LimitStatus{Remaining: -1, ResetAt: now}
	}
	w := s.window(key)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, limit.Window)

	st := LimitStatus{Remaining: limit.MaxRequests - len(w.stamps), ResetAt: now}
	if len(w.stamps) > 0 {
		st.ResetAt = w.stamps[0].Add(limit.Window)
	}
	return st
}

func (s *SlidingWindow) limitFor(key string) Limit {
	if l, ok := s.limits[key]; ok {
		return l
	}
	return s.defaults
}

func (s *SlidingWindow) window(key string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.keys[key]
	if !ok {
		w = &window{}
		s.keys[key] = w
	}
	return w
}

// prune drops stamps older than the window; must hold w.mu.
func (w *window) prune(now time.Time, size time.Duration) {
	cutoff := now.Add(-size)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

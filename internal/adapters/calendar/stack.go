package calendar

import (
	"net/http"

	"github.com/robertarktes/driving-school-scheduler/internal/config"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/rateLimit"
	"github.com/robertarktes/driving-school-scheduler/internal/resilience"
)

const Dependency = "calendar"

// Stack is a guarded calendar together with the breaker and limiter state
// behind it, which the admin endpoint reports.
type Stack struct {
	Calendar *Guarded
	Breakers *resilience.BreakerRegistry
	Limiter  *rateLimit.SlidingWindow
}

func NewStack(cfg *config.Config, logger observability.Logger) *Stack {
	limiter := rateLimit.NewSlidingWindow(cfg.CalendarLimit(), rateLimit.WithLimits(cfg.Resilience.Limits))
	breakers := resilience.NewBreakerRegistry(cfg.BreakerSettings(), logger, resilience.WithOverrides(cfg.BreakerOverrides()))
	guard := resilience.NewGuard(resilience.GuardConfig{
		Dependency:     Dependency,
		Limiter:        limiter,
		Breakers:       breakers,
		Retry:          resilience.NewExecutor(logger),
		Policy:         cfg.RetryPolicy(),
		Policies:       cfg.PoliciesFor(Dependency),
		AttemptTimeout: cfg.CalendarTimeout,
	})
	client := NewClient(cfg.CalendarBaseURL, cfg.CalendarToken, &http.Client{})
	return &Stack{
		Calendar: NewGuarded(client, guard),
		Breakers: breakers,
		Limiter:  limiter,
	}
}

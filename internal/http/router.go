package http

import (
	"crypto/rsa"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/driving-school-scheduler/internal/idempotency"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type RouterConfig struct {
	PublicKey   *rsa.PublicKey
	RateLimiter Allower
	RateLimit   int
	RateWindow  time.Duration
	Idempotency *idempotency.Idempotency
}

func SetupRouter(h *Handlers, logger observability.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(cfg.PublicKey, logger))
		r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow))

		r.With(IdempotencyMiddleware(cfg.Idempotency, logger)).Post("/v1/bookings", h.CreateBooking)
		r.Get("/v1/bookings/{id}", h.GetBooking)
		r.Delete("/v1/bookings/{id}", h.CancelBooking)
		r.Get("/v1/accounts/{id}/quota", h.GetQuota)
		r.Get("/v1/availability", h.Availability)
		r.Get("/v1/lesson-types", h.ListLessonTypes)

		r.With(RequireRole(RoleAdmin, cfg.PublicKey != nil)).Get("/v1/admin/resilience", h.Resilience)
	})

	return r
}

package http

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/driving-school-scheduler/internal/idempotency"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := logger.WithFields(map[string]interface{}{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
			})
			next.ServeHTTP(w, r.WithContext(observability.WithLogger(r.Context(), entry)))
		})
	}
}

// MetricsMiddleware counts requests by route pattern, so ids in the path do
// not explode label cardinality.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
	})
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := observability.StartSpan(ctx, r.Method)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		next.ServeHTTP(w, r.WithContext(ctx))

		// The route pattern is only known once chi has routed the request.
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			span.SetName(r.Method + " " + rctx.RoutePattern())
			span.SetAttributes(attribute.String("http.route", rctx.RoutePattern()))
		}
	})
}

const RoleAdmin = "admin"

// Claims is the bearer token payload. Subject is the caller's quota account
// id for students.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type claimsKey struct{}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// ParsePublicKey parses a PEM encoded RSA public key. An empty string
// yields nil, which disables token checks.
func ParsePublicKey(pem string) (*rsa.PublicKey, error) {
	if strings.TrimSpace(pem) == "" {
		return nil, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, errors.Wrap(err, "parse jwt public key")
	}
	return key, nil
}

// JWTMiddleware requires an RS256 bearer token signed by key. With a nil key
// every request passes unauthenticated.
func JWTMiddleware(key *rsa.PublicKey, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "missing bearer token"})
				return
			}
			claims := &Claims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if err != nil {
				observability.LoggerFrom(r.Context(), logger).WithError(err).Debug("rejected token")
				writeError(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "invalid bearer token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// authorizedFor reports whether the caller may act on account. Admins and
// unauthenticated deployments may act on any account.
func authorizedFor(ctx context.Context, account uuid.UUID) bool {
	c, ok := ClaimsFrom(ctx)
	if !ok || c.Role == RoleAdmin {
		return true
	}
	return account != uuid.Nil && c.Subject == account.String()
}

func writeForbiddenAccount(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, errorResponse{Error: "forbidden", Message: "token does not grant access to this account"})
}

// RequireRole rejects authenticated callers without role. When tokens are
// not checked at all there are no claims and the request passes.
func RequireRole(role string, enforced bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if enforced {
				c, ok := ClaimsFrom(r.Context())
				if !ok || c.Role != role {
					writeError(w, http.StatusForbidden, errorResponse{Error: "forbidden", Message: "this endpoint requires the " + role + " role"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allower is the shared inbound rate limiter.
type Allower interface {
	Allow(ctx context.Context, key string, rate int, period time.Duration) bool
}

// RateLimitMiddleware limits each caller, keyed by token subject or else by
// client address.
func RateLimitMiddleware(rl Allower, rate int, period time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil || rate <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)
			if c, ok := ClaimsFrom(r.Context()); ok && c.Subject != "" {
				key = "user:" + c.Subject
			}
			if !rl.Allow(r.Context(), key, rate, period) {
				observability.RateLimitExceeded.Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(period.Seconds())))
				writeError(w, http.StatusTooManyRequests, errorResponse{Error: "rateLimited", Message: "too many requests, slow down"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const minIdempotencyKeyLen = 16

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key. A nil idemp disables it.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if idemp == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				writeError(w, http.StatusBadRequest, errorResponse{Error: "invalidRequest", Message: "missing Idempotency-Key"})
				return
			}
			if len(key) < minIdempotencyKeyLen {
				writeError(w, http.StatusBadRequest, errorResponse{Error: "invalidRequest", Message: "invalid Idempotency-Key"})
				return
			}
			if c, ok := ClaimsFrom(r.Context()); ok && c.Subject != "" {
				key = c.Subject + ":" + key
			}
			log := observability.LoggerFrom(r.Context(), logger).WithField("idempotency_key", key)

			cached, err := idemp.Begin(r.Context(), key)
			switch {
			case errors.Is(err, idempotency.ErrInProgress):
				writeError(w, http.StatusConflict, errorResponse{Error: "conflict", Message: "a request with this Idempotency-Key is still in progress"})
				return
			case err != nil:
				log.WithError(err).Warn("idempotency store unavailable, processing without it")
				next.ServeHTTP(w, r)
				return
			case cached != nil:
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			resp := idempotency.Response{Status: status, ContentType: ww.Header().Get("Content-Type"), Body: body.Bytes()}
			if err := idemp.Complete(context.WithoutCancel(r.Context()), key, resp); err != nil {
				log.WithError(err).Warn("store idempotent response")
			}
		})
	}
}

package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/resilience"
)

func TestClient_FreeBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/freeBusy" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req freeBusyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if len(req.Items) != 1 || req.Items[0].ID != "admin@school" {
			t.Errorf("unexpected items %+v", req.Items)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"calendars":{"admin@school":{"busy":[
			{"start":"2025-03-03T09:00:00Z","end":"2025-03-03T10:00:00Z"}]}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", srv.Client())
	start := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	busy, err := c.FreeBusy(context.Background(), "admin@school", start, start.Add(4*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(busy) != 1 || busy[0].Start.Hour() != 9 || busy[0].End.Hour() != 10 {
		t.Fatalf("unexpected busy %+v", busy)
	}
}

func TestClient_CreateAndCancelEvent(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if r.URL.Path != "/calendars/admin@school/events" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			var ev eventResource
			_ = json.NewDecoder(r.Body).Decode(&ev)
			if ev.Summary != "Lesson" || ev.Start.DateTime != "2025-03-03T09:00:00Z" {
				t.Errorf("unexpected event %+v", ev)
			}
			_ = json.NewEncoder(w).Encode(eventResource{ID: "evt-1"})
		case http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", srv.Client())
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	id, err := c.CreateEvent(context.Background(), "admin@school", domain.CalendarEvent{
		Summary: "Lesson", StartAt: start, EndAt: start.Add(time.Hour),
	})
	if err != nil || id != "evt-1" {
		t.Fatalf("got %q, %v", id, err)
	}

	if err := c.CancelEvent(context.Background(), "admin@school", "evt-1"); err != nil {
		t.Fatal(err)
	}
	if deleted != "/calendars/admin@school/events/evt-1" {
		t.Fatalf("unexpected delete path %q", deleted)
	}
}

func TestClient_CancelGoneEventSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", srv.Client())
	if err := c.CancelEvent(context.Background(), "cal", "evt"); err != nil {
		t.Fatalf("410 should count as cancelled, got %v", err)
	}
}

func TestClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		wantKind   apierror.Kind
		wantDelay  time.Duration
	}{
		{"rate limit reason", 403, "", `{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"reason":"rateLimitExceeded"}]}}`, apierror.KindRateLimited, 0},
		{"quota reason", 403, "", `{"error":{"code":403,"message":"Daily Limit Exceeded","errors":[{"reason":"dailyLimitExceeded"}]}}`, apierror.KindQuotaExceeded, 0},
		{"forbidden", 403, "", `{"error":{"code":403,"message":"Forbidden","errors":[{"reason":"forbidden"}]}}`, apierror.KindAuthorization, 0},
		{"too many requests", 429, "3", `{}`, apierror.KindRateLimited, 3 * time.Second},
		{"unauthorized", 401, "", ``, apierror.KindAuthentication, 0},
		{"unavailable", 503, "", `not json`, apierror.KindServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "secret", srv.Client())
			_, err := c.FreeBusy(context.Background(), "cal", time.Now(), time.Now().Add(time.Hour))

			var resp *apierror.ResponseError
			if !errors.As(err, &resp) || resp.StatusCode != tt.status {
				t.Fatalf("expected ResponseError %d, got %v", tt.status, err)
			}
			got := apierror.Classify(err, "calendar.freeBusy")
			if got.Kind() != tt.wantKind || got.RetryAfter() != tt.wantDelay {
				t.Fatalf("got kind %s retryAfter %s", got.Kind(), got.RetryAfter())
			}
		})
	}
}

type flakyAPI struct {
	creates int
}

func (f *flakyAPI) FreeBusy(context.Context, string, time.Time, time.Time) ([]domain.Interval, error) {
	return nil, nil
}

func (f *flakyAPI) CreateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (string, error) {
	f.creates++
	if f.creates == 1 {
		return "", &apierror.ResponseError{StatusCode: http.StatusGatewayTimeout}
	}
	return "", &apierror.ResponseError{StatusCode: http.StatusConflict, Reason: "duplicate"}
}

func (f *flakyAPI) CancelEvent(context.Context, string, string) error { return nil }

func TestGuarded_CreateEventReusesLandedInsert(t *testing.T) {
	logger := observability.NewNopLogger()
	guard := resilience.NewGuard(resilience.GuardConfig{
		Dependency: "calendar",
		Breakers:   resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings, logger),
		Retry:      resilience.NewExecutor(logger),
		Policy: resilience.Policy{
			MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
			Backoff: resilience.BackoffFixed, RetryableKinds: apierror.TransientKinds,
		},
	})

	api := &flakyAPI{}
	g := NewGuarded(api, guard)
	id, err := g.CreateEvent(context.Background(), "cal", domain.CalendarEvent{ID: "b1admin"})
	if err != nil || id != "b1admin" {
		t.Fatalf("got %q, %v", id, err)
	}
	if api.creates != 2 {
		t.Fatalf("expected 2 inserts, got %d", api.creates)
	}
}

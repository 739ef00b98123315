package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	redisadapter "github.com/robertarktes/driving-school-scheduler/internal/adapters/redis"
	"github.com/robertarktes/driving-school-scheduler/internal/booking"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/idempotency"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/rateLimit"
	"github.com/robertarktes/driving-school-scheduler/internal/resilience"
)

type fakeBookings struct {
	calls  atomic.Int32
	book   func(req domain.BookingRequest) (*booking.Result, error)
	cancel func(id uuid.UUID, reason string) (*booking.Result, error)
	get    func(id uuid.UUID) (domain.Booking, error)
}

func (f *fakeBookings) Book(ctx context.Context, req domain.BookingRequest) (*booking.Result, error) {
	f.calls.Add(1)
	return f.book(req)
}

func (f *fakeBookings) Cancel(ctx context.Context, id uuid.UUID, reason string) (*booking.Result, error) {
	return f.cancel(id, reason)
}

func (f *fakeBookings) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return f.get(id)
}

type fakeQuota struct {
	accounts map[uuid.UUID]domain.QuotaAccount
}

func (f *fakeQuota) Balance(ctx context.Context, id uuid.UUID) (domain.QuotaAccount, error) {
	a, ok := f.accounts[id]
	if !ok {
		return domain.QuotaAccount{}, domain.ErrNotFound
	}
	return a, nil
}

type fakeBusy struct {
	busy   bool
	err    error
	buffer int
}

func (f *fakeBusy) IsBusy(ctx context.Context, start, end time.Time, bufferMinutes int) (bool, error) {
	f.buffer = bufferMinutes
	return f.busy, f.err
}

type pingerFunc func(ctx context.Context) error

func (p pingerFunc) Ping(ctx context.Context) error { return p(ctx) }

type memIdemp struct {
	mu   sync.Mutex
	data map[string]*redisadapter.IdempResponse
}

func (m *memIdemp) Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memIdemp) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = &redisadapter.IdempResponse{}
	return true, nil
}

func (m *memIdemp) Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &resp
	return nil
}

func (m *memIdemp) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type denyAll struct{}

func (denyAll) Allow(ctx context.Context, key string, rate int, period time.Duration) bool { return false }

func confirmedBooking() domain.Booking {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return domain.Booking{
		ID:              uuid.New(),
		AccountID:       uuid.New(),
		StartAt:         start,
		EndAt:           start.Add(90 * time.Minute),
		DurationMinutes: 90,
		LessonType:      "standard",
		HoursConsumed:   2,
		Status:          domain.BookingConfirmed,
		EventRefs: []domain.CalendarEventRef{
			{OwnerRole: domain.OwnerAdmin, CalendarID: "admin@school", ExternalID: "adm1"},
			{OwnerRole: domain.OwnerUser, CalendarID: "student@example.com", ExternalID: "usr1"},
		},
	}
}

type testServer struct {
	bookings *fakeBookings
	quota    *fakeQuota
	busy     *fakeBusy
	router   *chi.Mux
}

func newTestServer(t *testing.T, cfg RouterConfig, ready map[string]Pinger) *testServer {
	t.Helper()
	b := confirmedBooking()
	ts := &testServer{
		bookings: &fakeBookings{
			book: func(req domain.BookingRequest) (*booking.Result, error) {
				return &booking.Result{Booking: b, Events: b.EventRefs, RemainingHours: 8}, nil
			},
			get: func(id uuid.UUID) (domain.Booking, error) {
				if id != b.ID {
					return domain.Booking{}, &booking.Failure{Reason: booking.ReasonNotFound, Message: "booking not found"}
				}
				return b, nil
			},
			cancel: func(id uuid.UUID, reason string) (*booking.Result, error) {
				c := b
				c.Status, c.StatusNote = domain.BookingCancelled, reason
				return &booking.Result{Booking: c, RemainingHours: 10}, nil
			},
		},
		quota: &fakeQuota{accounts: map[uuid.UUID]domain.QuotaAccount{b.AccountID: {AccountID: b.AccountID, AvailableHours: 8}}},
		busy:  &fakeBusy{},
	}
	h := NewHandlers(HandlerDeps{
		Bookings:      ts.bookings,
		Quota:         ts.quota,
		Availability:  ts.busy,
		Breakers:      resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings, observability.NewNopLogger()),
		Limits:        rateLimit.NewSlidingWindow(rateLimit.Limit{MaxRequests: 10, Window: time.Second}),
		LimitKeys:     []string{"calendar"},
		Ready:         ready,
		BufferMinutes: 15,
	}, observability.NewNopLogger())
	ts.router = SetupRouter(h, observability.NewNopLogger(), cfg)
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func bookingBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"account_id":       uuid.New(),
		"user_calendar_id": "student@example.com",
		"start_at":         "2026-03-02T09:00:00Z",
		"duration_minutes": 90,
		"lesson_type":      "standard",
	})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(body)
}

func TestCreateBooking_Created(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, nil)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/v1/bookings", bookingBody(t)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got bookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BookingConfirmed || len(got.Events) != 2 {
		t.Errorf("unexpected booking %+v", got)
	}
	if got.RemainingHours == nil || *got.RemainingHours != 8 {
		t.Errorf("remaining_hours = %v", got.RemainingHours)
	}
}

func TestCreateBooking_MalformedBody(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, nil)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if ts.bookings.calls.Load() != 0 {
		t.Error("malformed body reached the orchestrator")
	}
}

func TestCreateBooking_FailureMapping(t *testing.T) {
	tests := []struct {
		name       string
		failure    *booking.Failure
		wantStatus int
		retryAfter string
	}{
		{"invalid", &booking.Failure{Reason: booking.ReasonInvalidRequest, Message: "lesson type is required"}, http.StatusBadRequest, ""},
		{"slot", &booking.Failure{Reason: booking.ReasonSlotUnavailable, Message: "taken"}, http.StatusConflict, ""},
		{"quota", &booking.Failure{Reason: booking.ReasonInsufficientQuota, Message: "need 2 hours"}, http.StatusUnprocessableEntity, ""},
		{"upstream", &booking.Failure{Reason: booking.ReasonUpstreamUnavailable, Message: "try later", RetryAfter: 2500 * time.Millisecond}, http.StatusServiceUnavailable, "3"},
		{"internal", &booking.Failure{Reason: booking.ReasonInternal, Message: "oops", ReferenceID: "ref-1"}, http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, RouterConfig{}, nil)
			ts.bookings.book = func(domain.BookingRequest) (*booking.Result, error) { return nil, tt.failure }

			rec := ts.do(httptest.NewRequest(http.MethodPost, "/v1/bookings", bookingBody(t)))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Error != string(tt.failure.Reason) || body.Message != tt.failure.Message || body.ReferenceID != tt.failure.ReferenceID {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestCreateBooking_UnexpectedErrorIsInternal(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, nil)
	ts.bookings.book = func(domain.BookingRequest) (*booking.Result, error) { return nil, errors.New("boom") }

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/v1/bookings", bookingBody(t)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ReferenceID == "" {
		t.Error("internal error without reference id")
	}
}

func TestGetAndCancelBooking(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, nil)
	b := confirmedBooking()
	ts.bookings.get = func(id uuid.UUID) (domain.Booking, error) { return b, nil }

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/bookings/"+b.ID.String(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/bookings/not-a-uuid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/bookings/"+b.ID.String(), bytes.NewReader([]byte(`{"reason":"sick"}`)))
	rec = ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	var got bookingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BookingCancelled || got.StatusNote != "sick" {
		t.Errorf("cancelled booking = %+v", got)
	}
}

func TestGetBooking_NotFound(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/bookings/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetQuota(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, nil)
	var known uuid.UUID
	for id := range ts.quota.accounts {
		known = id
	}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/accounts/"+known.String()+"/quota", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/accounts/"+uuid.NewString()+"/quota", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown account status = %d", rec.Code)
	}
}

func TestAvailability(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, nil)
	ts.busy.busy = true

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/availability?start=2026-03-02T09:00:00Z&end=2026-03-02T10:00:00Z", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Busy          bool `json:"busy"`
		BufferMinutes int  `json:"buffer_minutes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Busy || body.BufferMinutes != 15 || ts.busy.buffer != 15 {
		t.Errorf("body = %+v, detector buffer %d", body, ts.busy.buffer)
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/availability?start=2026-03-02T10:00:00Z&end=2026-03-02T09:00:00Z", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reversed range status = %d", rec.Code)
	}

	ts.busy.err = &resilience.OpenError{Key: "calendar", RetryIn: 10 * time.Second}
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/availability?start=2026-03-02T09:00:00Z&end=2026-03-02T10:00:00Z&buffer=0", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") != "10" {
		t.Fatalf("open circuit status = %d, Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestResilienceReport(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/admin/resilience", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Limiters map[string]struct {
			Remaining int `json:"remaining"`
		} `json:"limiters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Limiters["calendar"].Remaining != 10 {
		t.Errorf("limiters = %+v", body.Limiters)
	}
}

func TestReadyz(t *testing.T) {
	ts := newTestServer(t, RouterConfig{}, map[string]Pinger{
		"crdb":  pingerFunc(func(context.Context) error { return nil }),
		"redis": pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	idemp := idempotency.NewIdempotency(&memIdemp{data: map[string]*redisadapter.IdempResponse{}}, time.Hour)
	ts := newTestServer(t, RouterConfig{Idempotency: idemp}, nil)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bookingBody(t))
		req.Header.Set("Idempotency-Key", "booking-key-0000000001")
		return ts.do(req)
	}

	first := send()
	second := send()
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	if ts.bookings.calls.Load() != 1 {
		t.Fatalf("Book called %d times, want 1", ts.bookings.calls.Load())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("second response not marked as replayed")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("replayed body differs")
	}
}

func TestIdempotencyRequiresKey(t *testing.T) {
	idemp := idempotency.NewIdempotency(&memIdemp{data: map[string]*redisadapter.IdempResponse{}}, time.Hour)
	ts := newTestServer(t, RouterConfig{Idempotency: idemp}, nil)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/v1/bookings", bookingBody(t)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing key status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bookingBody(t))
	req.Header.Set("Idempotency-Key", "short")
	if rec := ts.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("short key status = %d", rec.Code)
	}
}

func TestRateLimitRejects(t *testing.T) {
	ts := newTestServer(t, RouterConfig{RateLimiter: denyAll{}, RateLimit: 1, RateWindow: time.Minute}, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/bookings/"+uuid.NewString(), nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	if rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz limited: %d", rec.Code)
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, subject, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, RouterConfig{PublicKey: &key.PublicKey}, nil)
	b := confirmedBooking()
	ts.bookings.get = func(uuid.UUID) (domain.Booking, error) { return b, nil }

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return ts.do(req).Code
	}

	bookingPath := "/v1/bookings/" + b.ID.String()
	if code := get(bookingPath, ""); code != http.StatusUnauthorized {
		t.Errorf("no token: %d", code)
	}
	if code := get(bookingPath, signToken(t, other, "u1", "student")); code != http.StatusUnauthorized {
		t.Errorf("foreign key: %d", code)
	}
	if code := get(bookingPath, signToken(t, key, b.AccountID.String(), "student")); code != http.StatusOK {
		t.Errorf("valid token: %d", code)
	}
	if code := get("/v1/admin/resilience", signToken(t, key, "u1", "student")); code != http.StatusForbidden {
		t.Errorf("student on admin route: %d", code)
	}
	if code := get("/v1/admin/resilience", signToken(t, key, "ops", "admin")); code != http.StatusOK {
		t.Errorf("admin on admin route: %d", code)
	}
	if code := get("/v1/healthz", ""); code != http.StatusOK {
		t.Errorf("healthz behind auth: %d", code)
	}
}

func TestStudentTokenIsScopedToItsAccount(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, RouterConfig{PublicKey: &key.PublicKey}, nil)
	b := confirmedBooking()
	ts.bookings.get = func(uuid.UUID) (domain.Booking, error) { return b, nil }
	ts.quota.accounts[b.AccountID] = domain.QuotaAccount{AccountID: b.AccountID, AvailableHours: 8}
	cancelled := 0
	cancel := ts.bookings.cancel
	ts.bookings.cancel = func(id uuid.UUID, reason string) (*booking.Result, error) {
		cancelled++
		return cancel(id, reason)
	}
	var booked domain.BookingRequest
	book := ts.bookings.book
	ts.bookings.book = func(req domain.BookingRequest) (*booking.Result, error) {
		booked = req
		return book(req)
	}

	owner := signToken(t, key, b.AccountID.String(), "student")
	stranger := signToken(t, key, uuid.NewString(), "student")
	admin := signToken(t, key, "ops", RoleAdmin)

	send := func(method, path, token string, body []byte) int {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		return ts.do(req).Code
	}
	bookingPath := "/v1/bookings/" + b.ID.String()
	quotaPath := "/v1/accounts/" + b.AccountID.String() + "/quota"

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"stranger reads booking", http.MethodGet, bookingPath, stranger, http.StatusForbidden},
		{"stranger cancels booking", http.MethodDelete, bookingPath, stranger, http.StatusForbidden},
		{"stranger reads quota", http.MethodGet, quotaPath, stranger, http.StatusForbidden},
		{"owner reads quota", http.MethodGet, quotaPath, owner, http.StatusOK},
		{"admin reads quota", http.MethodGet, quotaPath, admin, http.StatusOK},
		{"owner cancels booking", http.MethodDelete, bookingPath, owner, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := send(tt.method, tt.path, tt.token, nil); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
	if cancelled != 1 {
		t.Errorf("Cancel ran %d times, want only for the owner", cancelled)
	}

	foreign, _ := json.Marshal(map[string]interface{}{
		"account_id":       b.AccountID,
		"user_calendar_id": "student@example.com",
		"start_at":         "2026-03-02T09:00:00Z",
		"duration_minutes": 60,
	})
	post := func(token string, body []byte) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", uuid.NewString())
		return ts.do(req).Code
	}
	if code := post(stranger, foreign); code != http.StatusForbidden {
		t.Errorf("stranger books on another account: %d", code)
	}
	if ts.bookings.calls.Load() != 0 {
		t.Fatalf("Book ran for a foreign account")
	}

	own, _ := json.Marshal(map[string]interface{}{
		"user_calendar_id": "student@example.com",
		"start_at":         "2026-03-02T09:00:00Z",
		"duration_minutes": 60,
	})
	if code := post(owner, own); code != http.StatusCreated {
		t.Fatalf("owner books without account_id: %d", code)
	}
	if booked.AccountID != b.AccountID {
		t.Errorf("booking account = %s, want the token subject %s", booked.AccountID, b.AccountID)
	}
}

func TestParsePublicKeyEmpty(t *testing.T) {
	key, err := ParsePublicKey("  ")
	if err != nil || key != nil {
		t.Fatalf("ParsePublicKey(empty) = %v, %v", key, err)
	}
	if _, err := ParsePublicKey("not a pem"); err == nil {
		t.Fatal("expected error for garbage key")
	}
}

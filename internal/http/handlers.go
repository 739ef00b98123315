package http

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/driving-school-scheduler/internal/booking"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/rateLimit"
	"github.com/robertarktes/driving-school-scheduler/internal/resilience"
)

type Bookings interface {
	Book(ctx context.Context, req domain.BookingRequest) (*booking.Result, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*booking.Result, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Booking, error)
}

type QuotaReader interface {
	Balance(ctx context.Context, accountID uuid.UUID) (domain.QuotaAccount, error)
}

type BusyChecker interface {
	IsBusy(ctx context.Context, start, end time.Time, bufferMinutes int) (bool, error)
}

type BreakerReporter interface {
	Snapshots() []resilience.BreakerSnapshot
}

type LimitReporter interface {
	Status(key string) rateLimit.LimitStatus
}

type LessonTypeLister interface {
	ListLessonTypes(ctx context.Context) ([]domain.LessonType, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerDeps wires the handlers. Catalog, Breakers, Limits and Ready are
// optional.
type HandlerDeps struct {
	Bookings      Bookings
	Quota         QuotaReader
	Availability  BusyChecker
	Catalog       LessonTypeLister
	Breakers      BreakerReporter
	Limits        LimitReporter
	LimitKeys     []string
	Ready         map[string]Pinger
	BufferMinutes int
}

type Handlers struct {
	deps   HandlerDeps
	logger observability.Logger
}

func NewHandlers(deps HandlerDeps, logger observability.Logger) *Handlers {
	return &Handlers{deps: deps, logger: logger}
}

type createBookingRequest struct {
	AccountID       uuid.UUID `json:"account_id"`
	UserCalendarID  string    `json:"user_calendar_id"`
	StartAt         time.Time `json:"start_at"`
	DurationMinutes int       `json:"duration_minutes"`
	LessonType      string    `json:"lesson_type"`
	Location        string    `json:"location"`
	Notes           string    `json:"notes"`
}

type eventRefResponse struct {
	OwnerRole  domain.OwnerRole `json:"owner_role"`
	CalendarID string           `json:"calendar_id"`
	ExternalID string           `json:"external_id"`
}

type bookingResponse struct {
	ID              uuid.UUID            `json:"id"`
	AccountID       uuid.UUID            `json:"account_id"`
	Status          domain.BookingStatus `json:"status"`
	StatusNote      string               `json:"status_note,omitempty"`
	StartAt         time.Time            `json:"start_at"`
	EndAt           time.Time            `json:"end_at"`
	DurationMinutes int                  `json:"duration_minutes"`
	LessonType      string               `json:"lesson_type"`
	Location        string               `json:"location,omitempty"`
	HoursConsumed   float64              `json:"hours_consumed"`
	RemainingHours  *float64             `json:"remaining_hours,omitempty"`
	Events          []eventRefResponse   `json:"events"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	ReferenceID string `json:"reference_id,omitempty"`
}

func toBookingResponse(b domain.Booking, remaining *float64) bookingResponse {
	events := make([]eventRefResponse, 0, len(b.EventRefs))
	for _, ref := range b.EventRefs {
		events = append(events, eventRefResponse{OwnerRole: ref.OwnerRole, CalendarID: ref.CalendarID, ExternalID: ref.ExternalID})
	}
	return bookingResponse{
		ID:              b.ID,
		AccountID:       b.AccountID,
		Status:          b.Status,
		StatusNote:      b.StatusNote,
		StartAt:         b.StartAt,
		EndAt:           b.EndAt,
		DurationMinutes: b.DurationMinutes,
		LessonType:      b.LessonType,
		Location:        b.Location,
		HoursConsumed:   b.HoursConsumed,
		RemainingHours:  remaining,
		Events:          events,
	}
}

func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: string(booking.ReasonInvalidRequest), Message: "malformed request body"})
		return
	}

	if req.AccountID == uuid.Nil {
		if c, ok := ClaimsFrom(r.Context()); ok {
			req.AccountID, _ = uuid.Parse(c.Subject)
		}
	}
	if !authorizedFor(r.Context(), req.AccountID) {
		writeForbiddenAccount(w)
		return
	}

	res, err := h.deps.Bookings.Book(r.Context(), domain.BookingRequest{
		AccountID:       req.AccountID,
		UserCalendarID:  req.UserCalendarID,
		StartAt:         req.StartAt,
		DurationMinutes: req.DurationMinutes,
		LessonType:      req.LessonType,
		Location:        req.Location,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	remaining := res.RemainingHours
	writeJSON(w, http.StatusCreated, toBookingResponse(res.Booking, &remaining))
}

func (h *Handlers) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	b, err := h.deps.Bookings.Get(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !authorizedFor(r.Context(), b.AccountID) {
		writeForbiddenAccount(w)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b, nil))
}

func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errorResponse{Error: string(booking.ReasonInvalidRequest), Message: "malformed request body"})
			return
		}
	}

	if _, ok := ClaimsFrom(r.Context()); ok {
		b, err := h.deps.Bookings.Get(r.Context(), id)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		if !authorizedFor(r.Context(), b.AccountID) {
			writeForbiddenAccount(w)
			return
		}
	}

	res, err := h.deps.Bookings.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	remaining := res.RemainingHours
	writeJSON(w, http.StatusOK, toBookingResponse(res.Booking, &remaining))
}

func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if !authorizedFor(r.Context(), id) {
		writeForbiddenAccount(w)
		return
	}
	acct, err := h.deps.Quota.Balance(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorResponse{Error: string(booking.ReasonNotFound), Message: "quota account not found"})
		return
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":      acct.AccountID,
		"available_hours": acct.AvailableHours,
		"reserved_hours":  acct.ReservedHours,
	})
}

// Availability answers whether [start, end) is busy on the admin calendar.
func (h *Handlers) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err1 := time.Parse(time.RFC3339, q.Get("start"))
	end, err2 := time.Parse(time.RFC3339, q.Get("end"))
	if err1 != nil || err2 != nil || !end.After(start) {
		writeError(w, http.StatusBadRequest, errorResponse{Error: string(booking.ReasonInvalidRequest), Message: "start and end must be RFC3339 times with end after start"})
		return
	}
	buffer := h.deps.BufferMinutes
	if v := q.Get("buffer"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errorResponse{Error: string(booking.ReasonInvalidRequest), Message: "buffer must be a non-negative number of minutes"})
			return
		}
		buffer = n
	}

	busy, err := h.deps.Availability.IsBusy(r.Context(), start, end, buffer)
	if err != nil {
		h.writeFailure(w, r, booking.UpstreamFailure(observability.LoggerFrom(r.Context(), h.logger), err, "conflictCheck"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"start":          start,
		"end":            end,
		"buffer_minutes": buffer,
		"busy":           busy,
	})
}

func (h *Handlers) ListLessonTypes(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		writeJSON(w, http.StatusOK, []domain.LessonType{})
		return
	}
	types, err := h.deps.Catalog.ListLessonTypes(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(types))
	for _, lt := range types {
		out = append(out, map[string]interface{}{
			"code":                     lt.Code,
			"name":                     lt.Name,
			"default_duration_minutes": lt.DefaultDurationMinutes,
			"active":                   lt.Active,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Resilience reports circuit breaker and outbound limiter state.
func (h *Handlers) Resilience(w http.ResponseWriter, r *http.Request) {
	breakers := []resilience.BreakerSnapshot{}
	if h.deps.Breakers != nil {
		breakers = h.deps.Breakers.Snapshots()
	}
	limits := make(map[string]interface{}, len(h.deps.LimitKeys))
	if h.deps.Limits != nil {
		for _, key := range h.deps.LimitKeys {
			st := h.deps.Limits.Status(key)
			limits[key] = map[string]interface{}{
				"remaining": st.Remaining,
				"reset_at":  st.ResetAt,
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": breakers,
		"limiters": limits,
	})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz pings every backing store and fails if any is down.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func (h *Handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	f, ok := booking.AsFailure(err)
	if !ok {
		f = booking.InternalFailure(observability.LoggerFrom(r.Context(), h.logger), err, "request failed")
	}
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(f.RetryAfter.Seconds()))))
	}
	writeError(w, statusFor(f.Reason), errorResponse{Error: string(f.Reason), Message: f.Message, ReferenceID: f.ReferenceID})
}

func statusFor(reason booking.Reason) int {
	switch reason {
	case booking.ReasonInvalidRequest:
		return http.StatusBadRequest
	case booking.ReasonNotFound:
		return http.StatusNotFound
	case booking.ReasonSlotUnavailable, booking.ReasonConflict:
		return http.StatusConflict
	case booking.ReasonInsufficientQuota:
		return http.StatusUnprocessableEntity
	case booking.ReasonUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: string(booking.ReasonInvalidRequest), Message: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

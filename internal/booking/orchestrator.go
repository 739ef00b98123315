// Package booking runs the lesson booking saga across the external
// calendar, the booking store and the quota ledger.
package booking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
	"github.com/robertarktes/driving-school-scheduler/internal/quota"
)

type Availability interface {
	IsBusy(ctx context.Context, start, end time.Time, bufferMinutes int) (bool, error)
}

type Quota interface {
	CheckAvailable(ctx context.Context, accountID uuid.UUID, hours float64) (quota.Availability, error)
	Consume(ctx context.Context, accountID uuid.UUID, hours float64, bookingID uuid.UUID) (float64, error)
	Credit(ctx context.Context, accountID uuid.UUID, hours float64, bookingID uuid.UUID, reason string) (float64, error)
}

type Calendar interface {
	CreateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (string, error)
	CancelEvent(ctx context.Context, calendarID, eventID string) error
}

type Store interface {
	InsertBooking(ctx context.Context, b domain.Booking) error
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, status domain.BookingStatus, note string) error
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
}

type Notifier interface {
	SendBookingConfirmation(ctx context.Context, c domain.BookingConfirmation) error
}

// OrphanRecorder hands calendar events that could not be cancelled to
// asynchronous reconciliation.
type OrphanRecorder interface {
	RecordOrphanedEvent(ctx context.Context, bookingID uuid.UUID, ref domain.CalendarEventRef, cause string) error
}

type Auditor interface {
	LogEvent(ctx context.Context, event string, bookingID uuid.UUID, details map[string]interface{}) error
}

type SlotLocker interface {
	AcquireSlot(ctx context.Context, slot, owner string, ttl time.Duration) (bool, error)
	ReleaseSlot(ctx context.Context, slot, owner string) error
}

type LessonCatalog interface {
	GetLessonType(ctx context.Context, code string) (domain.LessonType, error)
}

type Config struct {
	AdminCalendarID string
	BufferMinutes   int
	SlotLockTTL     time.Duration
	NotifyTimeout   time.Duration
}

// Deps are the saga's collaborators. Notifier, Orphans, Audit, Locker and
// Catalog are optional.
type Deps struct {
	Availability Availability
	Quota        Quota
	Calendar     Calendar
	Store        Store
	Notifier     Notifier
	Orphans      OrphanRecorder
	Audit        Auditor
	Locker       SlotLocker
	Catalog      LessonCatalog
}

type State string

const (
	StateReceived        State = "received"
	StateConflictChecked State = "conflictChecked"
	StateQuotaPrechecked State = "quotaPrechecked"
	StateEventsCreated   State = "eventsCreated"
	StatePersisted       State = "persisted"
	StateQuotaConsumed   State = "quotaConsumed"
	StateConfirmed       State = "confirmed"
	StateCompensating    State = "compensating"
	StateCancelled       State = "cancelled"
)

const (
	stepConflictCheck = "conflictCheck"
	stepAdminEvent    = "createAdminEvent"
	stepUserEvent     = "createUserEvent"
)

type Result struct {
	Booking        domain.Booking
	Events         []domain.CalendarEventRef
	RemainingHours float64
}

type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger observability.Logger

	notifications sync.WaitGroup
}

func NewOrchestrator(cfg Config, deps Deps, logger observability.Logger) *Orchestrator {
	if cfg.SlotLockTTL <= 0 {
		cfg.SlotLockTTL = 2 * time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}
}

// Book runs the saga for req. On failure the error is a *Failure and every
// side effect already taken has been compensated or handed to
// reconciliation.
func (o *Orchestrator) Book(ctx context.Context, req domain.BookingRequest) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "booking.Book")
	defer span.End()

	res, f := o.book(ctx, req)
	if f != nil {
		span.RecordError(f)
		observability.SagaOutcomes.WithLabelValues(string(f.Reason)).Inc()
		return nil, f
	}
	observability.SagaOutcomes.WithLabelValues(string(StateConfirmed)).Inc()
	return res, nil
}

func (o *Orchestrator) book(ctx context.Context, req domain.BookingRequest) (*Result, *Failure) {
	log := observability.LoggerFrom(ctx, o.logger)

	if f := o.applyCatalog(ctx, log, &req); f != nil {
		return nil, f
	}
	if err := req.Validate(); err != nil {
		return nil, invalid(err)
	}

	b := domain.NewBooking(req)
	s := &saga{o: o, booking: &b, state: StateReceived}
	s.log = log.WithFields(map[string]interface{}{
		"booking_id": b.ID,
		"account_id": b.AccountID,
	})

	if o.deps.Locker != nil {
		slot := o.slotKey(b.StartAt)
		ok, err := o.deps.Locker.AcquireSlot(ctx, slot, b.ID.String(), o.cfg.SlotLockTTL)
		switch {
		case err != nil:
			s.log.WithError(err).Warn("slot lock unavailable, continuing without it")
		case !ok:
			return nil, &Failure{Reason: ReasonSlotUnavailable, Message: "this time slot is being booked by someone else, please pick another"}
		default:
			defer func() {
				if err := o.deps.Locker.ReleaseSlot(context.WithoutCancel(ctx), slot, b.ID.String()); err != nil {
					s.log.WithError(err).Warn("release slot lock")
				}
			}()
		}
	}

	busy, err := o.deps.Availability.IsBusy(ctx, b.StartAt, b.EndAt, o.cfg.BufferMinutes)
	if err != nil {
		return nil, UpstreamFailure(s.log, err, stepConflictCheck)
	}
	if busy {
		return nil, &Failure{Reason: ReasonSlotUnavailable, Message: "the instructor is not available at this time, please pick another slot"}
	}
	s.advance(StateConflictChecked)

	avail, err := o.deps.Quota.CheckAvailable(ctx, b.AccountID, b.HoursConsumed)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, insufficient(b.HoursConsumed, 0)
	case err != nil:
		return nil, InternalFailure(s.log, err, "quota precheck failed")
	case !avail.OK:
		return nil, insufficient(b.HoursConsumed, avail.AvailableHours)
	}
	s.advance(StateQuotaPrechecked)

	// From the first side effect on, the saga finishes or compensates even
	// if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	adminRef, err := s.createEvent(ctx, domain.OwnerAdmin, o.cfg.AdminCalendarID, o.adminEvent(b))
	if err != nil {
		return nil, s.fail(ctx, UpstreamFailure(s.log, err, stepAdminEvent), "admin calendar event could not be created")
	}
	s.push(adminRef)

	userRef, err := s.createEvent(ctx, domain.OwnerUser, b.UserCalendarID, o.userEvent(b))
	if err != nil {
		return nil, s.fail(ctx, UpstreamFailure(s.log, err, stepUserEvent), "user calendar event could not be created")
	}
	s.push(userRef)
	s.advance(StateEventsCreated)

	if err := o.deps.Store.InsertBooking(ctx, b); err != nil {
		return nil, s.fail(ctx, InternalFailure(s.log, err, "persist booking failed"), "booking could not be stored")
	}
	s.persisted = true
	s.advance(StatePersisted)

	remaining, err := o.deps.Quota.Consume(ctx, b.AccountID, b.HoursConsumed, b.ID)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientQuota) {
			return nil, s.fail(ctx, insufficient(b.HoursConsumed, -1), "quota exhausted before consumption")
		}
		return nil, s.fail(ctx, InternalFailure(s.log, err, "consume quota failed"), "quota could not be consumed")
	}
	s.advance(StateQuotaConsumed)

	if err := o.deps.Store.UpdateBookingStatus(ctx, b.ID, domain.BookingConfirmed, ""); err != nil {
		f := InternalFailure(s.log, err, "confirm booking failed")
		if _, cerr := o.deps.Quota.Credit(ctx, b.AccountID, b.HoursConsumed, b.ID, quota.ReasonRollback); cerr != nil {
			s.log.WithError(cerr).Error("rollback credit failed")
			observability.CompensationFailures.WithLabelValues("credit").Inc()
			o.audit(ctx, s.log, "compensation.failed", b.ID, map[string]interface{}{"step": "credit", "error": cerr.Error()})
		}
		return nil, s.fail(ctx, f, "booking could not be confirmed")
	}
	b.Status = domain.BookingConfirmed
	s.advance(StateConfirmed)

	o.audit(ctx, s.log, "booking.confirmed", b.ID, map[string]interface{}{
		"account_id":      b.AccountID.String(),
		"start_at":        b.StartAt,
		"hours_consumed":  b.HoursConsumed,
		"remaining_hours": remaining,
	})
	o.notify(s.log, b, remaining)

	return &Result{Booking: b, Events: b.EventRefs, RemainingHours: remaining}, nil
}

// Cancel cancels a confirmed booking: calendar events first, then the
// hours are credited back, then the booking is marked cancelled. Each step
// is safe to repeat, so a failed Cancel can simply be retried.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "booking.Cancel")
	defer span.End()

	log := observability.LoggerFrom(ctx, o.logger).WithField("booking_id", id)

	b, err := o.deps.Store.GetBooking(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &Failure{Reason: ReasonNotFound, Message: "booking not found", Err: err}
	}
	if err != nil {
		return nil, InternalFailure(log, err, "load booking failed")
	}

	switch b.Status {
	case domain.BookingCancelled:
		return &Result{Booking: b, Events: b.EventRefs}, nil
	case domain.BookingPending:
		return nil, &Failure{Reason: ReasonConflict, Message: "booking is still being processed, try again shortly"}
	}

	ctx = context.WithoutCancel(ctx)

	for i := len(b.EventRefs) - 1; i >= 0; i-- {
		ref := b.EventRefs[i]
		if err := o.deps.Calendar.CancelEvent(ctx, ref.CalendarID, ref.ExternalID); err != nil && !isNotFound(err) {
			return nil, UpstreamFailure(log, err, "cancelEvent")
		}
	}

	remaining, err := o.deps.Quota.Credit(ctx, b.AccountID, b.HoursConsumed, b.ID, quota.ReasonCancellation)
	if err != nil {
		return nil, InternalFailure(log, err, "cancellation credit failed")
	}

	note := strings.TrimSpace(reason)
	if note == "" {
		note = "cancelled by request"
	}
	if err := o.deps.Store.UpdateBookingStatus(ctx, b.ID, domain.BookingCancelled, note); err != nil {
		return nil, InternalFailure(log, err, "mark booking cancelled failed")
	}
	b.Status, b.StatusNote = domain.BookingCancelled, note

	o.audit(ctx, log, "booking.cancelled", b.ID, map[string]interface{}{"note": note, "remaining_hours": remaining})
	log.Info("booking cancelled")
	return &Result{Booking: b, Events: b.EventRefs, RemainingHours: remaining}, nil
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	b, err := o.deps.Store.GetBooking(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Booking{}, &Failure{Reason: ReasonNotFound, Message: "booking not found", Err: err}
	}
	if err != nil {
		return domain.Booking{}, InternalFailure(observability.LoggerFrom(ctx, o.logger), err, "load booking failed")
	}
	return b, nil
}

// Wait blocks until in-flight confirmation notifications are done.
func (o *Orchestrator) Wait() {
	o.notifications.Wait()
}

func (o *Orchestrator) applyCatalog(ctx context.Context, log observability.Logger, req *domain.BookingRequest) *Failure {
	if o.deps.Catalog == nil || strings.TrimSpace(req.LessonType) == "" {
		return nil
	}
	lt, err := o.deps.Catalog.GetLessonType(ctx, req.LessonType)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !lt.Active) {
		return &Failure{Reason: ReasonInvalidRequest, Message: fmt.Sprintf("unknown lesson type %q", req.LessonType)}
	}
	if err != nil {
		return InternalFailure(log, err, "lesson catalog lookup failed")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = lt.DefaultDurationMinutes
	}
	return nil
}

func (o *Orchestrator) slotKey(start time.Time) string {
	return o.cfg.AdminCalendarID + ":" + start.UTC().Format(time.RFC3339)
}

func (o *Orchestrator) adminEvent(b domain.Booking) domain.CalendarEvent {
	var desc strings.Builder
	fmt.Fprintf(&desc, "Booking %s\nAccount %s\nLesson %s", b.ID, b.AccountID, b.LessonType)
	if b.Notes != "" {
		desc.WriteString("\nNotes: " + b.Notes)
	}
	return domain.CalendarEvent{
		ID:          eventID(b.ID, domain.OwnerAdmin),
		Summary:     "Driving lesson (" + b.LessonType + ")",
		Description: desc.String(),
		Location:    b.Location,
		StartAt:     b.StartAt,
		EndAt:       b.EndAt,
	}
}

func (o *Orchestrator) userEvent(b domain.Booking) domain.CalendarEvent {
	return domain.CalendarEvent{
		ID:          eventID(b.ID, domain.OwnerUser),
		Summary:     "Driving lesson",
		Description: fmt.Sprintf("%s lesson, booking reference %s", b.LessonType, b.ID),
		Location:    b.Location,
		StartAt:     b.StartAt,
		EndAt:       b.EndAt,
	}
}

// eventID derives a client-chosen calendar event id, lowercase hex plus a
// role suffix, all within the base32hex alphabet calendar ids allow.
func eventID(bookingID uuid.UUID, role domain.OwnerRole) string {
	suffix := "usr"
	if role == domain.OwnerAdmin {
		suffix = "adm"
	}
	return strings.ReplaceAll(bookingID.String(), "-", "") + suffix
}

func (o *Orchestrator) notify(log observability.Logger, b domain.Booking, remaining float64) {
	if o.deps.Notifier == nil {
		return
	}
	msg := domain.BookingConfirmation{
		BookingID:      b.ID,
		AccountID:      b.AccountID,
		LessonType:     b.LessonType,
		Location:       b.Location,
		StartAt:        b.StartAt,
		EndAt:          b.EndAt,
		HoursConsumed:  b.HoursConsumed,
		RemainingHours: remaining,
	}

	o.notifications.Add(1)
	go func() {
		defer o.notifications.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.NotifyTimeout)
		defer cancel()
		if err := o.deps.Notifier.SendBookingConfirmation(ctx, msg); err != nil {
			log.WithError(err).Warn("booking confirmation not sent")
		}
	}()
}

func (o *Orchestrator) audit(ctx context.Context, log observability.Logger, event string, id uuid.UUID, details map[string]interface{}) {
	if o.deps.Audit == nil {
		return
	}
	if err := o.deps.Audit.LogEvent(ctx, event, id, details); err != nil {
		log.WithError(err).WithField("event", event).Warn("audit write failed")
	}
}

func insufficient(need, have float64) *Failure {
	msg := fmt.Sprintf("not enough lesson hours: this lesson needs %gh", need)
	if have >= 0 {
		msg += fmt.Sprintf(", %gh available", have)
	}
	return &Failure{Reason: ReasonInsufficientQuota, Message: msg, Err: domain.ErrInsufficientQuota}
}

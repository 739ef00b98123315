package booking

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

// saga tracks one Book call. events is the compensation stack: every
// created calendar event is pushed and undone in reverse order.
type saga struct {
	o         *Orchestrator
	log       observability.Logger
	booking   *domain.Booking
	state     State
	events    []domain.CalendarEventRef
	persisted bool
}

func (s *saga) advance(to State) {
	s.log.WithFields(map[string]interface{}{"from": s.state, "state": to}).Debug("booking saga transition")
	s.state = to
}

func (s *saga) createEvent(ctx context.Context, role domain.OwnerRole, calendarID string, ev domain.CalendarEvent) (domain.CalendarEventRef, error) {
	ctx, span := observability.StartSpan(ctx, "booking.createEvent."+string(role))
	defer span.End()

	id, err := s.o.deps.Calendar.CreateEvent(ctx, calendarID, ev)
	if err != nil {
		span.RecordError(err)
		return domain.CalendarEventRef{}, err
	}
	return domain.CalendarEventRef{
		OwnerRole:  role,
		CalendarID: calendarID,
		ExternalID: id,
		StartAt:    ev.StartAt,
		EndAt:      ev.EndAt,
	}, nil
}

func (s *saga) push(ref domain.CalendarEventRef) {
	s.events = append(s.events, ref)
	s.booking.EventRefs = append(s.booking.EventRefs, ref)
}

// fail compensates everything done so far and returns f.
func (s *saga) fail(ctx context.Context, f *Failure, note string) *Failure {
	s.log.WithFields(map[string]interface{}{
		"state":  s.state,
		"reason": f.Reason,
	}).Warn("booking saga failed, compensating")
	s.advance(StateCompensating)
	s.compensate(ctx, note)
	s.advance(StateCancelled)
	return f
}

// compensate pops the event stack, then marks a persisted booking cancelled.
// A cancel that fails is recorded for reconciliation and never retried here.
func (s *saga) compensate(ctx context.Context, note string) {
	id := s.booking.ID

	for i := len(s.events) - 1; i >= 0; i-- {
		ref := s.events[i]
		err := s.o.deps.Calendar.CancelEvent(ctx, ref.CalendarID, ref.ExternalID)
		if err == nil || isNotFound(err) {
			continue
		}

		log := s.log.WithError(err).WithFields(map[string]interface{}{
			"owner_role":  ref.OwnerRole,
			"external_id": ref.ExternalID,
		})
		log.Error("compensating event cancel failed")
		observability.CompensationFailures.WithLabelValues("cancel_" + string(ref.OwnerRole) + "_event").Inc()
		s.o.audit(ctx, log, "compensation.failed", id, map[string]interface{}{
			"step":        "cancelEvent",
			"owner_role":  string(ref.OwnerRole),
			"calendar_id": ref.CalendarID,
			"external_id": ref.ExternalID,
			"error":       err.Error(),
		})
		if s.o.deps.Orphans != nil {
			if rerr := s.o.deps.Orphans.RecordOrphanedEvent(ctx, id, ref, err.Error()); rerr != nil {
				log.WithError(rerr).Error("orphaned event could not be recorded")
			}
		}
	}

	s.booking.Status = domain.BookingCancelled
	s.booking.StatusNote = note
	if !s.persisted {
		return
	}
	if err := s.o.deps.Store.UpdateBookingStatus(ctx, id, domain.BookingCancelled, note); err != nil {
		s.log.WithError(err).Error("compensating status update failed")
		observability.CompensationFailures.WithLabelValues("mark_cancelled").Inc()
		s.o.audit(ctx, s.log, "compensation.failed", id, map[string]interface{}{"step": "markCancelled", "error": err.Error()})
		return
	}
	s.o.audit(ctx, s.log, "booking.cancelled", id, map[string]interface{}{"note": note})
}

func isNotFound(err error) bool {
	var apiErr *apierror.ExternalAPIError
	return errors.As(err, &apiErr) && apiErr.Kind() == apierror.KindNotFound
}

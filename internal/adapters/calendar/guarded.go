package calendar

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/resilience"
)

// Guarded routes every calendar call through the resilience guard. Errors
// it returns are *apierror.ExternalAPIError or *resilience.OpenError.
type Guarded struct {
	api   API
	guard *resilience.Guard
}

func NewGuarded(api API, guard *resilience.Guard) *Guarded {
	return &Guarded{api: api, guard: guard}
}

func (g *Guarded) FreeBusy(ctx context.Context, calendarID string, start, end time.Time) ([]domain.Interval, error) {
	return resilience.Call(ctx, g.guard, "freeBusy", func(ctx context.Context) ([]domain.Interval, error) {
		return g.api.FreeBusy(ctx, calendarID, start, end)
	})
}

// CreateEvent treats a conflict on a retried insert with a client-chosen ID
// as proof that an earlier attempt landed, and reuses that event.
func (g *Guarded) CreateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (string, error) {
	attempts := 0
	return resilience.Call(ctx, g.guard, "createEvent", func(ctx context.Context) (string, error) {
		attempts++
		id, err := g.api.CreateEvent(ctx, calendarID, ev)
		if err != nil && ev.ID != "" && attempts > 1 && isConflict(err) {
			return ev.ID, nil
		}
		return id, err
	})
}

func (g *Guarded) CancelEvent(ctx context.Context, calendarID, eventID string) error {
	return g.guard.Run(ctx, "cancelEvent", func(ctx context.Context) error {
		return g.api.CancelEvent(ctx, calendarID, eventID)
	})
}

func isConflict(err error) bool {
	var resp *apierror.ResponseError
	return errors.As(err, &resp) && resp.StatusCode == 409
}

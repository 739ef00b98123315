// Package availability answers whether a lesson slot collides with the
// instructor's existing commitments on the admin calendar.
package availability

import (
	"context"
	"time"

	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type FreeBusyFetcher interface {
	FreeBusy(ctx context.Context, calendarID string, start, end time.Time) ([]domain.Interval, error)
}

type Detector struct {
	calendar      FreeBusyFetcher
	adminCalendar string
}

func NewDetector(calendar FreeBusyFetcher, adminCalendarID string) *Detector {
	return &Detector{calendar: calendar, adminCalendar: adminCalendarID}
}

// IsBusy widens [start, end) by bufferMinutes on both sides and reports
// whether any busy interval overlaps it. Intervals that only touch do not
// overlap. Upstream errors are returned, never interpreted as free.
func (d *Detector) IsBusy(ctx context.Context, start, end time.Time, bufferMinutes int) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "availability.IsBusy")
	defer span.End()

	buffer := time.Duration(bufferMinutes) * time.Minute
	want := domain.Interval{Start: start.Add(-buffer), End: end.Add(buffer)}

	busy, err := d.calendar.FreeBusy(ctx, d.adminCalendar, want.Start, want.End)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	for _, b := range busy {
		if b.Overlaps(want) {
			return true, nil
		}
	}
	return false, nil
}

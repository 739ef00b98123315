package domain

import (
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const MaxLessonMinutes = 8 * 60

type BookingRequest struct {
	AccountID       uuid.UUID
	UserCalendarID  string
	StartAt         time.Time
	DurationMinutes int
	LessonType      string
	Location        string
	Notes           string
}

func (r BookingRequest) Validate() error {
	switch {
	case r.AccountID == uuid.Nil:
		return errors.Wrap(ErrInvalidInput, "account id is required")
	case strings.TrimSpace(r.UserCalendarID) == "":
		return errors.Wrap(ErrInvalidInput, "user calendar id is required")
	case r.StartAt.IsZero():
		return errors.Wrap(ErrInvalidInput, "start time is required")
	case r.DurationMinutes <= 0 || r.DurationMinutes > MaxLessonMinutes:
		return errors.Wrapf(ErrInvalidInput, "duration must be between 1 and %d minutes", MaxLessonMinutes)
	case strings.TrimSpace(r.LessonType) == "":
		return errors.Wrap(ErrInvalidInput, "lesson type is required")
	}
	return nil
}

func (r BookingRequest) EndAt() time.Time {
	return r.StartAt.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// HoursFor rounds a lesson up to whole quota hours: a 90 minute lesson costs 2.
func HoursFor(durationMinutes int) float64 {
	if durationMinutes <= 0 {
		return 0
	}
	return math.Ceil(float64(durationMinutes) / 60)
}

func NewBooking(req BookingRequest) Booking {
	now := time.Now().UTC()
	return Booking{
		ID:              uuid.New(),
		AccountID:       req.AccountID,
		UserCalendarID:  req.UserCalendarID,
		StartAt:         req.StartAt.UTC(),
		EndAt:           req.EndAt().UTC(),
		DurationMinutes: req.DurationMinutes,
		LessonType:      req.LessonType,
		Location:        req.Location,
		Notes:           req.Notes,
		HoursConsumed:   HoursFor(req.DurationMinutes),
		Status:          BookingPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

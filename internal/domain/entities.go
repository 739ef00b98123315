package domain

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

type OwnerRole string

const (
	OwnerAdmin OwnerRole = "admin"
	OwnerUser  OwnerRole = "user"
)

type Booking struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	UserCalendarID  string
	StartAt         time.Time
	EndAt           time.Time
	DurationMinutes int
	LessonType      string
	Location        string
	Notes           string
	HoursConsumed   float64
	Status          BookingStatus
	StatusNote      string
	EventRefs       []CalendarEventRef
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EventRef returns the reference owned by role, if any.
func (b Booking) EventRef(role OwnerRole) (CalendarEventRef, bool) {
	for _, ref := range b.EventRefs {
		if ref.OwnerRole == role {
			return ref, true
		}
	}
	return CalendarEventRef{}, false
}

type CalendarEventRef struct {
	OwnerRole  OwnerRole
	CalendarID string
	ExternalID string
	StartAt    time.Time
	EndAt      time.Time
}

type QuotaAccount struct {
	AccountID      uuid.UUID
	AvailableHours float64
	ReservedHours  float64
}

type LedgerTxType string

const (
	TxConsume LedgerTxType = "consume"
	TxCredit  LedgerTxType = "credit"
	TxGrant   LedgerTxType = "grant"
)

type LedgerEntry struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	BookingID uuid.UUID
	Type      LedgerTxType
	Reason    string
	Delta     float64
	CreatedAt time.Time
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// CalendarEvent is an event to be created. ID, when set, is sent as the
// client-chosen event id so that a repeated insert is detected as a conflict.
type CalendarEvent struct {
	ID          string
	Summary     string
	Description string
	Location    string
	StartAt     time.Time
	EndAt       time.Time
}

type BookingConfirmation struct {
	BookingID      uuid.UUID `json:"booking_id"`
	AccountID      uuid.UUID `json:"account_id"`
	LessonType     string    `json:"lesson_type"`
	Location       string    `json:"location"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	HoursConsumed  float64   `json:"hours_consumed"`
	RemainingHours float64   `json:"remaining_hours"`
}

// LessonType is a catalog entry describing a bookable kind of lesson.
type LessonType struct {
	Code                   string
	Name                   string
	DefaultDurationMinutes int
	Active                 bool
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys on the events exchange.
const (
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
	EventCalendarOrphaned = "calendar.event.orphaned"
)

// OrphanedEvent is a calendar event a compensation failed to cancel.
type OrphanedEvent struct {
	BookingID  uuid.UUID `json:"booking_id"`
	OwnerRole  OwnerRole `json:"owner_role"`
	CalendarID string    `json:"calendar_id"`
	ExternalID string    `json:"external_id"`
	Cause      string    `json:"cause"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BookingCancelledEvent is the payload of a booking.cancelled outbox record.
type BookingCancelledEvent struct {
	BookingID   uuid.UUID `json:"booking_id"`
	AccountID   uuid.UUID `json:"account_id"`
	Note        string    `json:"note"`
	CancelledAt time.Time `json:"cancelled_at"`
}

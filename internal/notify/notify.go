// Package notify announces confirmed bookings on the events exchange, where
// the mail service picks them up.
package notify

import (
	"context"

	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type JSONPublisher interface {
	PublishJSON(ctx context.Context, key, messageID string, v any) error
}

type Notifier struct {
	pub    JSONPublisher
	logger observability.Logger
}

func NewNotifier(pub JSONPublisher, logger observability.Logger) *Notifier {
	return &Notifier{pub: pub, logger: logger}
}

func (n *Notifier) SendBookingConfirmation(ctx context.Context, c domain.BookingConfirmation) error {
	messageID := domain.EventBookingConfirmed + ":" + c.BookingID.String()
	if err := n.pub.PublishJSON(ctx, domain.EventBookingConfirmed, messageID, c); err != nil {
		observability.RabbitPublishRetries.Inc()
		return err
	}
	n.logger.WithField("booking_id", c.BookingID).Debug("booking confirmation published")
	return nil
}

// LogNotifier only logs. Used when no broker is configured.
type LogNotifier struct {
	logger observability.Logger
}

func NewLogNotifier(logger observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendBookingConfirmation(ctx context.Context, c domain.BookingConfirmation) error {
	n.logger.WithFields(map[string]interface{}{
		"booking_id":      c.BookingID,
		"start_at":        c.StartAt,
		"remaining_hours": c.RemainingHours,
	}).Info("booking confirmed")
	return nil
}

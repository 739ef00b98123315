package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type capturePublisher struct {
	key, messageID string
	body           any
	err            error
}

func (c *capturePublisher) PublishJSON(ctx context.Context, key, messageID string, v any) error {
	c.key, c.messageID, c.body = key, messageID, v
	return c.err
}

func TestNotifier_PublishesConfirmation(t *testing.T) {
	pub := &capturePublisher{}
	n := NewNotifier(pub, observability.NewNopLogger())
	id := uuid.New()

	if err := n.SendBookingConfirmation(context.Background(), domain.BookingConfirmation{BookingID: id}); err != nil {
		t.Fatal(err)
	}
	if pub.key != domain.EventBookingConfirmed || pub.messageID != "booking.confirmed:"+id.String() {
		t.Fatalf("unexpected publish %q %q", pub.key, pub.messageID)
	}
	if c, ok := pub.body.(domain.BookingConfirmation); !ok || c.BookingID != id {
		t.Fatalf("unexpected body %#v", pub.body)
	}
}

func TestNotifier_ReturnsPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	n := NewNotifier(&capturePublisher{err: boom}, observability.NewNopLogger())
	if err := n.SendBookingConfirmation(context.Background(), domain.BookingConfirmation{}); !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

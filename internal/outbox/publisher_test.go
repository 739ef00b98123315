package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/crdb"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type fakeSource struct {
	records   []crdb.OutboxRecord
	published []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeSource) ClaimOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error) {
	return f.records, nil
}

func (f *fakeSource) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeSource) MarkAttemptFailed(ctx context.Context, id uuid.UUID) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeBroker struct {
	keys    []string
	failKey string
}

func (b *fakeBroker) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	if key == b.failKey {
		return errors.New("channel closed")
	}
	b.keys = append(b.keys, key+"|"+msg.MessageId)
	return nil
}

func TestPublisher_PublishBatch(t *testing.T) {
	ok := crdb.OutboxRecord{ID: uuid.New(), EventType: "calendar.event.orphaned", DedupeKey: "d1", CreatedAt: time.Now()}
	bad := crdb.OutboxRecord{ID: uuid.New(), EventType: "booking.cancelled", DedupeKey: "d2", CreatedAt: time.Now()}
	src := &fakeSource{records: []crdb.OutboxRecord{ok, bad}}
	broker := &fakeBroker{failKey: "booking.cancelled"}

	p := NewPublisher(src, broker, observability.NewNopLogger(), time.Second, 10)
	n, err := p.PublishBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(src.published) != 1 || src.published[0] != ok.ID {
		t.Fatalf("expected only the first record published, got %d %v", n, src.published)
	}
	if len(src.failed) != 1 || src.failed[0] != bad.ID {
		t.Fatalf("expected failed attempt recorded, got %v", src.failed)
	}
	if len(broker.keys) != 1 || broker.keys[0] != "calendar.event.orphaned|d1" {
		t.Fatalf("unexpected publishes %v", broker.keys)
	}
}

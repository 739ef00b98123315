// Package outbox relays committed outbox records to the message broker.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/driving-school-scheduler/internal/adapters/crdb"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

type Source interface {
	ClaimOutbox(ctx context.Context, limit int) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	MarkAttemptFailed(ctx context.Context, id uuid.UUID) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	repo      Source
	rabbitPub Broker
	logger    observability.Logger
	interval  time.Duration
	batch     int
	now       func() time.Time
}

func NewPublisher(repo Source, rabbitPub Broker, logger observability.Logger, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Publisher{repo: repo, rabbitPub: rabbitPub, logger: logger, interval: interval, batch: batch, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("outbox publisher started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil {
				p.logger.WithError(err).Error("outbox poll failed")
			}
		}
	}
}

// PublishBatch relays one batch and returns how many records were published.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	records, err := p.repo.ClaimOutbox(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.now().Sub(records[0].CreatedAt).Seconds())

	published := 0
	for _, rec := range records {
		log := p.logger.WithFields(map[string]interface{}{
			"outbox_id":  rec.ID,
			"event_type": rec.EventType,
		})
		msg := amqp.Publishing{
			MessageId:   rec.DedupeKey,
			ContentType: "application/json",
			Timestamp:   rec.CreatedAt,
			Body:        rec.Payload,
		}
		if err := p.rabbitPub.Publish(ctx, rec.EventType, msg); err != nil {
			observability.RabbitPublishRetries.Inc()
			log.WithError(err).Warn("outbox publish failed")
			if err := p.repo.MarkAttemptFailed(ctx, rec.ID); err != nil {
				log.WithError(err).Error("outbox attempt not recorded")
			}
			continue
		}
		if err := p.repo.MarkPublished(ctx, rec.ID, p.now()); err != nil {
			log.WithError(err).Error("outbox record published but not marked")
			continue
		}
		published++
	}
	return published, nil
}

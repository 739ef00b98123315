package crdb

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
)

const (
	maxOutboxAttempts = 10
	outboxClaimTTL    = time.Minute
)

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED, FAILED
	Attempts      int
	DedupeKey     string
}

func (r *Repository) InsertOutbox(ctx context.Context, tx pgx.Tx, record OutboxRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'NEW', $6)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.DedupeKey)
	return err
}

// RecordOrphanedEvent queues a calendar event that compensation could not
// cancel for the reconcile worker.
func (r *Repository) RecordOrphanedEvent(ctx context.Context, bookingID uuid.UUID, ref domain.CalendarEventRef, cause string) error {
	payload, err := json.Marshal(domain.OrphanedEvent{
		BookingID:  bookingID,
		OwnerRole:  ref.OwnerRole,
		CalendarID: ref.CalendarID,
		ExternalID: ref.ExternalID,
		Cause:      cause,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		return r.InsertOutbox(ctx, tx, OutboxRecord{
			ID:            uuid.New(),
			AggregateType: "booking",
			AggregateID:   bookingID,
			EventType:     domain.EventCalendarOrphaned,
			Payload:       payload,
			DedupeKey:     domain.EventCalendarOrphaned + ":" + ref.CalendarID + ":" + ref.ExternalID,
		})
	})
}

// ClaimOutbox leases up to limit NEW records to the caller for
// outboxClaimTTL. Rows locked or leased by another publisher are skipped, so
// concurrent publishers get disjoint batches. A lease that runs out makes its
// records claimable again.
func (r *Repository) ClaimOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'NEW' AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, attempts, dedupe_key
	`, limit, time.Now().Add(outboxClaimTTL))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.Attempts, &rec.DedupeKey)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not keep the subquery order.
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return err
}

// MarkAttemptFailed bumps the attempt counter, releases the claim and parks
// the record as FAILED once it has used up its attempts.
func (r *Repository) MarkAttemptFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1,
			claimed_until = NULL,
			status = CASE WHEN attempts + 1 >= $2 THEN 'FAILED' ELSE status END
		WHERE id = $1
	`, id, maxOutboxAttempts)
	return err
}

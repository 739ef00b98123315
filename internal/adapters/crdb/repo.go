// Package crdb is the CockroachDB store for bookings, quota and the outbox.
package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	uniqueViolationCode      = "23505"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a SERIALIZABLE transaction. A serialization conflict,
// from fn or from commit, is reported as domain.ErrSerializationFailure.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return mapTxError(err)
	}
	return mapTxError(tx.Commit(ctx))
}

func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return errors.Mark(err, domain.ErrSerializationFailure)
	}
	return err
}

func (r *Repository) InsertBooking(ctx context.Context, b domain.Booking) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (id, account_id, user_calendar_id, start_at, end_at, duration_minutes,
				lesson_type, location, notes, hours_consumed, status, status_note, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, b.ID, b.AccountID, b.UserCalendarID, b.StartAt, b.EndAt, b.DurationMinutes,
			b.LessonType, b.Location, b.Notes, b.HoursConsumed, string(b.Status), b.StatusNote, b.CreatedAt, b.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
				return errors.Wrapf(domain.ErrConflict, "booking %s exists", b.ID)
			}
			return err
		}

		batch := &pgx.Batch{}
		for i, ref := range b.EventRefs {
			batch.Queue(`
				INSERT INTO booking_event_refs (booking_id, owner_role, calendar_id, external_id, start_at, end_at, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, b.ID, string(ref.OwnerRole), ref.CalendarID, ref.ExternalID, ref.StartAt, ref.EndAt, i)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// UpdateBookingStatus sets the status. Cancelling also queues a
// booking.cancelled outbox record in the same transaction.
func (r *Repository) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status domain.BookingStatus, note string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		var accountID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE bookings SET status = $2, status_note = $3, updated_at = now()
			WHERE id = $1
			RETURNING account_id
		`, id, string(status), note).Scan(&accountID)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrNotFound, "booking %s", id)
		}
		if err != nil {
			return err
		}

		if status != domain.BookingCancelled {
			return nil
		}
		payload, err := json.Marshal(domain.BookingCancelledEvent{
			BookingID:   id,
			AccountID:   accountID,
			Note:        note,
			CancelledAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return r.InsertOutbox(ctx, tx, OutboxRecord{
			ID:            uuid.New(),
			AggregateType: "booking",
			AggregateID:   id,
			EventType:     domain.EventBookingCancelled,
			Payload:       payload,
			DedupeKey:     domain.EventBookingCancelled + ":" + id.String(),
		})
	})
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	var (
		b      domain.Booking
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, user_calendar_id, start_at, end_at, duration_minutes, lesson_type,
			location, notes, hours_consumed, status, status_note, created_at, updated_at
		FROM bookings WHERE id = $1
	`, id).Scan(&b.ID, &b.AccountID, &b.UserCalendarID, &b.StartAt, &b.EndAt, &b.DurationMinutes, &b.LessonType,
		&b.Location, &b.Notes, &b.HoursConsumed, &status, &b.StatusNote, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	if err != nil {
		return domain.Booking{}, err
	}
	b.Status = domain.BookingStatus(status)

	rows, err := r.pool.Query(ctx, `
		SELECT owner_role, calendar_id, external_id, start_at, end_at
		FROM booking_event_refs WHERE booking_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return domain.Booking{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ref  domain.CalendarEventRef
			role string
		)
		if err := rows.Scan(&role, &ref.CalendarID, &ref.ExternalID, &ref.StartAt, &ref.EndAt); err != nil {
			return domain.Booking{}, err
		}
		ref.OwnerRole = domain.OwnerRole(role)
		b.EventRefs = append(b.EventRefs, ref)
	}
	return b, rows.Err()
}

// Package quota keeps each account's prepaid lesson hours. Every balance
// change is a ledger transaction keyed by (booking, type, reason), so
// repeating a transaction never changes the balance twice.
package quota

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/robertarktes/driving-school-scheduler/internal/observability"
)

const (
	ReasonBooking      = "booking"
	ReasonRollback     = "rollback"
	ReasonCancellation = "cancellation"
	ReasonGrant        = "grant"
)

// Store applies ledger transactions atomically. ApplyQuotaDelta records
// entry and moves the balance by entry.Delta in one step; it reports
// applied=false with the current balance when the entry already exists,
// and fails with domain.ErrInsufficientQuota, changing nothing, when the
// balance would go negative.
type Store interface {
	ReadAccountQuota(ctx context.Context, accountID uuid.UUID) (domain.QuotaAccount, error)
	ApplyQuotaDelta(ctx context.Context, entry domain.LedgerEntry) (domain.QuotaAccount, bool, error)
	ListLedger(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
}

type Availability struct {
	OK             bool
	AvailableHours float64
}

type Ledger struct {
	store       Store
	logger      observability.Logger
	maxAttempts int
	backoff     time.Duration
}

func NewLedger(store Store, logger observability.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, maxAttempts: 3, backoff: 20 * time.Millisecond}
}

// CheckAvailable is read-only and may be stale by the time Consume runs.
func (l *Ledger) CheckAvailable(ctx context.Context, accountID uuid.UUID, hours float64) (Availability, error) {
	acct, err := l.store.ReadAccountQuota(ctx, accountID)
	if err != nil {
		return Availability{}, errors.Wrap(err, "read quota")
	}
	return Availability{OK: acct.AvailableHours >= hours, AvailableHours: acct.AvailableHours}, nil
}

// Consume takes hours for bookingID and returns the remaining balance.
func (l *Ledger) Consume(ctx context.Context, accountID uuid.UUID, hours float64, bookingID uuid.UUID) (float64, error) {
	if hours <= 0 {
		return 0, errors.Wrap(domain.ErrInvalidInput, "hours must be positive")
	}
	return l.apply(ctx, domain.LedgerEntry{
		AccountID: accountID,
		BookingID: bookingID,
		Type:      domain.TxConsume,
		Reason:    ReasonBooking,
		Delta:     -hours,
	})
}

// Credit returns hours for bookingID. Each reason credits at most once.
func (l *Ledger) Credit(ctx context.Context, accountID uuid.UUID, hours float64, bookingID uuid.UUID, reason string) (float64, error) {
	if hours <= 0 {
		return 0, errors.Wrap(domain.ErrInvalidInput, "hours must be positive")
	}
	if reason == "" {
		return 0, errors.Wrap(domain.ErrInvalidInput, "credit reason is required")
	}
	return l.apply(ctx, domain.LedgerEntry{
		AccountID: accountID,
		BookingID: bookingID,
		Type:      domain.TxCredit,
		Reason:    reason,
		Delta:     hours,
	})
}

// Grant tops up an account, creating it when needed. reference makes the
// grant idempotent in the same way a booking id does.
func (l *Ledger) Grant(ctx context.Context, accountID uuid.UUID, hours float64, reference uuid.UUID) (float64, error) {
	if hours <= 0 {
		return 0, errors.Wrap(domain.ErrInvalidInput, "hours must be positive")
	}
	return l.apply(ctx, domain.LedgerEntry{
		AccountID: accountID,
		BookingID: reference,
		Type:      domain.TxGrant,
		Reason:    ReasonGrant,
		Delta:     hours,
	})
}

func (l *Ledger) Balance(ctx context.Context, accountID uuid.UUID) (domain.QuotaAccount, error) {
	return l.store.ReadAccountQuota(ctx, accountID)
}

func (l *Ledger) History(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	return l.store.ListLedger(ctx, accountID, limit)
}

func (l *Ledger) apply(ctx context.Context, entry domain.LedgerEntry) (float64, error) {
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now().UTC()

	log := l.logger.WithFields(map[string]interface{}{
		"account_id": entry.AccountID,
		"booking_id": entry.BookingID,
		"tx_type":    entry.Type,
		"reason":     entry.Reason,
	})

	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		acct, applied, err := l.store.ApplyQuotaDelta(ctx, entry)
		if err == nil {
			if !applied {
				log.Info("ledger transaction already recorded")
			}
			return acct.AvailableHours, nil
		}
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return 0, err
		}

		lastErr = err
		observability.QuotaLedgerRetries.Inc()
		log.WithField("attempt", attempt).Warn("ledger transaction serialization failure, retrying")

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(l.backoff * time.Duration(attempt)):
		}
	}
	return 0, errors.Wrapf(lastErr, "ledger transaction failed after %d attempts", l.maxAttempts)
}

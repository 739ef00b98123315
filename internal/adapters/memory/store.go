// Package memory is an in-process implementation of the booking and quota
// stores, used when no database is configured and by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
)

type ledgerKey struct {
	bookingID uuid.UUID
	txType    domain.LedgerTxType
	reason    string
}

type Store struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]domain.Booking
	accounts map[uuid.UUID]domain.QuotaAccount
	ledger   map[ledgerKey]domain.LedgerEntry
	orphans  []domain.OrphanedEvent
}

func NewStore() *Store {
	return &Store{
		bookings: make(map[uuid.UUID]domain.Booking),
		accounts: make(map[uuid.UUID]domain.QuotaAccount),
		ledger:   make(map[ledgerKey]domain.LedgerEntry),
	}
}

func (s *Store) InsertBooking(ctx context.Context, b domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "booking %s exists", b.ID)
	}
	b.EventRefs = append([]domain.CalendarEventRef(nil), b.EventRefs...)
	s.bookings[b.ID] = b
	return nil
}

func (s *Store) UpdateBookingStatus(ctx context.Context, id uuid.UUID, status domain.BookingStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	b.Status = status
	b.StatusNote = note
	b.UpdatedAt = time.Now().UTC()
	s.bookings[id] = b
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return domain.Booking{}, errors.Wrapf(domain.ErrNotFound, "booking %s", id)
	}
	b.EventRefs = append([]domain.CalendarEventRef(nil), b.EventRefs...)
	return b, nil
}

func (s *Store) ReadAccountQuota(ctx context.Context, accountID uuid.UUID) (domain.QuotaAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return domain.QuotaAccount{}, errors.Wrapf(domain.ErrNotFound, "quota account %s", accountID)
	}
	return acct, nil
}

func (s *Store) ApplyQuotaDelta(ctx context.Context, entry domain.LedgerEntry) (domain.QuotaAccount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[entry.AccountID]
	if !ok {
		if entry.Type != domain.TxGrant {
			return domain.QuotaAccount{}, false, errors.Wrapf(domain.ErrNotFound, "quota account %s", entry.AccountID)
		}
		acct = domain.QuotaAccount{AccountID: entry.AccountID}
	}

	key := ledgerKey{bookingID: entry.BookingID, txType: entry.Type, reason: entry.Reason}
	if _, dup := s.ledger[key]; dup {
		return acct, false, nil
	}
	if acct.AvailableHours+entry.Delta < 0 {
		return acct, false, errors.Wrapf(domain.ErrInsufficientQuota,
			"account %s has %.2fh, needs %.2fh", entry.AccountID, acct.AvailableHours, -entry.Delta)
	}

	acct.AvailableHours += entry.Delta
	s.accounts[entry.AccountID] = acct
	s.ledger[key] = entry
	return acct, true, nil
}

func (s *Store) ListLedger(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordOrphanedEvent(ctx context.Context, bookingID uuid.UUID, ref domain.CalendarEventRef, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphans = append(s.orphans, domain.OrphanedEvent{
		BookingID:  bookingID,
		OwnerRole:  ref.OwnerRole,
		CalendarID: ref.CalendarID,
		ExternalID: ref.ExternalID,
		Cause:      cause,
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) OrphanedEvents() []domain.OrphanedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrphanedEvent(nil), s.orphans...)
}

// Ping satisfies the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return nil }

// SlotLocker is a process-local stand-in for the redis slot lock.
type SlotLocker struct {
	mu    sync.Mutex
	held  map[string]lease
	nowFn func() time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

func NewSlotLocker() *SlotLocker {
	return &SlotLocker{held: make(map[string]lease), nowFn: time.Now}
}

func (l *SlotLocker) AcquireSlot(ctx context.Context, slot, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if cur, ok := l.held[slot]; ok && now.Before(cur.expires) {
		return false, nil
	}
	l.held[slot] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *SlotLocker) ReleaseSlot(ctx context.Context, slot, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[slot]; ok && cur.owner == owner {
		delete(l.held, slot)
	}
	return nil
}

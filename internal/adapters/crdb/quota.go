package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
)

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readAccount(ctx context.Context, q queryRower, accountID uuid.UUID) (domain.QuotaAccount, error) {
	acct := domain.QuotaAccount{AccountID: accountID}
	err := q.QueryRow(ctx, `
		SELECT available_hours, reserved_hours FROM quota_accounts WHERE account_id = $1
	`, accountID).Scan(&acct.AvailableHours, &acct.ReservedHours)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuotaAccount{}, errors.Wrapf(domain.ErrNotFound, "quota account %s", accountID)
	}
	return acct, err
}

func (r *Repository) ReadAccountQuota(ctx context.Context, accountID uuid.UUID) (domain.QuotaAccount, error) {
	return readAccount(ctx, r.pool, accountID)
}

// ApplyQuotaDelta records the ledger entry and moves the balance in one
// SERIALIZABLE transaction. The ledger's unique key makes a repeated entry
// a no-op; the conditional UPDATE keeps the balance from going negative.
func (r *Repository) ApplyQuotaDelta(ctx context.Context, e domain.LedgerEntry) (domain.QuotaAccount, bool, error) {
	var (
		acct    domain.QuotaAccount
		applied bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if e.Type == domain.TxGrant {
			if _, err := tx.Exec(ctx, `
				INSERT INTO quota_accounts (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING
			`, e.AccountID); err != nil {
				return err
			}
		}

		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM quota_accounts WHERE account_id = $1)
		`, e.AccountID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errors.Wrapf(domain.ErrNotFound, "quota account %s", e.AccountID)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO quota_ledger (id, account_id, booking_id, tx_type, reason, delta, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (booking_id, tx_type, reason) DO NOTHING
		`, e.ID, e.AccountID, e.BookingID, string(e.Type), e.Reason, e.Delta, e.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			acct, err = readAccount(ctx, tx, e.AccountID)
			return err
		}

		acct = domain.QuotaAccount{AccountID: e.AccountID}
		err = tx.QueryRow(ctx, `
			UPDATE quota_accounts
			SET available_hours = available_hours + $2, updated_at = now()
			WHERE account_id = $1 AND available_hours + $2 >= 0
			RETURNING available_hours, reserved_hours
		`, e.AccountID, e.Delta).Scan(&acct.AvailableHours, &acct.ReservedHours)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrInsufficientQuota, "account %s cannot cover %.2fh", e.AccountID, -e.Delta)
		}
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return domain.QuotaAccount{}, false, err
	}
	return acct, applied, nil
}

func (r *Repository) ListLedger(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, booking_id, tx_type, reason, delta, created_at
		FROM quota_ledger WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e      domain.LedgerEntry
			txType string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.BookingID, &txType, &e.Reason, &e.Delta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.LedgerTxType(txType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

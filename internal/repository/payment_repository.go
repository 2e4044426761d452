package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/motiongif/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// RecordAndCredit stores a completed purchase and credits the account in the
// same transaction. A second delivery of the same provider charge id returns
// ErrDuplicate and leaves the balance untouched.
func (r *PaymentRepository) RecordAndCredit(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (account_id, provider, provider_charge_id, currency, amount, credits, status, raw_payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := utcNow()
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, payment.AccountID, payment.Provider, payment.ProviderCharge, payment.Currency,
			payment.Amount, payment.Credits, payment.Status, payment.RawPayload, now, now)
		if err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("payment %s/%s: %w", payment.Provider, payment.ProviderCharge, ErrDuplicate)
			}
			return fmt.Errorf("insert payment: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if err := Credit(ctx, tx, payment.AccountID, payment.Credits); err != nil {
			return err
		}
		payment.ID = id
		payment.CreatedAt = now
		payment.UpdatedAt = now
		return nil
	})
}

// Create stores a payment that has not been settled yet.
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (account_id, provider, provider_charge_id, currency, amount, credits, status, raw_payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := utcNow()
	res, err := r.db.ExecContext(ctx, query, payment.AccountID, payment.Provider, payment.ProviderCharge, payment.Currency,
		payment.Amount, payment.Credits, payment.Status, payment.RawPayload, now, now)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("payment %s/%s: %w", payment.Provider, payment.ProviderCharge, ErrDuplicate)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	payment.CreatedAt = now
	payment.UpdatedAt = now
	return nil
}

// MarkPaidAndCredit settles a pending payment and credits its account in one
// transaction. It reports false when the payment was already paid.
func (r *PaymentRepository) MarkPaidAndCredit(ctx context.Context, provider, chargeID, payload string) (bool, error) {
	const selectQuery = `
SELECT id, account_id, credits FROM payments
WHERE provider = ? AND provider_charge_id = ? AND status <> 'paid' FOR UPDATE`
	const updateQuery = `UPDATE payments SET status = 'paid', raw_payload = ?, updated_at = ? WHERE id = ?`

	var credited bool
	err := WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var (
			id, accountID int64
			credits       int
		)
		if err := tx.QueryRowContext(ctx, selectQuery, provider, chargeID).Scan(&id, &accountID, &credits); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("lock payment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, updateQuery, payload, utcNow(), id); err != nil {
			return fmt.Errorf("mark payment paid: %w", err)
		}
		if err := Credit(ctx, tx, accountID, credits); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return credited, nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID int64, status string, payload string) error {
	const query = `UPDATE payments SET status = ?, raw_payload = ?, updated_at = ? WHERE id = ? AND status <> 'paid'`
	if _, err := r.db.ExecContext(ctx, query, status, payload, utcNow(), paymentID); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

func (r *PaymentRepository) FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error) {
	const query = `
SELECT id, account_id, provider, provider_charge_id, currency, amount, credits, status, COALESCE(raw_payload, ''), created_at, updated_at
FROM payments WHERE provider = ? AND provider_charge_id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, provider, chargeID)
	var p models.Payment
	if err := row.Scan(&p.ID, &p.AccountID, &p.Provider, &p.ProviderCharge, &p.Currency, &p.Amount, &p.Credits, &p.Status, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

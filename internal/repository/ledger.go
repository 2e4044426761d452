package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Debit atomically subtracts amount from the account balance. The balance is
// never allowed to go negative: when it would, ErrInsufficientCredits is
// returned and nothing changes.
func Debit(ctx context.Context, q Querier, accountID int64, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	const query = `
UPDATE accounts SET credits = credits - ?, updated_at = ?
WHERE id = ? AND credits >= ?`
	res, err := q.ExecContext(ctx, query, amount, utcNow(), accountID, amount)
	if err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	ok, err := affected(res, "debit")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	exists, err := accountExists(ctx, q, accountID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	return ErrInsufficientCredits
}

// Credit adds amount to the account balance.
func Credit(ctx context.Context, q Querier, accountID int64, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	const query = `UPDATE accounts SET credits = credits + ?, updated_at = ? WHERE id = ?`
	res, err := q.ExecContext(ctx, query, amount, utcNow(), accountID)
	if err != nil {
		return fmt.Errorf("credit credits: %w", err)
	}
	ok, err := affected(res, "credit")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	return nil
}

// Balance returns the current credit balance.
func Balance(ctx context.Context, q Querier, accountID int64) (int, error) {
	const query = `SELECT credits FROM accounts WHERE id = ?`
	var credits int
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("account %d: %w", accountID, ErrNotFound)
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return credits, nil
}

func accountExists(ctx context.Context, q Querier, accountID int64) (bool, error) {
	const query = `SELECT 1 FROM accounts WHERE id = ?`
	var one int
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check account: %w", err)
	}
	return true, nil
}

// LedgerRepository exposes the ledger operations outside of a transaction.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Debit(ctx context.Context, accountID int64, amount int) error {
	return Debit(ctx, r.db, accountID, amount)
}

func (r *LedgerRepository) Credit(ctx context.Context, accountID int64, amount int) error {
	return Credit(ctx, r.db, accountID, amount)
}

func (r *LedgerRepository) Balance(ctx context.Context, accountID int64) (int, error) {
	return Balance(ctx, r.db, accountID)
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/motiongif/internal/models"
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) DB() *sql.DB {
	return r.db
}

const accountColumns = `id, COALESCE(telegram_id, 0), username, credits, is_admin, created_at, updated_at`

func (r *AccountRepository) Get(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (r *AccountRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE telegram_id = ?`
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return acc, nil
}

func (r *AccountRepository) Create(ctx context.Context, acc *models.Account) error {
	const query = `
INSERT INTO accounts (telegram_id, username, credits, is_admin, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`
	now := utcNow()
	res, err := r.db.ExecContext(ctx, query, nullInt64(acc.TelegramID), acc.Username, acc.Credits, acc.IsAdmin, now, now)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("account telegram %d: %w", acc.TelegramID, ErrDuplicate)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	acc.ID = id
	acc.CreatedAt = now
	acc.UpdatedAt = now
	return nil
}

// Ensure returns the account bound to telegramID, creating it with the
// starter balance on first contact. The bool reports creation.
func (r *AccountRepository) Ensure(ctx context.Context, telegramID int64, username string, starterCredits int) (*models.Account, bool, error) {
	acc, err := r.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if acc != nil {
		if username != "" && username != acc.Username {
			const query = `UPDATE accounts SET username = ?, updated_at = ? WHERE id = ?`
			if _, err := r.db.ExecContext(ctx, query, username, utcNow(), acc.ID); err != nil {
				return nil, false, fmt.Errorf("update username: %w", err)
			}
			acc.Username = username
		}
		return acc, false, nil
	}

	acc = &models.Account{TelegramID: telegramID, Username: username, Credits: starterCredits}
	if err := r.Create(ctx, acc); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Lost a concurrent first-contact race.
			existing, findErr := r.FindByTelegramID(ctx, telegramID)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return acc, true, nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var acc models.Account
	if err := row.Scan(&acc.ID, &acc.TelegramID, &acc.Username, &acc.Credits, &acc.IsAdmin, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	return &acc, nil
}

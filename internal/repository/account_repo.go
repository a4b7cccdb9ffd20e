package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawhero/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// InsertTx creates the account unless the id already exists. created is false
// on conflict, in which case a is left untouched.
func (r *AccountRepo) InsertTx(ctx context.Context, tx pgx.Tx, a *models.Account) (created bool, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (id, email, credit_balance, is_admin)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.CreditBalance, a.IsAdmin).Scan(&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, credit_balance, is_admin, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Email, &a.CreditBalance, &a.IsAdmin, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRow(ctx, `
		SELECT id, email, credit_balance, is_admin, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE
	`, id).Scan(&a.ID, &a.Email, &a.CreditBalance, &a.IsAdmin, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateCreditBalance sets account credit_balance. Call after GetByIDForUpdate in same tx.
func (r *AccountRepo) UpdateCreditBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, creditBalance int) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET credit_balance = $2, updated_at = now() WHERE id = $1
	`, id, creditBalance)
	return err
}

// SetAdmin flips the admin flag. Returns pgx.ErrNoRows for an unknown account.
func (r *AccountRepo) SetAdmin(ctx context.Context, id uuid.UUID, isAdmin bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET is_admin = $2, updated_at = now() WHERE id = $1
	`, id, isAdmin)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawhero/backend/internal/models"
)

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, account_id, kind, amount, balance_after, description, reference)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING created_at
	`, e.ID, e.AccountID, e.Kind, e.Amount, e.BalanceAfter, e.Description, e.Reference).Scan(&e.CreatedAt)
}

// ReferenceExistsTx reports whether an entry with reference was already written.
func (r *CreditRepo) ReferenceExistsTx(ctx context.Context, tx pgx.Tx, reference string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE reference = $1)
	`, reference).Scan(&exists)
	return exists, err
}

// ListByAccountID returns entries newest first. limit <= 0 returns all.
func (r *CreditRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, kind, amount, balance_after, description, COALESCE(reference, ''), created_at
		FROM credit_ledger WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, accountID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.Description, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// TotalsByAccountIDTx returns the signed sum and the number of the account's
// entries, read inside tx.
func (r *CreditRepo) TotalsByAccountIDTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (sum, count int, err error) {
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM credit_ledger WHERE account_id = $1
	`, accountID).Scan(&sum, &count)
	return sum, count, err
}

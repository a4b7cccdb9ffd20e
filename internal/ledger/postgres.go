package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawhero/backend/internal/models"
	"github.com/pawhero/backend/internal/repository"
)

// PostgresStore runs each mutation in one transaction that holds the account
// row lock (SELECT ... FOR UPDATE) from the balance read to the commit.
type PostgresStore struct {
	pool     *pgxpool.Pool
	accounts *repository.AccountRepo
	credits  *repository.CreditRepo
}

func NewPostgresStore(pool *pgxpool.Pool, accounts *repository.AccountRepo, credits *repository.CreditRepo) *PostgresStore {
	return &PostgresStore{pool: pool, accounts: accounts, credits: credits}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) GetOrCreate(ctx context.Context, id uuid.UUID, email string, initialCredits int) (*models.Account, bool, error) {
	// Existing accounts are a plain read; only creation needs a transaction.
	acc, err := s.accounts.GetByID(ctx, id)
	if err == nil {
		return acc, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("load account: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc = &models.Account{ID: id, Email: email, CreditBalance: initialCredits}
	created, err := s.accounts.InsertTx(ctx, tx, acc)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	if !created {
		// Lost a creation race; the winner wrote the welcome entry.
		if err := tx.Rollback(ctx); err != nil {
			return nil, false, fmt.Errorf("rollback: %w", err)
		}
		existing, err := s.accounts.GetByID(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("load account: %w", err)
		}
		return existing, false, nil
	}
	if initialCredits > 0 {
		if err := s.credits.CreateTx(ctx, tx, &models.LedgerEntry{
			ID: uuid.New(), AccountID: id, Kind: models.EntryBonus, Amount: initialCredits,
			BalanceAfter: initialCredits, Description: "welcome credits",
		}); err != nil {
			return nil, false, fmt.Errorf("insert welcome entry: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return acc, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acc, err := s.accounts.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return acc, err
}

func (s *PostgresStore) Entries(ctx context.Context, id uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.credits.ListByAccountID(ctx, id, limit)
}

func (s *PostgresStore) Mutate(ctx context.Context, id uuid.UUID, reference string, decide DecideFunc) (*models.LedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	if reference != "" {
		exists, err := s.credits.ReferenceExistsTx(ctx, tx, reference)
		if err != nil {
			return nil, fmt.Errorf("check reference: %w", err)
		}
		if exists {
			return nil, ErrDuplicateReference
		}
	}

	entry, err := decide(acc)
	if err != nil || entry == nil {
		return nil, err
	}
	newBalance := acc.CreditBalance + entry.Amount
	if newBalance < 0 {
		return nil, ErrInsufficientFunds
	}
	if err := s.accounts.UpdateCreditBalance(ctx, tx, id, newBalance); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	e := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    id,
		Kind:         entry.Kind,
		Amount:       entry.Amount,
		BalanceAfter: newBalance,
		Description:  entry.Description,
		Reference:    reference,
	}
	if err := s.credits.CreateTx(ctx, tx, e); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Audit(ctx context.Context, id uuid.UUID) (*AuditReport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	sum, count, err := s.credits.TotalsByAccountIDTx(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("sum entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &AuditReport{AccountID: id, Balance: acc.CreditBalance, EntrySum: sum, EntryCount: count}, nil
}

// Package ledger moves credits. Every balance change is paired with exactly
// one append-only entry, so the sum of an account's entries always equals its
// balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/apperr"
	"github.com/pawhero/backend/internal/models"
)

type Ledger struct {
	store          Store
	initialCredits int
	log            *slog.Logger
}

func New(store Store, initialCredits int, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, initialCredits: initialCredits, log: log}
}

// Open returns the account for id, creating it with the free starting credits
// on first access.
func (l *Ledger) Open(ctx context.Context, id uuid.UUID, email string) (*models.Account, error) {
	acc, created, err := l.store.GetOrCreate(ctx, id, email, l.initialCredits)
	if err != nil {
		return nil, translate(err)
	}
	if created {
		l.log.Info("account created", "account_id", id, "initial_credits", l.initialCredits)
	}
	return acc, nil
}

func (l *Ledger) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acc, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return acc, nil
}

// Deduct removes amount credits. It never deducts partially: when the balance
// is short the call fails with insufficient_funds carrying the shortfall and
// nothing is written.
func (l *Ledger) Deduct(ctx context.Context, id uuid.UUID, amount int, description string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, apperr.Invalid("deduct amount must be positive")
	}
	entry, err := l.store.Mutate(ctx, id, "", func(acc *models.Account) (*models.LedgerEntry, error) {
		if acc.CreditBalance < amount {
			return nil, apperr.Insufficient(amount-acc.CreditBalance, ErrInsufficientFunds)
		}
		return &models.LedgerEntry{Kind: models.EntryDeduction, Amount: -amount, Description: description}, nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return entry, nil
}

// Add credits amount of the given kind. DEDUCTION is not a valid kind here.
func (l *Ledger) Add(ctx context.Context, id uuid.UUID, amount int, kind models.EntryKind, description string) (*models.LedgerEntry, error) {
	entry, _, err := l.add(ctx, "", id, amount, kind, description)
	return entry, err
}

// AddOnce is Add keyed by reference. A reference that was already applied is a
// no-op reported as applied=false.
func (l *Ledger) AddOnce(ctx context.Context, reference string, id uuid.UUID, amount int, kind models.EntryKind, description string) (*models.LedgerEntry, bool, error) {
	if reference == "" {
		return nil, false, apperr.Invalid("reference is required")
	}
	return l.add(ctx, reference, id, amount, kind, description)
}

func (l *Ledger) add(ctx context.Context, reference string, id uuid.UUID, amount int, kind models.EntryKind, description string) (*models.LedgerEntry, bool, error) {
	if amount <= 0 {
		return nil, false, apperr.Invalid("credit amount must be positive")
	}
	if !kind.Valid() || kind == models.EntryDeduction {
		return nil, false, apperr.Invalid("invalid credit kind %q", kind)
	}
	entry, err := l.store.Mutate(ctx, id, reference, func(*models.Account) (*models.LedgerEntry, error) {
		return &models.LedgerEntry{Kind: kind, Amount: amount, Description: description}, nil
	})
	if errors.Is(err, ErrDuplicateReference) {
		l.log.Info("ledger reference already applied", "account_id", id, "reference", reference)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translate(err)
	}
	return entry, true, nil
}

// DeductAtMost removes min(amount, balance) credits in one unit of work. It is
// used where the credits may already have been spent (payment disputes). A
// zero balance or a reused reference writes nothing.
func (l *Ledger) DeductAtMost(ctx context.Context, reference string, id uuid.UUID, amount int, description string) (deducted int, err error) {
	if amount <= 0 {
		return 0, apperr.Invalid("deduct amount must be positive")
	}
	entry, err := l.store.Mutate(ctx, id, reference, func(acc *models.Account) (*models.LedgerEntry, error) {
		n := min(amount, acc.CreditBalance)
		if n == 0 {
			return nil, nil
		}
		return &models.LedgerEntry{Kind: models.EntryDeduction, Amount: -n, Description: description}, nil
	})
	if errors.Is(err, ErrDuplicateReference) {
		return 0, nil
	}
	if err != nil {
		return 0, translate(err)
	}
	if entry == nil {
		return 0, nil
	}
	if -entry.Amount < amount {
		l.log.Warn("deduction clamped to balance", "account_id", id, "requested", amount, "deducted", -entry.Amount)
	}
	return -entry.Amount, nil
}

func (l *Ledger) Entries(ctx context.Context, id uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	entries, err := l.store.Entries(ctx, id, limit)
	if err != nil {
		return nil, translate(err)
	}
	return entries, nil
}

// AuditReport compares the stored balance with the sum of the entries.
type AuditReport struct {
	AccountID  uuid.UUID `json:"account_id"`
	Balance    int       `json:"balance"`
	EntrySum   int       `json:"entry_sum"`
	EntryCount int       `json:"entry_count"`
}

func (r AuditReport) Consistent() bool { return r.Balance == r.EntrySum }

// Audit compares the balance with the sum of the entries. Both are read
// under the account lock, so a concurrent mutation cannot skew the report.
func (l *Ledger) Audit(ctx context.Context, id uuid.UUID) (*AuditReport, error) {
	rep, err := l.store.Audit(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return rep, nil
}

// translate maps store errors onto the API taxonomy. Anything unrecognised is
// a storage failure.
func translate(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return apperr.NotFound("account not found", err)
	case errors.Is(err, ErrInsufficientFunds):
		return apperr.Insufficient(0, err)
	default:
		return apperr.Storage(fmt.Errorf("ledger: %w", err))
	}
}

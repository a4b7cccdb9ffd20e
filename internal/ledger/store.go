package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/models"
)

var (
	// ErrInsufficientFunds is returned when a mutation would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAccountNotFound is returned for an unknown account id.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateReference is returned when an entry with the same reference already exists.
	ErrDuplicateReference = errors.New("duplicate ledger reference")
)

// DecideFunc inspects the locked account and returns the entry to append.
// Only Kind, Amount (signed) and Description are read from the result; a nil
// entry with a nil error means nothing to write.
type DecideFunc func(acc *models.Account) (*models.LedgerEntry, error)

// Store is the storage collaborator of the ledger.
//
// Mutate is the only write path for balances. One call is one unit of work:
// lock the account row, refuse a reused reference, run decide on the locked
// balance, write the new balance and append the entry. Either all of it is
// committed or none of it. Concurrent calls for the same account must
// serialize on the row lock so decide always sees the latest committed
// balance (read-committed with SELECT ... FOR UPDATE, or equivalent).
type Store interface {
	// GetOrCreate returns the account, creating it with initialCredits (and a
	// matching BONUS entry) in one unit of work when it does not exist.
	GetOrCreate(ctx context.Context, id uuid.UUID, email string, initialCredits int) (acc *models.Account, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*models.Account, error)
	// Entries returns entries newest first; limit <= 0 returns all.
	Entries(ctx context.Context, id uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	Mutate(ctx context.Context, id uuid.UUID, reference string, decide DecideFunc) (*models.LedgerEntry, error)
	// Audit reads the balance and the entry totals from one consistent view,
	// holding off mutations of the account while it reads.
	Audit(ctx context.Context, id uuid.UUID) (*AuditReport, error)
}

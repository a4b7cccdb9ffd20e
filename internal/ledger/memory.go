package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/models"
)

// MemoryStore keeps accounts in process memory. Each account has its own
// mutex standing in for the row lock; it backs local development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*memAccount
	refs     map[string]struct{}
	now      func() time.Time
}

type memAccount struct {
	mu      sync.Mutex
	acc     models.Account
	entries []*models.LedgerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*memAccount),
		refs:     make(map[string]struct{}),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetOrCreate(_ context.Context, id uuid.UUID, email string, initialCredits int) (*models.Account, bool, error) {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		now := s.now()
		a = &memAccount{acc: models.Account{
			ID: id, Email: email, CreditBalance: initialCredits, CreatedAt: now, UpdatedAt: now,
		}}
		if initialCredits > 0 {
			a.entries = append(a.entries, &models.LedgerEntry{
				ID: uuid.New(), AccountID: id, Kind: models.EntryBonus, Amount: initialCredits,
				BalanceAfter: initialCredits, Description: "welcome credits", CreatedAt: now,
			})
		}
		s.accounts[id] = a
		cp := a.acc
		s.mu.Unlock()
		return &cp, true, nil
	}
	s.mu.Unlock()

	// Lock order is account then store, never the reverse.
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := a.acc
	return &cp, false, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Account, error) {
	a, ok := s.lookup(id)
	if !ok {
		return nil, ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := a.acc
	return &cp, nil
}

func (s *MemoryStore) Entries(_ context.Context, id uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	a, ok := s.lookup(id)
	if !ok {
		return nil, ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*models.LedgerEntry, 0, n)
	for i := len(a.entries) - 1; i >= 0 && len(out) < n; i-- {
		cp := *a.entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Mutate(_ context.Context, id uuid.UUID, reference string, decide DecideFunc) (*models.LedgerEntry, error) {
	a, ok := s.lookup(id)
	if !ok {
		return nil, ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if reference != "" && s.hasRef(reference) {
		return nil, ErrDuplicateReference
	}
	locked := a.acc
	entry, err := decide(&locked)
	if err != nil || entry == nil {
		return nil, err
	}
	newBalance := a.acc.CreditBalance + entry.Amount
	if newBalance < 0 {
		return nil, ErrInsufficientFunds
	}

	if reference != "" {
		s.mu.Lock()
		if _, dup := s.refs[reference]; dup {
			s.mu.Unlock()
			return nil, ErrDuplicateReference
		}
		s.refs[reference] = struct{}{}
		s.mu.Unlock()
	}
	now := s.now()
	a.acc.CreditBalance = newBalance
	a.acc.UpdatedAt = now
	e := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    id,
		Kind:         entry.Kind,
		Amount:       entry.Amount,
		BalanceAfter: newBalance,
		Description:  entry.Description,
		Reference:    reference,
		CreatedAt:    now,
	}
	a.entries = append(a.entries, e)
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Audit(_ context.Context, id uuid.UUID) (*AuditReport, error) {
	a, ok := s.lookup(id)
	if !ok {
		return nil, ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rep := &AuditReport{AccountID: id, Balance: a.acc.CreditBalance, EntryCount: len(a.entries)}
	for _, e := range a.entries {
		rep.EntrySum += e.Amount
	}
	return rep, nil
}

// SetAdmin flags an existing account as admin.
func (s *MemoryStore) SetAdmin(id uuid.UUID, isAdmin bool) error {
	a, ok := s.lookup(id)
	if !ok {
		return ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acc.IsAdmin = isAdmin
	return nil
}

func (s *MemoryStore) lookup(id uuid.UUID) (*memAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	return a, ok
}

func (s *MemoryStore) hasRef(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refs[reference]
	return ok
}

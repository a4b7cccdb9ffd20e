package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/pawhero/backend/internal/models"
)

// MemoryEventStore is the in-process EventStore.
type MemoryEventStore struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seen: make(map[string]string)}
}

func (s *MemoryEventStore) Claim(_ context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[eventID]; ok {
		return false, nil
	}
	s.seen[eventID] = eventType
	return true, nil
}

func (s *MemoryEventStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, eventID)
	return nil
}

// MemoryPurchaseStore is the in-process PurchaseStore.
type MemoryPurchaseStore struct {
	mu        sync.Mutex
	purchases map[string]models.Purchase
}

func NewMemoryPurchaseStore() *MemoryPurchaseStore {
	return &MemoryPurchaseStore{purchases: make(map[string]models.Purchase)}
}

func (s *MemoryPurchaseStore) Record(_ context.Context, p *models.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[p.PaymentIntentID]; ok {
		return nil
	}
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.purchases[p.PaymentIntentID] = cp
	return nil
}

func (s *MemoryPurchaseStore) Lookup(_ context.Context, paymentIntentID string) (*models.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[paymentIntentID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

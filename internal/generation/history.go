package generation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawhero/backend/internal/models"
)

// MemoryHistory is the in-process HistoryStore.
type MemoryHistory struct {
	mu      sync.Mutex
	records []*models.EditHistory
}

func NewMemoryHistory() *MemoryHistory { return &MemoryHistory{} }

func (m *MemoryHistory) Save(_ context.Context, h *models.EditHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.records = append(m.records, &cp)
	return nil
}

// ListByAccountID returns newest first; limit <= 0 means all.
func (m *MemoryHistory) ListByAccountID(_ context.Context, accountID uuid.UUID, limit int) ([]*models.EditHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EditHistory
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].AccountID != accountID {
			continue
		}
		cp := *m.records[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

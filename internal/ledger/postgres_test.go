package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawhero/backend/internal/repository"
)

// newPostgresLedger connects to TEST_DATABASE_URL and applies the schema.
func newPostgresLedger(t *testing.T) *Ledger {
	t.Helper()
	l, _ := newPostgresLedgerWithPool(t)
	return l
}

func newPostgresLedgerWithPool(t *testing.T) (*Ledger, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := repository.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	store := NewPostgresStore(pool, repository.NewAccountRepo(pool), repository.NewCreditRepo(pool))
	return New(store, 5, nil), pool
}

func TestPostgres_ConcurrentDeductRace(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	id := uuid.New()
	if _, err := l.Open(ctx, id, "race@example.com"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = l.Deduct(ctx, id, 4, "double tap")
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successes: got %d, want 1", ok)
	}
	rep, err := l.Audit(ctx, id)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !rep.Consistent() || rep.Balance != 1 {
		t.Fatalf("audit: %+v", rep)
	}
}

func TestPostgres_AddOnceReplay(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	id := uuid.New()
	if _, err := l.Open(ctx, id, "replay@example.com"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ref := "test:" + uuid.NewString()
	for i := 0; i < 3; i++ {
		if _, _, err := l.AddOnce(ctx, ref, id, 10, "PURCHASE", "pack"); err != nil {
			t.Fatalf("AddOnce %d: %v", i, err)
		}
	}
	rep, _ := l.Audit(ctx, id)
	if rep.Balance != 15 || !rep.Consistent() {
		t.Fatalf("audit: %+v", rep)
	}
}

func TestPostgres_OpenDoesNotWaitOnRowLock(t *testing.T) {
	l, pool := newPostgresLedgerWithPool(t)
	ctx := context.Background()
	id := uuid.New()
	if _, err := l.Open(ctx, id, "reader@example.com"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx)
	if _, err := repository.NewAccountRepo(pool).GetByIDForUpdate(ctx, tx, id); err != nil {
		t.Fatalf("lock: %v", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	acc, err := l.Open(openCtx, id, "reader@example.com")
	if err != nil {
		t.Fatalf("Open blocked behind a row lock: %v", err)
	}
	if acc.CreditBalance != 5 {
		t.Fatalf("balance: got %d, want 5", acc.CreditBalance)
	}
}

func TestPostgres_AuditConsistentWhileMutating(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()
	id := uuid.New()
	if _, err := l.Open(ctx, id, "audit@example.com"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, _ = l.Add(ctx, id, 1, "PURCHASE", "tick")
		}
	}()
	for i := 0; i < 50; i++ {
		rep, err := l.Audit(ctx, id)
		if err != nil {
			t.Fatalf("Audit: %v", err)
		}
		if !rep.Consistent() {
			t.Fatalf("audit %d saw a torn view: %+v", i, rep)
		}
	}
	<-done
}

// Package jobs holds the River workers that run outside the request path.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/pawhero/backend/internal/apperr"
	"github.com/pawhero/backend/internal/models"
)

// RefundCreditsArgs returns credits for generation units that were paid for
// but not delivered. Reference makes the refund idempotent across retries.
type RefundCreditsArgs struct {
	AccountID   uuid.UUID `json:"account_id"`
	Amount      int       `json:"amount"`
	Reference   string    `json:"reference"`
	Description string    `json:"description"`
}

func (RefundCreditsArgs) Kind() string { return "refund_credits" }

func (RefundCreditsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 25,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// RefundLedger is the ledger call the refund worker needs.
type RefundLedger interface {
	AddOnce(ctx context.Context, reference string, id uuid.UUID, amount int, kind models.EntryKind, description string) (*models.LedgerEntry, bool, error)
}

type RefundCreditsWorker struct {
	river.WorkerDefaults[RefundCreditsArgs]
	ledger RefundLedger
	log    *slog.Logger
}

func NewRefundCreditsWorker(ledger RefundLedger, log *slog.Logger) *RefundCreditsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RefundCreditsWorker{ledger: ledger, log: log}
}

func (w *RefundCreditsWorker) Timeout(*river.Job[RefundCreditsArgs]) time.Duration {
	return 30 * time.Second
}

func (w *RefundCreditsWorker) Work(ctx context.Context, job *river.Job[RefundCreditsArgs]) error {
	args := job.Args
	_, applied, err := w.ledger.AddOnce(ctx, args.Reference, args.AccountID, args.Amount, models.EntryRefund, args.Description)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindInvalidRequest:
			// Retrying cannot fix a missing account or a malformed refund.
			w.log.Error("refund cancelled", "account_id", args.AccountID, "reference", args.Reference, "error", err)
			return river.JobCancel(err)
		}
		return fmt.Errorf("refund %s: %w", args.Reference, err)
	}
	w.log.Info("refund applied", "account_id", args.AccountID, "amount", args.Amount,
		"reference", args.Reference, "applied", applied, "attempt", job.Attempt)
	return nil
}

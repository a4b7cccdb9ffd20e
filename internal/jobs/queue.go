package jobs

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/pawhero/backend/internal/generation"
)

// Inserter is satisfied by *river.Client[pgx.Tx].
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverQueue hands refunds the orchestrator could not commit to River.
type RiverQueue struct {
	client Inserter
	log    *slog.Logger
}

func NewRiverQueue(client Inserter, log *slog.Logger) *RiverQueue {
	if log == nil {
		log = slog.Default()
	}
	return &RiverQueue{client: client, log: log}
}

var _ generation.RefundQueue = (*RiverQueue)(nil)

func (q *RiverQueue) EnqueueRefund(ctx context.Context, r generation.Refund) error {
	res, err := q.client.Insert(ctx, RefundCreditsArgs{
		AccountID:   r.AccountID,
		Amount:      r.Amount,
		Reference:   r.Reference,
		Description: r.Description,
	}, nil)
	if err != nil {
		return err
	}
	q.log.Warn("refund queued", "account_id", r.AccountID, "amount", r.Amount,
		"reference", r.Reference, "job_id", res.Job.ID, "duplicate", res.UniqueSkippedAsDuplicate)
	return nil
}

// Workers registers every worker in this package.
func Workers(refund *RefundCreditsWorker, purge *PurgePaymentEventsWorker) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, refund)
	river.AddWorker(workers, purge)
	return workers
}

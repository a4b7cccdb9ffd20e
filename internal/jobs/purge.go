package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// DefaultEventRetention is how long webhook event ids are remembered. The
// provider stops redelivering long before this.
const DefaultEventRetention = 30 * 24 * time.Hour

type PurgePaymentEventsArgs struct {
	Retention time.Duration `json:"retention"`
}

func (PurgePaymentEventsArgs) Kind() string { return "purge_payment_events" }

type EventPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type PurgePaymentEventsWorker struct {
	river.WorkerDefaults[PurgePaymentEventsArgs]
	events EventPurger
	now    func() time.Time
	log    *slog.Logger
}

func NewPurgePaymentEventsWorker(events EventPurger, log *slog.Logger) *PurgePaymentEventsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PurgePaymentEventsWorker{events: events, now: time.Now, log: log}
}

func (w *PurgePaymentEventsWorker) Work(ctx context.Context, job *river.Job[PurgePaymentEventsArgs]) error {
	retention := job.Args.Retention
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	n, err := w.events.PurgeOlderThan(ctx, w.now().Add(-retention))
	if err != nil {
		return fmt.Errorf("purge payment events: %w", err)
	}
	w.log.Info("payment events purged", "deleted", n, "retention", retention.String())
	return nil
}

// PurgePaymentEventsPeriodic schedules the purge once a day.
func PurgePaymentEventsPeriodic() *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(24*time.Hour),
		func() (river.JobArgs, *river.InsertOpts) {
			return PurgePaymentEventsArgs{Retention: DefaultEventRetention}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

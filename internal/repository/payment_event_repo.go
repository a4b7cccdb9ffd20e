package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PaymentEventRepo records provider event ids that have been applied.
type PaymentEventRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentEventRepo(pool *pgxpool.Pool) *PaymentEventRepo {
	return &PaymentEventRepo{pool: pool}
}

// Claim records eventID. It returns false if the id was already recorded.
func (r *PaymentEventRepo) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO payment_events (event_id, event_type) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release forgets eventID so a redelivery is processed again.
func (r *PaymentEventRepo) Release(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM payment_events WHERE event_id = $1", eventID)
	return err
}

// PurgeOlderThan deletes records received before cutoff.
func (r *PaymentEventRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM payment_events WHERE received_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

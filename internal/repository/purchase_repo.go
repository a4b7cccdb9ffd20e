package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawhero/backend/internal/models"
)

// PurchaseRepo maps provider payment intents to the credits they bought.
type PurchaseRepo struct {
	pool *pgxpool.Pool
}

func NewPurchaseRepo(pool *pgxpool.Pool) *PurchaseRepo {
	return &PurchaseRepo{pool: pool}
}

// Record stores p unless its payment intent is already known.
func (r *PurchaseRepo) Record(ctx context.Context, p *models.Purchase) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_purchases (payment_intent_id, account_id, credits)
		VALUES ($1, $2, $3)
		ON CONFLICT (payment_intent_id) DO NOTHING
	`, p.PaymentIntentID, p.AccountID, p.Credits)
	return err
}

// Lookup returns nil, nil for an unknown payment intent.
func (r *PurchaseRepo) Lookup(ctx context.Context, paymentIntentID string) (*models.Purchase, error) {
	var p models.Purchase
	err := r.pool.QueryRow(ctx, `
		SELECT payment_intent_id, account_id, credits, created_at
		FROM payment_purchases WHERE payment_intent_id = $1
	`, paymentIntentID).Scan(&p.PaymentIntentID, &p.AccountID, &p.Credits, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawhero/backend/internal/models"
)

type HistoryRepo struct {
	pool *pgxpool.Pool
}

func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

func (r *HistoryRepo) Save(ctx context.Context, h *models.EditHistory) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO edit_history (id, account_id, style_id, prompt, input_urls, output_urls, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, h.ID, h.AccountID, h.StyleID, h.Prompt, h.InputURLs, h.OutputURLs, h.Cost).Scan(&h.CreatedAt)
}

// ListByAccountID returns history newest first. limit <= 0 returns all.
func (r *HistoryRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.EditHistory, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, style_id, prompt, input_urls, output_urls, cost, created_at
		FROM edit_history WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EditHistory
	for rows.Next() {
		var h models.EditHistory
		if err := rows.Scan(&h.ID, &h.AccountID, &h.StyleID, &h.Prompt, &h.InputURLs, &h.OutputURLs, &h.Cost, &h.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &h)
	}
	return list, rows.Err()
}

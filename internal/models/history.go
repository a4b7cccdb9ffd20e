package models

import (
	"time"

	"github.com/google/uuid"
)

// EditHistory summarizes one generation batch after refunds are reconciled.
type EditHistory struct {
	ID         uuid.UUID `json:"id"`
	AccountID  uuid.UUID `json:"account_id"`
	StyleID    string    `json:"style_id"`
	Prompt     string    `json:"prompt"`
	InputURLs  []string  `json:"input_urls"`
	OutputURLs []string  `json:"output_urls"`
	Cost       int       `json:"cost"`
	CreatedAt  time.Time `json:"created_at"`
}

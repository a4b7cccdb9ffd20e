package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultInitialCredits is granted as a BONUS entry when an account is first seen.
const DefaultInitialCredits = 5

type Account struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	CreditBalance int       `json:"credit_balance"`
	IsAdmin       bool      `json:"is_admin"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryPurchase  EntryKind = "PURCHASE"
	EntryDeduction EntryKind = "DEDUCTION"
	EntryRefund    EntryKind = "REFUND"
	EntryBonus     EntryKind = "BONUS"
)

// Valid reports whether k is one of the known kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryPurchase, EntryDeduction, EntryRefund, EntryBonus:
		return true
	}
	return false
}

// LedgerEntry is an immutable record of one balance mutation. Amount is signed:
// DEDUCTION entries are negative, everything else positive.
type LedgerEntry struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	Kind         EntryKind `json:"kind"`
	Amount       int       `json:"amount"`
	BalanceAfter int       `json:"balance_after"`
	Description  string    `json:"description"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Purchase records which account a provider payment credited and how much.
type Purchase struct {
	PaymentIntentID string    `json:"payment_intent_id"`
	AccountID       uuid.UUID `json:"account_id"`
	Credits         int       `json:"credits"`
	CreatedAt       time.Time `json:"created_at"`
}

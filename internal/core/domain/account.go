package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a user's on-chain address and the cached pending aggregates.
// Exactly one Account exists per User.
type Account struct {
	UserID         string          `json:"user_id"`
	Address        string          `json:"address"`
	PendingSend    decimal.Decimal `json:"pending_send"`    // Unsettled outgoing, raw units
	PendingReceive decimal.Decimal `json:"pending_receive"` // Unsettled incoming, raw units
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NodeBalance is the balance of an address as reported by the node.
type NodeBalance struct {
	Confirmed  decimal.Decimal
	Receivable decimal.Decimal
}

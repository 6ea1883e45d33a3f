package domain

import (
	"time"

	"github.com/google/uuid"
)

// GiveawayState represents the lifecycle of a giveaway pool.
type GiveawayState string

const (
	GiveawayStateOpen      GiveawayState = "open"
	GiveawayStatePaidOut   GiveawayState = "paid_out"
	GiveawayStateCancelled GiveawayState = "cancelled"
)

// Giveaway is a pool account funded by ordinary transactions and paid out
// to a single winner with another ordinary transaction.
type Giveaway struct {
	ID            uuid.UUID     `json:"id"`
	CreatorUserID string        `json:"creator_user_id"`
	PoolUserID    string        `json:"pool_user_id"`
	State         GiveawayState `json:"state"`
	WinnerUserID  *string       `json:"winner_user_id,omitempty"`
	PayoutTxID    *uuid.UUID    `json:"payout_tx_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// IsOpen returns true if the giveaway accepts funding.
func (g *Giveaway) IsOpen() bool {
	return g.State == GiveawayStateOpen
}

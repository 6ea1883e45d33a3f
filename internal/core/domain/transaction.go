package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionKind represents the purpose of a transfer.
type TransactionKind string

const (
	TransactionKindTip            TransactionKind = "tip"
	TransactionKindWithdraw       TransactionKind = "withdraw"
	TransactionKindGiveawayFund   TransactionKind = "giveaway_fund"
	TransactionKindGiveawayPayout TransactionKind = "giveaway_payout"
)

// TransactionState represents the settlement lifecycle of a transaction.
//
//	pending -> settling -> settled
//	pending -> settling -> pending (retry) -> ... -> failed
type TransactionState string

const (
	TransactionStatePending  TransactionState = "pending"
	TransactionStateSettling TransactionState = "settling"
	TransactionStateSettled  TransactionState = "settled"
	TransactionStateFailed   TransactionState = "failed"
)

// Transaction is a transfer intent together with its settlement state.
type Transaction struct {
	ID                 uuid.UUID        `json:"id"`
	IdempotencyKey     uuid.UUID        `json:"idempotency_key"` // Sent to the node as the send id
	Kind               TransactionKind  `json:"kind"`
	SourceUserID       string           `json:"source_user_id"`
	SourceAddress      string           `json:"source_address"`
	DestinationUserID  *string          `json:"destination_user_id,omitempty"` // nil for withdrawals
	DestinationAddress string           `json:"destination_address"`
	GiveawayID         *uuid.UUID       `json:"giveaway_id,omitempty"`
	Amount             decimal.Decimal  `json:"amount"` // Raw units
	State              TransactionState `json:"state"`
	Attempts           int              `json:"attempts"`
	OnchainID          *string          `json:"onchain_id,omitempty"` // Block hash, set once
	LastError          *string          `json:"last_error,omitempty"`
	NextAttemptAt      *time.Time       `json:"next_attempt_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	ModifiedAt         time.Time        `json:"modified_at"`
}

// IsTerminal returns true if the transaction is settled or failed.
func (t *Transaction) IsTerminal() bool {
	return t.State == TransactionStateSettled || t.State == TransactionStateFailed
}

// IsInternal returns true if the destination is an account held by this ledger.
func (t *Transaction) IsInternal() bool {
	return t.DestinationUserID != nil
}

// SameIntent reports whether other describes the same transfer. Used to
// detect an idempotency key being reused for a different request.
func (t *Transaction) SameIntent(other *Transaction) bool {
	if t.Kind != other.Kind ||
		t.SourceUserID != other.SourceUserID ||
		t.DestinationAddress != other.DestinationAddress ||
		!t.Amount.Equal(other.Amount) {
		return false
	}
	if (t.GiveawayID == nil) != (other.GiveawayID == nil) {
		return false
	}
	return t.GiveawayID == nil || *t.GiveawayID == *other.GiveawayID
}

// AccountUserIDs returns the user ids whose aggregates this transaction touches.
func (t *Transaction) AccountUserIDs() []string {
	if t.DestinationUserID != nil && *t.DestinationUserID != t.SourceUserID {
		return []string{t.SourceUserID, *t.DestinationUserID}
	}
	return []string{t.SourceUserID}
}

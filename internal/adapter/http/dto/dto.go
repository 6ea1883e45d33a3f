package dto

import (
	"time"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amounts are accepted either in raw units ("amount") or in whole coins
// ("units"), both as decimal strings. Exactly one must be set.

// RegisterUserRequest is the request body for user upsert.
type RegisterUserRequest struct {
	UserID      string `json:"user_id" binding:"required,max=64,user_id"`
	DisplayName string `json:"display_name" binding:"max=100"`
}

// TipRequest is the request body for a user-to-user tip.
type TipRequest struct {
	SenderID       string  `json:"sender_id" binding:"required,max=64,user_id"`
	RecipientID    string  `json:"recipient_id" binding:"required,max=64,user_id"`
	Amount         string  `json:"amount" binding:"required_without=Units,excluded_with=Units,omitempty,numeric"`
	Units          string  `json:"units" binding:"omitempty,numeric"`
	IdempotencyKey *string `json:"idempotency_key,omitempty" binding:"omitempty,uuid"`
}

// WithdrawRequest is the request body for a withdrawal. The address is
// checked by the ledger so a bad one reports an invalid destination.
type WithdrawRequest struct {
	SenderID       string  `json:"sender_id" binding:"required,max=64,user_id"`
	Address        string  `json:"address" binding:"required,max=80"`
	Amount         string  `json:"amount" binding:"required_without=Units,excluded_with=Units,omitempty,numeric"`
	Units          string  `json:"units" binding:"omitempty,numeric"`
	IdempotencyKey *string `json:"idempotency_key,omitempty" binding:"omitempty,uuid"`
}

// CreateGiveawayRequest is the request body for opening a giveaway.
type CreateGiveawayRequest struct {
	CreatorID string `json:"creator_id" binding:"required,max=64,user_id"`
}

// FundGiveawayRequest is the request body for contributing to a giveaway.
type FundGiveawayRequest struct {
	SenderID       string  `json:"sender_id" binding:"required,max=64,user_id"`
	Amount         string  `json:"amount" binding:"required_without=Units,excluded_with=Units,omitempty,numeric"`
	Units          string  `json:"units" binding:"omitempty,numeric"`
	IdempotencyKey *string `json:"idempotency_key,omitempty" binding:"omitempty,uuid"`
}

// PayoutRequest is the request body for paying a giveaway to its winner.
type PayoutRequest struct {
	WinnerID string `json:"winner_id" binding:"required,max=64,user_id"`
}

// ParseAmount returns the raw amount from whichever of raw or units is set.
func ParseAmount(raw, units string) (decimal.Decimal, error) {
	if units != "" {
		return domain.ParseUnits(units)
	}
	return domain.ParseRaw(raw)
}

// ParseIdempotencyKey prefers the body field and falls back to the header
// value. It returns nil when neither is set.
func ParseIdempotencyKey(body *string, header string) (*uuid.UUID, error) {
	s := header
	if body != nil && *body != "" {
		s = *body
	}
	if s == "" {
		return nil, nil
	}
	key, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// UserResponse is the response body for a registered user.
type UserResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Address     string `json:"address"`
	Frozen      bool   `json:"frozen"`
	CreatedAt   string `json:"created_at"`
}

// BalanceResponse is the response body for a balance query. Amounts are raw
// units; Display is the available balance in whole coins.
type BalanceResponse struct {
	UserID         string `json:"user_id"`
	Address        string `json:"address"`
	Confirmed      string `json:"confirmed"`
	Receivable     string `json:"receivable"`
	PendingSend    string `json:"pending_send"`
	PendingReceive string `json:"pending_receive"`
	Available      string `json:"available"`
	Display        string `json:"display"`
}

// TransactionResponse is the response body for a ledger transaction.
type TransactionResponse struct {
	ID                 string  `json:"id"`
	IdempotencyKey     string  `json:"idempotency_key"`
	Kind               string  `json:"kind"`
	State              string  `json:"state"`
	SourceUserID       string  `json:"source_user_id"`
	DestinationUserID  *string `json:"destination_user_id,omitempty"`
	DestinationAddress string  `json:"destination_address"`
	GiveawayID         *string `json:"giveaway_id,omitempty"`
	Amount             string  `json:"amount"`
	Attempts           int     `json:"attempts"`
	OnchainID          *string `json:"onchain_id,omitempty"`
	LastError          *string `json:"last_error,omitempty"`
	NextAttemptAt      *string `json:"next_attempt_at,omitempty"`
	CreatedAt          string  `json:"created_at"`
	ModifiedAt         string  `json:"modified_at"`
}

// GiveawayResponse is the response body for a giveaway.
type GiveawayResponse struct {
	ID            string  `json:"id"`
	CreatorUserID string  `json:"creator_user_id"`
	PoolUserID    string  `json:"pool_user_id"`
	State         string  `json:"state"`
	WinnerUserID  *string `json:"winner_user_id,omitempty"`
	PayoutTxID    *string `json:"payout_tx_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
	EndedAt       *string `json:"ended_at,omitempty"`
}

// TransactionListResponse wraps a paginated transaction list.
type TransactionListResponse struct {
	Items      []TransactionResponse `json:"items"`
	Total      int64                 `json:"total"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	TotalPages int                   `json:"total_pages"`
}

// StatsResponse is the response body for ledger statistics.
type StatsResponse struct {
	Pending  int64 `json:"pending"`
	Settling int64 `json:"settling"`
	Settled  int64 `json:"settled"`
	Failed   int64 `json:"failed"`
}

// FreezeResponse reports a user's frozen flag after a change.
type FreezeResponse struct {
	UserID string `json:"user_id"`
	Frozen bool   `json:"frozen"`
}

func NewUserResponse(user *domain.User, account *domain.Account) UserResponse {
	resp := UserResponse{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Frozen:      user.Frozen,
		CreatedAt:   formatTime(user.CreatedAt),
	}
	if account != nil {
		resp.Address = account.Address
	}
	return resp
}

func NewBalanceResponse(view *ports.BalanceView) BalanceResponse {
	return BalanceResponse{
		UserID:         view.UserID,
		Address:        view.Address,
		Confirmed:      view.Confirmed.String(),
		Receivable:     view.Receivable.String(),
		PendingSend:    view.PendingSend.String(),
		PendingReceive: view.PendingReceive.String(),
		Available:      view.Available.String(),
		Display:        domain.FormatUnits(view.Available),
	}
}

func NewTransactionResponse(tx *domain.Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:                 tx.ID.String(),
		IdempotencyKey:     tx.IdempotencyKey.String(),
		Kind:               string(tx.Kind),
		State:              string(tx.State),
		SourceUserID:       tx.SourceUserID,
		DestinationUserID:  tx.DestinationUserID,
		DestinationAddress: tx.DestinationAddress,
		Amount:             tx.Amount.String(),
		Attempts:           tx.Attempts,
		OnchainID:          tx.OnchainID,
		LastError:          tx.LastError,
		CreatedAt:          formatTime(tx.CreatedAt),
		ModifiedAt:         formatTime(tx.ModifiedAt),
	}
	if tx.GiveawayID != nil {
		s := tx.GiveawayID.String()
		resp.GiveawayID = &s
	}
	if tx.NextAttemptAt != nil {
		s := formatTime(*tx.NextAttemptAt)
		resp.NextAttemptAt = &s
	}
	return resp
}

func NewGiveawayResponse(g *domain.Giveaway) GiveawayResponse {
	resp := GiveawayResponse{
		ID:            g.ID.String(),
		CreatorUserID: g.CreatorUserID,
		PoolUserID:    g.PoolUserID,
		State:         string(g.State),
		WinnerUserID:  g.WinnerUserID,
		CreatedAt:     formatTime(g.CreatedAt),
	}
	if g.PayoutTxID != nil {
		s := g.PayoutTxID.String()
		resp.PayoutTxID = &s
	}
	if g.EndedAt != nil {
		s := formatTime(*g.EndedAt)
		resp.EndedAt = &s
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

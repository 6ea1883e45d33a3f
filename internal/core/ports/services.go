package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"time"

	"tipledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NodeClient talks to the wallet daemon.
type NodeClient interface {
	CreateAccount(ctx context.Context) (string, error)
	GetBalance(ctx context.Context, address string) (domain.NodeBalance, error)
	// Send broadcasts a transfer. The idempotency key is passed to the node as
	// a deduplication token: re-sending the same key returns the same block hash.
	// An empty hash means the attempt produced no confirmed identifier.
	Send(ctx context.Context, idempotencyKey uuid.UUID, source, destination string, amount decimal.Decimal) (string, error)
}

// AccountLocker serializes settlement per source account across processes.
type AccountLocker interface {
	// Acquire blocks up to timeout. Returns false if the lock is still held elsewhere.
	Acquire(ctx context.Context, key string, timeout time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Notifier delivers best-effort messages to chat users.
type Notifier interface {
	Notify(ctx context.Context, userID string, message string) error
}

// SettlementQueue accepts transactions for asynchronous settlement.
type SettlementQueue interface {
	Enqueue(id uuid.UUID)
	EnqueueAt(id uuid.UUID, at time.Time)
}

// Ledger is the subset of ledger operations the settlement worker drives.
type Ledger interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	MarkSettling(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSettled(ctx context.Context, id uuid.UUID, onchainID string) (*domain.Transaction, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error)
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	ListRecoverable(ctx context.Context) ([]domain.Transaction, error)
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
	BuildCanonicalString(method, path string, timestamp int64, nonce string, body string) string
}

// TokenService handles operator JWT operations.
type TokenService interface {
	Generate(operatorID string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	OperatorID string
}

// IdempotencyCache is the Redis-layer idempotency lookup (fast path):
// request idempotency key -> transaction id.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached value or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NonceStore manages nonce uniqueness for replay attack prevention.
type NonceStore interface {
	// CheckAndSet atomically checks if nonce exists, sets it if not.
	// Returns true if nonce is new (valid), false if already used.
	CheckAndSet(ctx context.Context, clientID string, nonce string, ttl time.Duration) (bool, error)
}

// --- Service Ports (Business Logic) ---

// NewTransaction is the input to ledger transaction creation.
// DestinationAddress is only read when DestinationUserID is nil.
type NewTransaction struct {
	IdempotencyKey     uuid.UUID
	Kind               domain.TransactionKind
	SourceUserID       string
	DestinationUserID  *string
	DestinationAddress string
	GiveawayID         *uuid.UUID
	Amount             decimal.Decimal
}

// AccountService manages users, accounts and balances.
type AccountService interface {
	RegisterUser(ctx context.Context, userID, displayName string) (*domain.User, *domain.Account, error)
	// EnsureAccount creates the user and its node account on first need.
	EnsureAccount(ctx context.Context, userID string) (*domain.Account, error)
	GetBalance(ctx context.Context, userID string) (*BalanceView, error)
	SetFrozen(ctx context.Context, userID string, frozen bool) error
}

// BalanceView is the balance of a user's account as shown to the user.
type BalanceView struct {
	UserID         string          `json:"user_id"`
	Address        string          `json:"address"`
	Confirmed      decimal.Decimal `json:"confirmed"`
	Receivable     decimal.Decimal `json:"receivable"`
	PendingSend    decimal.Decimal `json:"pending_send"`
	PendingReceive decimal.Decimal `json:"pending_receive"`
	Available      decimal.Decimal `json:"available"`
}

// TransferService turns validated intents into queued ledger transactions.
type TransferService interface {
	RequestTip(ctx context.Context, req TipRequest) (*domain.Transaction, error)
	RequestWithdraw(ctx context.Context, req WithdrawRequest) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListFailed(ctx context.Context, page, pageSize int) ([]domain.Transaction, int64, error)
	Replay(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
}

// TipRequest holds validated input for a user-to-user tip.
type TipRequest struct {
	SenderID       string
	RecipientID    string
	Amount         decimal.Decimal
	IdempotencyKey *uuid.UUID // nil: generate
}

// WithdrawRequest holds validated input for a withdrawal to an external address.
type WithdrawRequest struct {
	SenderID       string
	Address        string
	Amount         decimal.Decimal
	IdempotencyKey *uuid.UUID
}

// GiveawayService manages giveaway pools.
type GiveawayService interface {
	Create(ctx context.Context, creatorID string) (*domain.Giveaway, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Giveaway, error)
	Fund(ctx context.Context, req GiveawayFundRequest) (*domain.Transaction, error)
	Payout(ctx context.Context, id uuid.UUID, winnerID string) (*domain.Transaction, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.Giveaway, error)
}

// GiveawayFundRequest holds validated input for funding a giveaway pool.
type GiveawayFundRequest struct {
	SenderID       string
	GiveawayID     uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey *uuid.UUID
}

// ReportingService summarizes the ledger for operators.
type ReportingService interface {
	GetStats(ctx context.Context) (*LedgerStats, error)
}

// LedgerStats counts transactions per state.
type LedgerStats struct {
	Pending  int64 `json:"pending"`
	Settling int64 `json:"settling"`
	Settled  int64 `json:"settled"`
	Failed   int64 `json:"failed"`
}

// AuditService records operator actions.
type AuditService interface {
	// Log records an entry asynchronously; failures are logged, never returned.
	Log(ctx context.Context, entry *domain.AuditLog)
}

package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"

	"tipledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	// Upsert inserts the user or, if it exists, updates a non-empty display name.
	Upsert(ctx context.Context, user *domain.User) (*domain.User, error)
	GetByID(ctx context.Context, id string) (*domain.User, error)
	SetFrozen(ctx context.Context, id string, frozen bool) error
}

// AccountRepository defines persistence operations for accounts.
// Methods accepting pgx.Tx are used inside transaction blocks for pessimistic locking.
type AccountRepository interface {
	// Create inserts the account unless the user already has one, and returns the stored row.
	Create(ctx context.Context, account *domain.Account) (*domain.Account, error)
	GetByUserID(ctx context.Context, userID string) (*domain.Account, error)
	// LockForUpdate locks the accounts of the given users in user id order.
	LockForUpdate(ctx context.Context, tx pgx.Tx, userIDs ...string) (map[string]*domain.Account, error)
	AdjustPending(ctx context.Context, tx pgx.Tx, userID string, sendDelta, receiveDelta decimal.Decimal) error
}

// TransactionRepository defines persistence operations for ledger transactions.
type TransactionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, transaction *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key uuid.UUID) (*domain.Transaction, error)
	// CompareAndSetState moves id from one state to another. Returns false if
	// the stored state was not `from`.
	CompareAndSetState(ctx context.Context, id uuid.UUID, from, to domain.TransactionState) (bool, error)
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	// Update persists the mutable settlement fields. onchain_id is never overwritten once set.
	Update(ctx context.Context, tx pgx.Tx, transaction *domain.Transaction) error
	ListByStates(ctx context.Context, states []domain.TransactionState, limit, offset int) ([]domain.Transaction, error)
	CountByState(ctx context.Context, state domain.TransactionState) (int64, error)
}

// GiveawayRepository defines persistence operations for giveaways.
type GiveawayRepository interface {
	Create(ctx context.Context, giveaway *domain.Giveaway) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Giveaway, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Giveaway, error)
	Update(ctx context.Context, tx pgx.Tx, giveaway *domain.Giveaway) error
}

// AuditRepository persists operator audit logs.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

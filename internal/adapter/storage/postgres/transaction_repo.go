package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tipledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, idempotency_key, kind, source_user_id, source_address,
	destination_user_id, destination_address, giveaway_id, amount::text, state, attempts,
	onchain_id, last_error, next_attempt_at, created_at, modified_at`

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// Create inserts a new transaction within a database transaction.
func (r *TransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	query := `INSERT INTO transactions (id, idempotency_key, kind, source_user_id, source_address,
		destination_user_id, destination_address, giveaway_id, amount, state, attempts,
		onchain_id, last_error, next_attempt_at, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15, $16)`

	_, err := tx.Exec(ctx, query,
		t.ID, t.IdempotencyKey, t.Kind, t.SourceUserID, t.SourceAddress,
		t.DestinationUserID, t.DestinationAddress, t.GiveawayID, t.Amount.String(), t.State, t.Attempts,
		t.OnchainID, t.LastError, t.NextAttemptAt, t.CreatedAt, t.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by UUID.
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUpdate fetches and row-locks a transaction within tx.
func (r *TransactionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	return scanTransaction(tx.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey fetches a transaction by its idempotency key.
func (r *TransactionRepo) GetByIdempotencyKey(ctx context.Context, key uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, key))
}

// CompareAndSetState moves a transaction between states atomically.
func (r *TransactionRepo) CompareAndSetState(ctx context.Context, id uuid.UUID, from, to domain.TransactionState) (bool, error) {
	query := `UPDATE transactions SET state = $3, modified_at = $4 WHERE id = $1 AND state = $2`

	tag, err := r.pool.Exec(ctx, query, id, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("compare and set transaction state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (r *TransactionRepo) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	query := `UPDATE transactions SET attempts = attempts + 1, modified_at = $2 WHERE id = $1 RETURNING attempts`

	var attempts int
	if err := r.pool.QueryRow(ctx, query, id, time.Now().UTC()).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("transaction not found: %s", id)
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// Update persists the settlement fields of a transaction within tx.
func (r *TransactionRepo) Update(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	query := `UPDATE transactions SET
		state = $2, attempts = $3, onchain_id = COALESCE(onchain_id, $4),
		last_error = $5, next_attempt_at = $6, modified_at = $7
		WHERE id = $1`

	tag, err := tx.Exec(ctx, query,
		t.ID, t.State, t.Attempts, t.OnchainID, t.LastError, t.NextAttemptAt, t.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction not found: %s", t.ID)
	}
	return nil
}

// ListByStates returns transactions in any of the given states, oldest
// first. limit <= 0 returns all rows.
func (r *TransactionRepo) ListByStates(ctx context.Context, states []domain.TransactionState, limit, offset int) ([]domain.Transaction, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE state = ANY($1) ORDER BY created_at, id`
	args := []any{names}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransactionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txns, nil
}

// CountByState counts transactions in a state.
func (r *TransactionRepo) CountByState(ctx context.Context, state domain.TransactionState) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE state = $1`, state).Scan(&total); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return total, nil
}

// scanTransaction scans a single row, mapping pgx.ErrNoRows to (nil, nil).
func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	t, err := scanTransactionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}

func scanTransactionRow(row pgx.Row) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	var amount string
	err := row.Scan(
		&t.ID, &t.IdempotencyKey, &t.Kind, &t.SourceUserID, &t.SourceAddress,
		&t.DestinationUserID, &t.DestinationAddress, &t.GiveawayID, &amount, &t.State, &t.Attempts,
		&t.OnchainID, &t.LastError, &t.NextAttemptAt, &t.CreatedAt, &t.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return t, nil
}

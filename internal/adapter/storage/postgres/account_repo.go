package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tipledger/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const accountColumns = `user_id, address, pending_send::text, pending_receive::text, created_at, updated_at`

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct {
	pool Pool
}

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Create inserts the account unless the user already has one. The stored
// row is returned either way, so concurrent lazy creation converges.
func (r *AccountRepo) Create(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	now := time.Now().UTC()
	query := `INSERT INTO accounts (user_id, address, pending_send, pending_receive, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := r.pool.Exec(ctx, query, a.UserID, a.Address, now); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	stored, err := r.GetByUserID(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("account for user %s vanished after insert", a.UserID)
	}
	return stored, nil
}

// GetByUserID fetches a user's account (non-locking read).
func (r *AccountRepo) GetByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`

	a, err := scanAccount(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account by user id: %w", err)
	}
	return a, nil
}

// LockForUpdate acquires row locks on the given users' accounts within tx.
// Rows are locked in user id order so that two transactions touching the
// same pair of accounts cannot deadlock. Missing accounts are absent from the map.
func (r *AccountRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, userIDs ...string) (map[string]*domain.Account, error) {
	ids := sortedUnique(userIDs)
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`

	rows, err := tx.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("lock accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*domain.Account, len(ids))
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan locked account: %w", err)
		}
		out[a.UserID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locked accounts: %w", err)
	}
	return out, nil
}

// AdjustPending adds the deltas (which may be negative) to the pending aggregates.
func (r *AccountRepo) AdjustPending(ctx context.Context, tx pgx.Tx, userID string, sendDelta, receiveDelta decimal.Decimal) error {
	query := `UPDATE accounts SET
		pending_send = pending_send + $2::numeric,
		pending_receive = pending_receive + $3::numeric,
		updated_at = $4
		WHERE user_id = $1`

	tag, err := tx.Exec(ctx, query, userID, sendDelta.String(), receiveDelta.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("adjust pending aggregates: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account not found: %s", userID)
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	a := &domain.Account{}
	var pendingSend, pendingReceive string
	if err := row.Scan(&a.UserID, &a.Address, &pendingSend, &pendingReceive, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.PendingSend, err = decimal.NewFromString(pendingSend); err != nil {
		return nil, fmt.Errorf("parse pending_send: %w", err)
	}
	if a.PendingReceive, err = decimal.NewFromString(pendingReceive); err != nil {
		return nil, fmt.Errorf("parse pending_receive: %w", err)
	}
	return a, nil
}

func sortedUnique(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tipledger/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// UserRepo implements ports.UserRepository.
type UserRepo struct {
	pool Pool
}

// NewUserRepo creates a new UserRepo.
func NewUserRepo(pool Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// Upsert inserts a user, or refreshes the display name of an existing one.
// An empty display name never overwrites a stored one.
func (r *UserRepo) Upsert(ctx context.Context, u *domain.User) (*domain.User, error) {
	query := `INSERT INTO users (id, display_name, frozen, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
			updated_at = EXCLUDED.updated_at
		RETURNING id, display_name, frozen, created_at, updated_at`

	out := &domain.User{}
	err := r.pool.QueryRow(ctx, query, u.ID, u.DisplayName, time.Now().UTC()).Scan(
		&out.ID, &out.DisplayName, &out.Frozen, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return out, nil
}

// GetByID fetches a user by platform id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT id, display_name, frozen, created_at, updated_at FROM users WHERE id = $1`

	u := &domain.User{}
	err := r.pool.QueryRow(ctx, query, id).Scan(&u.ID, &u.DisplayName, &u.Frozen, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// SetFrozen sets or clears the frozen flag.
func (r *UserRepo) SetFrozen(ctx context.Context, id string, frozen bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET frozen = $2, updated_at = $3 WHERE id = $1`, id, frozen, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set user frozen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

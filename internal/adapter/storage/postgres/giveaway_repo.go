package postgres

import (
	"context"
	"errors"
	"fmt"

	"tipledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const giveawayColumns = `id, creator_user_id, pool_user_id, state, winner_user_id, payout_tx_id, created_at, ended_at`

// GiveawayRepo implements ports.GiveawayRepository.
type GiveawayRepo struct {
	pool Pool
}

// NewGiveawayRepo creates a new GiveawayRepo.
func NewGiveawayRepo(pool Pool) *GiveawayRepo {
	return &GiveawayRepo{pool: pool}
}

// Create inserts a new giveaway.
func (r *GiveawayRepo) Create(ctx context.Context, g *domain.Giveaway) error {
	query := `INSERT INTO giveaways (` + giveawayColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		g.ID, g.CreatorUserID, g.PoolUserID, g.State, g.WinnerUserID, g.PayoutTxID, g.CreatedAt, g.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert giveaway: %w", err)
	}
	return nil
}

// GetByID fetches a giveaway by id.
func (r *GiveawayRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Giveaway, error) {
	return scanGiveaway(r.pool.QueryRow(ctx, `SELECT `+giveawayColumns+` FROM giveaways WHERE id = $1`, id))
}

// GetByIDForUpdate fetches and row-locks a giveaway within tx.
func (r *GiveawayRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Giveaway, error) {
	return scanGiveaway(tx.QueryRow(ctx, `SELECT `+giveawayColumns+` FROM giveaways WHERE id = $1 FOR UPDATE`, id))
}

// Update persists state, winner, payout and end time.
func (r *GiveawayRepo) Update(ctx context.Context, tx pgx.Tx, g *domain.Giveaway) error {
	query := `UPDATE giveaways SET state = $2, winner_user_id = $3, payout_tx_id = $4, ended_at = $5 WHERE id = $1`

	tag, err := tx.Exec(ctx, query, g.ID, g.State, g.WinnerUserID, g.PayoutTxID, g.EndedAt)
	if err != nil {
		return fmt.Errorf("update giveaway: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("giveaway not found: %s", g.ID)
	}
	return nil
}

func scanGiveaway(row pgx.Row) (*domain.Giveaway, error) {
	g := &domain.Giveaway{}
	err := row.Scan(&g.ID, &g.CreatorUserID, &g.PoolUserID, &g.State, &g.WinnerUserID, &g.PayoutTxID, &g.CreatedAt, &g.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan giveaway: %w", err)
	}
	return g, nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// GiveawayServiceImpl implements ports.GiveawayService.
// Funding and payout hold the giveaway row lock across the ledger write,
// so no funds can enter a pool after it was paid out or cancelled.
type GiveawayServiceImpl struct {
	giveawayRepo ports.GiveawayRepository
	accountRepo  ports.AccountRepository
	transactor   ports.DBTransactor
	node         ports.NodeClient
	ledger       *LedgerService
	transfers    *TransferServiceImpl
	accountSvc   ports.AccountService
	log          zerolog.Logger
	now          func() time.Time
}

// NewGiveawayService creates a new GiveawayServiceImpl.
func NewGiveawayService(
	giveawayRepo ports.GiveawayRepository,
	accountRepo ports.AccountRepository,
	transactor ports.DBTransactor,
	node ports.NodeClient,
	ledger *LedgerService,
	transfers *TransferServiceImpl,
	accountSvc ports.AccountService,
	log zerolog.Logger,
) *GiveawayServiceImpl {
	return &GiveawayServiceImpl{
		giveawayRepo: giveawayRepo,
		accountRepo:  accountRepo,
		transactor:   transactor,
		node:         node,
		ledger:       ledger,
		transfers:    transfers,
		accountSvc:   accountSvc,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a giveaway with a fresh pool account.
func (s *GiveawayServiceImpl) Create(ctx context.Context, creatorID string) (*domain.Giveaway, error) {
	if err := s.transfers.checkSender(ctx, creatorID); err != nil {
		return nil, err
	}
	if _, err := s.accountSvc.EnsureAccount(ctx, creatorID); err != nil {
		return nil, err
	}

	id := uuid.New()
	g := &domain.Giveaway{
		ID:            id,
		CreatorUserID: creatorID,
		PoolUserID:    domain.GiveawayPoolUserID(id),
		State:         domain.GiveawayStateOpen,
		CreatedAt:     s.now(),
	}
	if _, err := s.accountSvc.EnsureAccount(ctx, g.PoolUserID); err != nil {
		return nil, err
	}
	if err := s.giveawayRepo.Create(ctx, g); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create giveaway: %w", err))
	}

	s.log.Info().Str("giveaway_id", id.String()).Str("user_id", creatorID).Msg("Giveaway created")
	return g, nil
}

// Get returns a giveaway by id.
func (s *GiveawayServiceImpl) Get(ctx context.Context, id uuid.UUID) (*domain.Giveaway, error) {
	g, err := s.giveawayRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get giveaway: %w", err))
	}
	if g == nil {
		return nil, apperror.ErrNotFound("Giveaway")
	}
	return g, nil
}

// Fund moves funds from a user into an open giveaway's pool.
func (s *GiveawayServiceImpl) Fund(ctx context.Context, req ports.GiveawayFundRequest) (*domain.Transaction, error) {
	if err := domain.CheckRaw(req.Amount); err != nil {
		return nil, apperror.ErrInvalidAmount()
	}

	giveawayID := req.GiveawayID
	ntx := ports.NewTransaction{
		IdempotencyKey: keyOrNew(req.IdempotencyKey),
		Kind:           domain.TransactionKindGiveawayFund,
		SourceUserID:   req.SenderID,
		GiveawayID:     &giveawayID,
		Amount:         req.Amount,
	}

	// A retried request is answered even if the giveaway has closed since.
	if existing, err := s.ledger.findByKey(ctx, ntx); existing != nil || err != nil {
		return existing, err
	}

	if err := s.transfers.checkSender(ctx, req.SenderID); err != nil {
		return nil, err
	}
	if _, err := s.accountSvc.EnsureAccount(ctx, req.SenderID); err != nil {
		return nil, err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	g, err := s.lockOpen(ctx, dbTx, req.GiveawayID)
	if err != nil {
		return nil, err
	}
	if g.PoolUserID == req.SenderID {
		return nil, apperror.ErrInvalidDestination("pool cannot fund itself")
	}

	pool := g.PoolUserID
	ntx.DestinationUserID = &pool
	txn, created, err := s.ledger.createInTx(ctx, dbTx, ntx)
	if err != nil || !created {
		return txn, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	s.ledger.logCreated(txn)
	s.transfers.queue.Enqueue(txn.ID)
	return txn, nil
}

// Payout sends the pool's whole available balance to the winner and closes
// the giveaway. Repeating a payout to the same winner returns the original
// transaction.
func (s *GiveawayServiceImpl) Payout(ctx context.Context, id uuid.UUID, winnerID string) (*domain.Transaction, error) {
	if err := validateUserID(winnerID); err != nil {
		return nil, err
	}
	if _, err := s.accountSvc.EnsureAccount(ctx, winnerID); err != nil {
		return nil, err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	g, err := s.giveawayRepo.GetByIDForUpdate(ctx, dbTx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock giveaway: %w", err))
	}
	if g == nil {
		return nil, apperror.ErrNotFound("Giveaway")
	}
	if g.State == domain.GiveawayStatePaidOut && g.WinnerUserID != nil && *g.WinnerUserID == winnerID && g.PayoutTxID != nil {
		return s.ledger.GetTransaction(ctx, *g.PayoutTxID)
	}
	if !g.IsOpen() {
		return nil, apperror.ErrGiveawayClosed()
	}

	accounts, err := s.accountRepo.LockForUpdate(ctx, dbTx, g.PoolUserID, winnerID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock accounts: %w", err))
	}
	pool := accounts[g.PoolUserID]
	if pool == nil {
		return nil, apperror.ErrNotFound("Pool account")
	}
	if pool.PendingReceive.IsPositive() {
		return nil, apperror.ErrGiveawaySettling()
	}
	balance, err := s.node.GetBalance(ctx, pool.Address)
	if err != nil {
		return nil, passThrough(err, "get pool balance")
	}
	if balance.Receivable.IsPositive() {
		return nil, apperror.ErrGiveawaySettling()
	}
	amount := domain.Available(balance.Confirmed, pool.PendingSend)
	if !amount.IsPositive() {
		return nil, apperror.ErrInsufficientFunds()
	}

	giveawayID := g.ID
	winner := winnerID
	txn, _, err := s.ledger.createInTx(ctx, dbTx, ports.NewTransaction{
		IdempotencyKey:    uuid.New(),
		Kind:              domain.TransactionKindGiveawayPayout,
		SourceUserID:      g.PoolUserID,
		DestinationUserID: &winner,
		GiveawayID:        &giveawayID,
		Amount:            amount,
	})
	if err != nil {
		return nil, err
	}

	ended := s.now()
	g.State = domain.GiveawayStatePaidOut
	g.WinnerUserID = &winner
	g.PayoutTxID = &txn.ID
	g.EndedAt = &ended
	if err := s.giveawayRepo.Update(ctx, dbTx, g); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update giveaway: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	s.ledger.logCreated(txn)
	s.transfers.queue.Enqueue(txn.ID)
	s.log.Info().
		Str("giveaway_id", g.ID.String()).
		Str("user_id", winnerID).
		Str("amount", amount.String()).
		Msg("Giveaway paid out")
	return txn, nil
}

// Cancel closes a giveaway that never received funds.
func (s *GiveawayServiceImpl) Cancel(ctx context.Context, id uuid.UUID) (*domain.Giveaway, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	g, err := s.giveawayRepo.GetByIDForUpdate(ctx, dbTx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock giveaway: %w", err))
	}
	if g == nil {
		return nil, apperror.ErrNotFound("Giveaway")
	}
	if g.State == domain.GiveawayStateCancelled {
		return g, nil
	}
	if !g.IsOpen() {
		return nil, apperror.ErrGiveawayClosed()
	}

	accounts, err := s.accountRepo.LockForUpdate(ctx, dbTx, g.PoolUserID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock pool account: %w", err))
	}
	if pool := accounts[g.PoolUserID]; pool != nil {
		if pool.PendingReceive.IsPositive() {
			return nil, apperror.ErrGiveawayFunded()
		}
		balance, err := s.node.GetBalance(ctx, pool.Address)
		if err != nil {
			return nil, passThrough(err, "get pool balance")
		}
		if balance.Confirmed.IsPositive() || balance.Receivable.IsPositive() {
			return nil, apperror.ErrGiveawayFunded()
		}
	}

	ended := s.now()
	g.State = domain.GiveawayStateCancelled
	g.EndedAt = &ended
	if err := s.giveawayRepo.Update(ctx, dbTx, g); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update giveaway: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().Str("giveaway_id", g.ID.String()).Msg("Giveaway cancelled")
	return g, nil
}

func (s *GiveawayServiceImpl) lockOpen(ctx context.Context, dbTx pgx.Tx, id uuid.UUID) (*domain.Giveaway, error) {
	g, err := s.giveawayRepo.GetByIDForUpdate(ctx, dbTx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock giveaway: %w", err))
	}
	if g == nil {
		return nil, apperror.ErrNotFound("Giveaway")
	}
	if !g.IsOpen() {
		return nil, apperror.ErrGiveawayClosed()
	}
	return g, nil
}

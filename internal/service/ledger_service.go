package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LedgerService owns transaction state and the pending aggregates.
// It implements ports.Ledger for the settlement worker.
//
// Lock order: a transaction row is always locked before the accounts it
// touches, and accounts are locked in user id order.
type LedgerService struct {
	accountRepo ports.AccountRepository
	txRepo      ports.TransactionRepository
	transactor  ports.DBTransactor
	node        ports.NodeClient
	log         zerolog.Logger
	now         func() time.Time
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(
	accountRepo ports.AccountRepository,
	txRepo ports.TransactionRepository,
	transactor ports.DBTransactor,
	node ports.NodeClient,
	log zerolog.Logger,
) *LedgerService {
	return &LedgerService{
		accountRepo: accountRepo,
		txRepo:      txRepo,
		transactor:  transactor,
		node:        node,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateTransaction records a new pending transaction and debits the
// source's available balance. The returned bool is false when the
// idempotency key already identified an equivalent transaction, which is
// returned unchanged.
func (s *LedgerService) CreateTransaction(ctx context.Context, req ports.NewTransaction) (*domain.Transaction, bool, error) {
	if err := domain.CheckRaw(req.Amount); err != nil {
		return nil, false, apperror.ErrInvalidAmount()
	}

	if existing, err := s.findByKey(ctx, req); existing != nil || err != nil {
		return existing, false, err
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, false, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	txn, created, err := s.createInTx(ctx, dbTx, req)
	if err != nil || !created {
		return txn, false, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, false, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	s.logCreated(txn)
	return txn, true, nil
}

// createInTx does the work of CreateTransaction inside the caller's
// database transaction. The caller commits.
func (s *LedgerService) createInTx(ctx context.Context, dbTx pgx.Tx, req ports.NewTransaction) (*domain.Transaction, bool, error) {
	if err := domain.CheckRaw(req.Amount); err != nil {
		return nil, false, apperror.ErrInvalidAmount()
	}

	ids := []string{req.SourceUserID}
	if req.DestinationUserID != nil {
		ids = append(ids, *req.DestinationUserID)
	}
	accounts, err := s.accountRepo.LockForUpdate(ctx, dbTx, ids...)
	if err != nil {
		return nil, false, apperror.ErrDatabaseError(fmt.Errorf("lock accounts: %w", err))
	}
	source := accounts[req.SourceUserID]
	if source == nil {
		return nil, false, apperror.ErrNotFound("Account")
	}
	destAddress := req.DestinationAddress
	if req.DestinationUserID != nil {
		dest := accounts[*req.DestinationUserID]
		if dest == nil {
			return nil, false, apperror.ErrNotFound("Recipient account")
		}
		destAddress = dest.Address
	}

	// A concurrent request with the same key held the source lock before us.
	if existing, err := s.findByKey(ctx, req); existing != nil || err != nil {
		return existing, false, err
	}

	balance, err := s.node.GetBalance(ctx, source.Address)
	if err != nil {
		return nil, false, passThrough(err, "get node balance")
	}
	if req.Amount.GreaterThan(domain.Available(balance.Confirmed, source.PendingSend)) {
		return nil, false, apperror.ErrInsufficientFunds()
	}

	now := s.now()
	txn := &domain.Transaction{
		ID:                 uuid.New(),
		IdempotencyKey:     req.IdempotencyKey,
		Kind:               req.Kind,
		SourceUserID:       req.SourceUserID,
		SourceAddress:      source.Address,
		DestinationUserID:  req.DestinationUserID,
		DestinationAddress: destAddress,
		GiveawayID:         req.GiveawayID,
		Amount:             req.Amount,
		State:              domain.TransactionStatePending,
		CreatedAt:          now,
		ModifiedAt:         now,
	}

	if err := s.txRepo.Create(ctx, dbTx, txn); err != nil {
		return nil, false, apperror.ErrDatabaseError(fmt.Errorf("create transaction: %w", err))
	}
	if err := s.adjust(ctx, dbTx, txn, txn.Amount); err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

func (s *LedgerService) logCreated(txn *domain.Transaction) {
	s.log.Info().
		Str("tx_id", txn.ID.String()).
		Str("kind", string(txn.Kind)).
		Str("user_id", txn.SourceUserID).
		Str("amount", txn.Amount.String()).
		Msg("Transaction created")
}

func (s *LedgerService) findByKey(ctx context.Context, req ports.NewTransaction) (*domain.Transaction, error) {
	existing, err := s.txRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("idempotency lookup: %w", err))
	}
	if existing == nil {
		return nil, nil
	}
	return matchExisting(existing, req)
}

// matchExisting returns existing if it records the same request as req.
// A key reused for a different request is ErrDuplicateTransaction.
func matchExisting(existing *domain.Transaction, req ports.NewTransaction) (*domain.Transaction, error) {
	probe := &domain.Transaction{
		Kind:               req.Kind,
		SourceUserID:       req.SourceUserID,
		DestinationAddress: req.DestinationAddress,
		GiveawayID:         req.GiveawayID,
		Amount:             req.Amount,
	}
	if req.DestinationUserID != nil {
		if existing.DestinationUserID == nil || *existing.DestinationUserID != *req.DestinationUserID {
			return nil, apperror.ErrDuplicateTransaction()
		}
		probe.DestinationAddress = existing.DestinationAddress
	}
	if existing.IdempotencyKey != req.IdempotencyKey || !existing.SameIntent(probe) {
		return nil, apperror.ErrDuplicateTransaction()
	}
	return existing, nil
}

// GetTransaction returns the stored transaction.
func (s *LedgerService) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txn, err := s.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get transaction: %w", err))
	}
	if txn == nil {
		return nil, apperror.ErrNotFound("Transaction")
	}
	return txn, nil
}

// MarkSettling claims a pending transaction for settlement.
// Returns false without error if it was not pending.
func (s *LedgerService) MarkSettling(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.txRepo.CompareAndSetState(ctx, id, domain.TransactionStatePending, domain.TransactionStateSettling)
	if err != nil {
		return false, apperror.ErrDatabaseError(fmt.Errorf("mark settling: %w", err))
	}
	return ok, nil
}

// IncrementAttempts counts one settlement attempt and returns the new total.
func (s *LedgerService) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	n, err := s.txRepo.IncrementAttempts(ctx, id)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("increment attempts: %w", err))
	}
	return n, nil
}

// MarkSettled records the on-chain id and releases the pending aggregates.
// Repeating the call with the same id is a no-op; a different id, or a
// transaction that already failed, is a consistency error.
func (s *LedgerService) MarkSettled(ctx context.Context, id uuid.UUID, onchainID string) (*domain.Transaction, error) {
	if onchainID == "" {
		return nil, apperror.ErrConsistency("settle without onchain id")
	}

	return s.finish(ctx, id, func(txn *domain.Transaction) (bool, error) {
		switch txn.State {
		case domain.TransactionStateSettled:
			if txn.OnchainID != nil && *txn.OnchainID == onchainID {
				return false, nil
			}
			return false, apperror.ErrConsistency(fmt.Sprintf(
				"transaction %s already settled with onchain id %s, got %s", txn.ID, deref(txn.OnchainID), onchainID))
		case domain.TransactionStateFailed:
			return false, apperror.ErrConsistency(fmt.Sprintf(
				"transaction %s already failed, got onchain id %s", txn.ID, onchainID))
		}
		txn.State = domain.TransactionStateSettled
		txn.OnchainID = &onchainID
		txn.LastError = nil
		return true, nil
	})
}

// MarkFailed moves the transaction to the terminal failed state and
// releases the pending aggregates. A failed transaction is left as is;
// a settled one is a consistency error.
func (s *LedgerService) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error) {
	return s.finish(ctx, id, func(txn *domain.Transaction) (bool, error) {
		switch txn.State {
		case domain.TransactionStateFailed:
			return false, nil
		case domain.TransactionStateSettled:
			return false, apperror.ErrConsistency(fmt.Sprintf(
				"transaction %s already settled, refusing to fail it", txn.ID))
		}
		txn.State = domain.TransactionStateFailed
		txn.LastError = &reason
		return true, nil
	})
}

// finish runs a terminal transition under the transaction row lock. apply
// mutates txn and reports whether anything changed.
func (s *LedgerService) finish(ctx context.Context, id uuid.UUID, apply func(*domain.Transaction) (bool, error)) (*domain.Transaction, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	txn, err := s.txRepo.GetByIDForUpdate(ctx, dbTx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock transaction: %w", err))
	}
	if txn == nil {
		return nil, apperror.ErrNotFound("Transaction")
	}

	changed, err := apply(txn)
	if err != nil || !changed {
		return txn, err
	}

	if _, err := s.accountRepo.LockForUpdate(ctx, dbTx, txn.AccountUserIDs()...); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock accounts: %w", err))
	}
	if err := s.adjust(ctx, dbTx, txn, txn.Amount.Neg()); err != nil {
		return nil, err
	}

	txn.NextAttemptAt = nil
	txn.ModifiedAt = s.now()
	if err := s.txRepo.Update(ctx, dbTx, txn); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update transaction: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	return txn, nil
}

// ScheduleRetry returns a non-terminal transaction to pending with the time
// of its next attempt.
func (s *LedgerService) ScheduleRetry(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	txn, err := s.txRepo.GetByIDForUpdate(ctx, dbTx, id)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("lock transaction: %w", err))
	}
	if txn == nil {
		return apperror.ErrNotFound("Transaction")
	}
	if txn.IsTerminal() {
		return apperror.ErrConsistency(fmt.Sprintf("cannot retry %s transaction %s", txn.State, txn.ID))
	}

	at = at.UTC()
	txn.State = domain.TransactionStatePending
	txn.NextAttemptAt = &at
	txn.LastError = &reason
	txn.ModifiedAt = s.now()
	if err := s.txRepo.Update(ctx, dbTx, txn); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update transaction: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// ListRecoverable returns every pending or settling transaction, oldest first.
func (s *LedgerService) ListRecoverable(ctx context.Context) ([]domain.Transaction, error) {
	txns, err := s.txRepo.ListByStates(ctx, []domain.TransactionState{
		domain.TransactionStatePending,
		domain.TransactionStateSettling,
	}, 0, 0)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list recoverable: %w", err))
	}
	return txns, nil
}

// ListFailed returns a page of failed transactions and the total count.
func (s *LedgerService) ListFailed(ctx context.Context, limit, offset int) ([]domain.Transaction, int64, error) {
	txns, err := s.txRepo.ListByStates(ctx, []domain.TransactionState{domain.TransactionStateFailed}, limit, offset)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(fmt.Errorf("list failed: %w", err))
	}
	total, err := s.txRepo.CountByState(ctx, domain.TransactionStateFailed)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(fmt.Errorf("count failed: %w", err))
	}
	return txns, total, nil
}

// ReplayFailed puts a failed transaction back in the queue with its
// original idempotency key, so a send that reached the node before failing
// is answered with the original block instead of being repeated.
func (s *LedgerService) ReplayFailed(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	txn, err := s.txRepo.GetByIDForUpdate(ctx, dbTx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock transaction: %w", err))
	}
	if txn == nil {
		return nil, apperror.ErrNotFound("Transaction")
	}
	if txn.State != domain.TransactionStateFailed {
		return nil, apperror.ErrNotReplayable()
	}

	accounts, err := s.accountRepo.LockForUpdate(ctx, dbTx, txn.AccountUserIDs()...)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock accounts: %w", err))
	}
	source := accounts[txn.SourceUserID]
	if source == nil {
		return nil, apperror.ErrNotFound("Account")
	}

	balance, err := s.node.GetBalance(ctx, source.Address)
	if err != nil {
		return nil, passThrough(err, "get node balance")
	}
	if txn.Amount.GreaterThan(domain.Available(balance.Confirmed, source.PendingSend)) {
		return nil, apperror.ErrInsufficientFunds()
	}

	if err := s.adjust(ctx, dbTx, txn, txn.Amount); err != nil {
		return nil, err
	}

	txn.State = domain.TransactionStatePending
	txn.Attempts = 0
	txn.LastError = nil
	txn.NextAttemptAt = nil
	txn.ModifiedAt = s.now()
	if err := s.txRepo.Update(ctx, dbTx, txn); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update transaction: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().Str("tx_id", txn.ID.String()).Msg("Failed transaction replayed")
	return txn, nil
}

// GetAvailableBalance returns the node's confirmed balance less pending sends.
func (s *LedgerService) GetAvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return decimal.Zero, apperror.ErrDatabaseError(fmt.Errorf("get account: %w", err))
	}
	if account == nil {
		return decimal.Zero, apperror.ErrNotFound("Account")
	}
	balance, err := s.node.GetBalance(ctx, account.Address)
	if err != nil {
		return decimal.Zero, passThrough(err, "get node balance")
	}
	return domain.Available(balance.Confirmed, account.PendingSend), nil
}

// adjust adds delta to the source's pending_send and, for internal
// transfers, to the destination's pending_receive.
func (s *LedgerService) adjust(ctx context.Context, dbTx pgx.Tx, txn *domain.Transaction, delta decimal.Decimal) error {
	if err := s.accountRepo.AdjustPending(ctx, dbTx, txn.SourceUserID, delta, decimal.Zero); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("adjust source aggregates: %w", err))
	}
	if txn.DestinationUserID != nil {
		if err := s.accountRepo.AdjustPending(ctx, dbTx, *txn.DestinationUserID, decimal.Zero, delta); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("adjust destination aggregates: %w", err))
		}
	}
	return nil
}

// passThrough keeps coded errors intact and wraps anything else.
func passThrough(err error, op string) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.InternalError(fmt.Errorf("%s: %w", op, err))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

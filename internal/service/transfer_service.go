package service

import (
	"context"
	"fmt"
	"time"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	idempotencyTTL  = 24 * time.Hour
	defaultPageSize = 20
	maxPageSize     = 100
)

// TransferServiceImpl implements ports.TransferService.
type TransferServiceImpl struct {
	ledger     *LedgerService
	accountSvc ports.AccountService
	userRepo   ports.UserRepository
	queue      ports.SettlementQueue
	idempCache ports.IdempotencyCache
	log        zerolog.Logger
}

// NewTransferService creates a new TransferServiceImpl.
func NewTransferService(
	ledger *LedgerService,
	accountSvc ports.AccountService,
	userRepo ports.UserRepository,
	queue ports.SettlementQueue,
	idempCache ports.IdempotencyCache,
	log zerolog.Logger,
) *TransferServiceImpl {
	return &TransferServiceImpl{
		ledger:     ledger,
		accountSvc: accountSvc,
		userRepo:   userRepo,
		queue:      queue,
		idempCache: idempCache,
		log:        log,
	}
}

// RequestTip moves funds from one user to another.
func (s *TransferServiceImpl) RequestTip(ctx context.Context, req ports.TipRequest) (*domain.Transaction, error) {
	if err := domain.CheckRaw(req.Amount); err != nil {
		return nil, apperror.ErrInvalidAmount()
	}
	switch {
	case req.RecipientID == req.SenderID:
		return nil, apperror.ErrInvalidDestination("cannot tip yourself")
	case domain.IsSystemUserID(req.RecipientID):
		return nil, apperror.ErrInvalidDestination("recipient is not a user")
	}
	if err := validateUserID(req.RecipientID); err != nil {
		return nil, err
	}

	recipient := req.RecipientID
	return s.submit(ctx, ports.NewTransaction{
		IdempotencyKey:    keyOrNew(req.IdempotencyKey),
		Kind:              domain.TransactionKindTip,
		SourceUserID:      req.SenderID,
		DestinationUserID: &recipient,
		Amount:            req.Amount,
	})
}

// RequestWithdraw sends funds to an external address.
func (s *TransferServiceImpl) RequestWithdraw(ctx context.Context, req ports.WithdrawRequest) (*domain.Transaction, error) {
	if err := domain.CheckRaw(req.Amount); err != nil {
		return nil, apperror.ErrInvalidAmount()
	}
	if err := domain.ValidateAddress(req.Address); err != nil {
		return nil, apperror.ErrInvalidDestination(err.Error())
	}

	return s.submit(ctx, ports.NewTransaction{
		IdempotencyKey:     keyOrNew(req.IdempotencyKey),
		Kind:               domain.TransactionKindWithdraw,
		SourceUserID:       req.SenderID,
		DestinationAddress: req.Address,
		Amount:             req.Amount,
	})
}

// submit checks the sender, provisions accounts, records the transaction
// and queues it for settlement.
func (s *TransferServiceImpl) submit(ctx context.Context, req ports.NewTransaction) (*domain.Transaction, error) {
	cacheKey := req.IdempotencyKey.String()

	// Layer 1: Redis idempotency check
	if cached := s.cachedTransaction(ctx, cacheKey); cached != nil {
		return matchExisting(cached, req)
	}

	if err := s.checkSender(ctx, req.SourceUserID); err != nil {
		return nil, err
	}
	if _, err := s.accountSvc.EnsureAccount(ctx, req.SourceUserID); err != nil {
		return nil, err
	}
	if req.DestinationUserID != nil {
		if _, err := s.accountSvc.EnsureAccount(ctx, *req.DestinationUserID); err != nil {
			return nil, err
		}
	}

	// Layer 2: DB idempotency check under the account lock
	txn, created, err := s.ledger.CreateTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	if created {
		s.queue.Enqueue(txn.ID)
	}

	// Post-process: cache in Redis (best-effort)
	if err := s.idempCache.Set(ctx, cacheKey, []byte(txn.ID.String()), idempotencyTTL); err != nil {
		s.log.Warn().Err(err).Str("key", cacheKey).Msg("failed to cache idempotency in redis")
	}
	return txn, nil
}

func (s *TransferServiceImpl) cachedTransaction(ctx context.Context, key string) *domain.Transaction {
	cached, err := s.idempCache.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("redis idempotency check failed, falling through to DB")
		return nil
	}
	if cached == nil {
		return nil
	}
	id, err := uuid.ParseBytes(cached)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("ignoring malformed idempotency cache entry")
		return nil
	}
	txn, err := s.ledger.GetTransaction(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("cached transaction lookup failed, falling through to DB")
		return nil
	}
	return txn
}

// checkSender rejects frozen senders. Unknown senders pass; they are
// provisioned on first use.
func (s *TransferServiceImpl) checkSender(ctx context.Context, userID string) error {
	if domain.IsSystemUserID(userID) {
		return nil
	}
	if err := validateUserID(userID); err != nil {
		return err
	}
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("get user: %w", err))
	}
	if user != nil && !user.CanTransact() {
		return apperror.ErrAccountFrozen()
	}
	return nil
}

// GetTransaction returns a transaction by id.
func (s *TransferServiceImpl) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.ledger.GetTransaction(ctx, id)
}

// ListFailed returns a page of failed transactions for operators.
func (s *TransferServiceImpl) ListFailed(ctx context.Context, page, pageSize int) ([]domain.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return s.ledger.ListFailed(ctx, pageSize, (page-1)*pageSize)
}

// Replay re-queues a failed transaction after re-checking the sender.
func (s *TransferServiceImpl) Replay(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txn, err := s.ledger.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkSender(ctx, txn.SourceUserID); err != nil {
		return nil, err
	}

	txn, err = s.ledger.ReplayFailed(ctx, id)
	if err != nil {
		return nil, err
	}
	s.queue.Enqueue(txn.ID)
	return txn, nil
}

func keyOrNew(key *uuid.UUID) uuid.UUID {
	if key != nil {
		return *key
	}
	return uuid.New()
}

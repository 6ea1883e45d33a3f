package service

import (
	"context"
	"fmt"
	"strings"

	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"

	"github.com/rs/zerolog"
)

const maxUserIDLength = 64

// AccountServiceImpl implements ports.AccountService.
type AccountServiceImpl struct {
	userRepo    ports.UserRepository
	accountRepo ports.AccountRepository
	node        ports.NodeClient
	log         zerolog.Logger
}

// NewAccountService creates a new AccountServiceImpl.
func NewAccountService(
	userRepo ports.UserRepository,
	accountRepo ports.AccountRepository,
	node ports.NodeClient,
	log zerolog.Logger,
) *AccountServiceImpl {
	return &AccountServiceImpl{
		userRepo:    userRepo,
		accountRepo: accountRepo,
		node:        node,
		log:         log,
	}
}

// RegisterUser creates or renames a user and makes sure it has an account.
func (s *AccountServiceImpl) RegisterUser(ctx context.Context, userID, displayName string) (*domain.User, *domain.Account, error) {
	if err := validateUserID(userID); err != nil {
		return nil, nil, err
	}

	user, err := s.userRepo.Upsert(ctx, &domain.User{ID: userID, DisplayName: strings.TrimSpace(displayName)})
	if err != nil {
		return nil, nil, apperror.ErrDatabaseError(fmt.Errorf("upsert user: %w", err))
	}
	account, err := s.provision(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return user, account, nil
}

// EnsureAccount returns the user's account, creating the user and a node
// account on first use.
func (s *AccountServiceImpl) EnsureAccount(ctx context.Context, userID string) (*domain.Account, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get account: %w", err))
	}
	if account != nil {
		return account, nil
	}

	if !domain.IsSystemUserID(userID) {
		if err := validateUserID(userID); err != nil {
			return nil, err
		}
	}
	if _, err := s.userRepo.Upsert(ctx, &domain.User{ID: userID}); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("upsert user: %w", err))
	}
	return s.provision(ctx, userID)
}

func (s *AccountServiceImpl) provision(ctx context.Context, userID string) (*domain.Account, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get account: %w", err))
	}
	if account != nil {
		return account, nil
	}

	address, err := s.node.CreateAccount(ctx)
	if err != nil {
		return nil, passThrough(err, "create node account")
	}

	stored, err := s.accountRepo.Create(ctx, &domain.Account{UserID: userID, Address: address})
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create account: %w", err))
	}
	if stored.Address != address {
		// Lost a race with a concurrent provision; the node account we created stays unused.
		s.log.Warn().Str("user_id", userID).Str("account", address).Msg("Discarded surplus node account")
	} else {
		s.log.Info().Str("user_id", userID).Str("account", address).Msg("Account created")
	}
	return stored, nil
}

// GetBalance returns the user's balance, provisioning the account if needed.
func (s *AccountServiceImpl) GetBalance(ctx context.Context, userID string) (*ports.BalanceView, error) {
	account, err := s.EnsureAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	nodeBalance, err := s.node.GetBalance(ctx, account.Address)
	if err != nil {
		return nil, passThrough(err, "get node balance")
	}

	b := domain.NewBalance(nodeBalance, account)
	return &ports.BalanceView{
		UserID:         userID,
		Address:        account.Address,
		Confirmed:      b.Confirmed,
		Receivable:     b.Receivable,
		PendingSend:    b.PendingSend,
		PendingReceive: b.PendingReceive,
		Available:      b.Available,
	}, nil
}

// SetFrozen freezes or unfreezes a user.
func (s *AccountServiceImpl) SetFrozen(ctx context.Context, userID string, frozen bool) error {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("get user: %w", err))
	}
	if user == nil {
		return apperror.ErrNotFound("User")
	}
	if err := s.userRepo.SetFrozen(ctx, userID, frozen); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("set frozen: %w", err))
	}

	s.log.Info().Str("user_id", userID).Bool("frozen", frozen).Msg("User frozen state changed")
	return nil
}

func validateUserID(userID string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return apperror.Validation("user id is required")
	case len(userID) > maxUserIDLength:
		return apperror.Validation("user id is too long")
	case domain.IsSystemUserID(userID):
		return apperror.Validation("user id is reserved")
	}
	return nil
}

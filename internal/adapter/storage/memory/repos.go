package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tipledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// --- Users ---

// UserRepo implements ports.UserRepository.
type UserRepo struct{ s *Store }

func (r *UserRepo) Upsert(ctx context.Context, u *domain.User) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	stored, ok := r.s.users[u.ID]
	if !ok {
		stored = &domain.User{ID: u.ID, DisplayName: u.DisplayName, CreatedAt: now}
		r.s.users[u.ID] = stored
	} else if u.DisplayName != "" {
		stored.DisplayName = u.DisplayName
	}
	stored.UpdatedAt = now
	out := *stored
	return &out, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (r *UserRepo) SetFrozen(ctx context.Context, id string, frozen bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return fmt.Errorf("user not found: %s", id)
	}
	u.Frozen = frozen
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Accounts ---

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct{ s *Store }

func (r *AccountRepo) Create(ctx context.Context, a *domain.Account) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[a.UserID]; !ok {
		return nil, fmt.Errorf("insert account: user %s does not exist", a.UserID)
	}
	if existing, ok := r.s.accounts[a.UserID]; ok {
		out := *existing
		return &out, nil
	}
	if owner, ok := r.s.addresses[a.Address]; ok {
		return nil, fmt.Errorf("insert account: address already owned by %s", owner)
	}

	now := time.Now().UTC()
	stored := &domain.Account{
		UserID:         a.UserID,
		Address:        a.Address,
		PendingSend:    decimal.Zero,
		PendingReceive: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.s.accounts[a.UserID] = stored
	r.s.addresses[a.Address] = a.UserID
	out := *stored
	return &out, nil
}

func (r *AccountRepo) GetByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[userID]
	if !ok {
		return nil, nil
	}
	out := *a
	return &out, nil
}

func (r *AccountRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, userIDs ...string) (map[string]*domain.Account, error) {
	mtx, err := asTx(tx)
	if err != nil {
		return nil, err
	}

	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		if err := mtx.lock(ctx, accountKey(id)); err != nil {
			return nil, fmt.Errorf("lock accounts: %w", err)
		}
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]*domain.Account, len(ids))
	for _, id := range ids {
		if a, ok := r.s.accounts[id]; ok {
			cp := *a
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *AccountRepo) AdjustPending(ctx context.Context, tx pgx.Tx, userID string, sendDelta, receiveDelta decimal.Decimal) error {
	mtx, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := mtx.lock(ctx, accountKey(userID)); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[userID]
	if !ok {
		return fmt.Errorf("account not found: %s", userID)
	}
	send := a.PendingSend.Add(sendDelta)
	receive := a.PendingReceive.Add(receiveDelta)
	if send.IsNegative() || receive.IsNegative() {
		return fmt.Errorf("adjust pending aggregates: negative aggregate for %s", userID)
	}

	prevSend, prevReceive := a.PendingSend, a.PendingReceive
	a.PendingSend, a.PendingReceive = send, receive
	a.UpdatedAt = time.Now().UTC()
	mtx.onUndo(func() { a.PendingSend, a.PendingReceive = prevSend, prevReceive })
	return nil
}

// --- Transactions ---

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct{ s *Store }

func (r *TransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	mtx, err := asTx(tx)
	if err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.txns[t.ID]; ok {
		return fmt.Errorf("insert transaction: duplicate id %s", t.ID)
	}
	if _, ok := r.s.byKey[t.IdempotencyKey]; ok {
		return fmt.Errorf("insert transaction: duplicate idempotency key %s", t.IdempotencyKey)
	}

	stored := *t
	r.s.txns[t.ID] = &stored
	r.s.byKey[t.IdempotencyKey] = t.ID
	mtx.onUndo(func() {
		delete(r.s.txns, t.ID)
		delete(r.s.byKey, t.IdempotencyKey)
	})
	return nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.copyOf(id), nil
}

func (r *TransactionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error) {
	mtx, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	if err := mtx.lock(ctx, transactionKey(id)); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.copyOf(id), nil
}

func (r *TransactionRepo) GetByIdempotencyKey(ctx context.Context, key uuid.UUID) (*domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.byKey[key]
	if !ok {
		return nil, nil
	}
	return r.copyOf(id), nil
}

func (r *TransactionRepo) CompareAndSetState(ctx context.Context, id uuid.UUID, from, to domain.TransactionState) (bool, error) {
	var swapped bool
	err := r.s.withRowLock(ctx, transactionKey(id), func() {
		t, ok := r.s.txns[id]
		if ok && t.State == from {
			t.State = to
			t.ModifiedAt = time.Now().UTC()
			swapped = true
		}
	})
	return swapped, err
}

func (r *TransactionRepo) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	attempts := -1
	err := r.s.withRowLock(ctx, transactionKey(id), func() {
		if t, ok := r.s.txns[id]; ok {
			t.Attempts++
			t.ModifiedAt = time.Now().UTC()
			attempts = t.Attempts
		}
	})
	if err != nil {
		return 0, err
	}
	if attempts < 0 {
		return 0, fmt.Errorf("transaction not found: %s", id)
	}
	return attempts, nil
}

func (r *TransactionRepo) Update(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	mtx, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := mtx.lock(ctx, transactionKey(t.ID)); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.txns[t.ID]
	if !ok {
		return fmt.Errorf("transaction not found: %s", t.ID)
	}
	prev := *stored
	stored.State = t.State
	stored.Attempts = t.Attempts
	if stored.OnchainID == nil && t.OnchainID != nil {
		id := *t.OnchainID
		stored.OnchainID = &id
	}
	stored.LastError = t.LastError
	stored.NextAttemptAt = t.NextAttemptAt
	stored.ModifiedAt = t.ModifiedAt
	mtx.onUndo(func() { *stored = prev })
	return nil
}

func (r *TransactionRepo) ListByStates(ctx context.Context, states []domain.TransactionState, limit, offset int) ([]domain.Transaction, error) {
	want := make(map[domain.TransactionState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	r.s.mu.Lock()
	var out []domain.Transaction
	for _, t := range r.s.txns {
		if want[t.State] {
			out = append(out, *t)
		}
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	if limit <= 0 {
		return out, nil
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (r *TransactionRepo) CountByState(ctx context.Context, state domain.TransactionState) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, t := range r.s.txns {
		if t.State == state {
			n++
		}
	}
	return n, nil
}

// copyOf must be called with s.mu held.
func (r *TransactionRepo) copyOf(id uuid.UUID) *domain.Transaction {
	t, ok := r.s.txns[id]
	if !ok {
		return nil
	}
	out := *t
	return &out
}

// --- Giveaways ---

// GiveawayRepo implements ports.GiveawayRepository.
type GiveawayRepo struct{ s *Store }

func (r *GiveawayRepo) Create(ctx context.Context, g *domain.Giveaway) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.giveaways[g.ID]; ok {
		return fmt.Errorf("insert giveaway: duplicate id %s", g.ID)
	}
	stored := *g
	r.s.giveaways[g.ID] = &stored
	return nil
}

func (r *GiveawayRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Giveaway, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.giveaways[id]
	if !ok {
		return nil, nil
	}
	out := *g
	return &out, nil
}

func (r *GiveawayRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Giveaway, error) {
	mtx, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	if err := mtx.lock(ctx, giveawayKey(id)); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *GiveawayRepo) Update(ctx context.Context, tx pgx.Tx, g *domain.Giveaway) error {
	mtx, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := mtx.lock(ctx, giveawayKey(g.ID)); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.giveaways[g.ID]
	if !ok {
		return fmt.Errorf("giveaway not found: %s", g.ID)
	}
	prev := *stored
	stored.State = g.State
	stored.WinnerUserID = g.WinnerUserID
	stored.PayoutTxID = g.PayoutTxID
	stored.EndedAt = g.EndedAt
	mtx.onUndo(func() { *stored = prev })
	return nil
}

// --- Audit ---

// AuditRepo implements ports.AuditRepository.
type AuditRepo struct{ s *Store }

func (r *AuditRepo) Create(ctx context.Context, log *domain.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.audit = append(r.s.audit, *log)
	return nil
}

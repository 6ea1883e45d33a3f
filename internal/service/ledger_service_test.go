package service

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tipledger/internal/adapter/storage/memory"
	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/internal/core/ports/mocks"
	"tipledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// chain is the node state behind the mocked NodeClient.
type chain struct {
	mu       sync.Mutex
	next     uint64
	balances map[string]domain.NodeBalance
}

func (c *chain) createAccount(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	key := make([]byte, 32)
	binary.BigEndian.PutUint64(key[24:], c.next)
	return domain.EncodeAddress(key), nil
}

func (c *chain) getBalance(_ context.Context, address string) (domain.NodeBalance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.balances[address]
	if !ok {
		return domain.NodeBalance{Confirmed: decimal.Zero, Receivable: decimal.Zero}, nil
	}
	return b, nil
}

func (c *chain) set(address string, confirmed, receivable int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[address] = domain.NodeBalance{
		Confirmed:  decimal.NewFromInt(confirmed),
		Receivable: decimal.NewFromInt(receivable),
	}
}

type ledgerTestDeps struct {
	store    *memory.Store
	node     *mocks.MockNodeClient
	chain    *chain
	ledger   *LedgerService
	accounts *AccountServiceImpl
}

func setupLedger(t *testing.T) *ledgerTestDeps {
	ctrl := gomock.NewController(t)
	d := &ledgerTestDeps{
		store: memory.New(),
		node:  mocks.NewMockNodeClient(ctrl),
		chain: &chain{balances: map[string]domain.NodeBalance{}},
	}
	d.node.EXPECT().CreateAccount(gomock.Any()).DoAndReturn(d.chain.createAccount).AnyTimes()
	d.node.EXPECT().GetBalance(gomock.Any(), gomock.Any()).DoAndReturn(d.chain.getBalance).AnyTimes()

	d.ledger = NewLedgerService(d.store.Accounts(), d.store.Transactions(), d.store.Transactor(), d.node, zerolog.Nop())
	d.ledger.now = tickingClock()
	d.accounts = NewAccountService(d.store.Users(), d.store.Accounts(), d.node, zerolog.Nop())
	return d
}

// user provisions userID and sets its confirmed node balance.
func (d *ledgerTestDeps) user(t *testing.T, userID string, confirmed int64) *domain.Account {
	t.Helper()
	account, err := d.accounts.EnsureAccount(context.Background(), userID)
	require.NoError(t, err)
	d.chain.set(account.Address, confirmed, 0)
	return account
}

func (d *ledgerTestDeps) account(t *testing.T, userID string) *domain.Account {
	t.Helper()
	account, err := d.store.Accounts().GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, account)
	return account
}

// tickingClock returns strictly increasing times so listings order by creation.
func tickingClock() func() time.Time {
	var n int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Millisecond)
	}
}

func tip(from, to string, amount int64) ports.NewTransaction {
	return ports.NewTransaction{
		IdempotencyKey:    uuid.New(),
		Kind:              domain.TransactionKindTip,
		SourceUserID:      from,
		DestinationUserID: &to,
		Amount:            decimal.NewFromInt(amount),
	}
}

func assertPending(t *testing.T, a *domain.Account, send, receive int64) {
	t.Helper()
	assert.True(t, a.PendingSend.Equal(decimal.NewFromInt(send)), "pending_send = %s, want %d", a.PendingSend, send)
	assert.True(t, a.PendingReceive.Equal(decimal.NewFromInt(receive)), "pending_receive = %s, want %d", a.PendingReceive, receive)
}

// ==================== CreateTransaction Tests ====================

func TestLedgerService_CreateTransaction_Success(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	alice := d.user(t, "alice", 100)
	bob := d.user(t, "bob", 0)

	txn, created, err := d.ledger.CreateTransaction(ctx, tip("alice", "bob", 40))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.TransactionStatePending, txn.State)
	assert.Equal(t, alice.Address, txn.SourceAddress)
	assert.Equal(t, bob.Address, txn.DestinationAddress)
	assert.Zero(t, txn.Attempts)

	assertPending(t, d.account(t, "alice"), 40, 0)
	assertPending(t, d.account(t, "bob"), 0, 40)

	available, err := d.ledger.GetAvailableBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, available.Equal(decimal.NewFromInt(60)))
}

func TestLedgerService_CreateTransaction_Withdraw(t *testing.T) {
	d := setupLedger(t)
	d.user(t, "alice", 100)
	dest, err := d.chain.createAccount(context.Background())
	require.NoError(t, err)

	txn, created, err := d.ledger.CreateTransaction(context.Background(), ports.NewTransaction{
		IdempotencyKey:     uuid.New(),
		Kind:               domain.TransactionKindWithdraw,
		SourceUserID:       "alice",
		DestinationAddress: dest,
		Amount:             decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, txn.DestinationUserID)
	assert.Equal(t, dest, txn.DestinationAddress)
	assertPending(t, d.account(t, "alice"), 100, 0)
}

func TestLedgerService_CreateTransaction_IdempotentKey(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)

	req := tip("alice", "bob", 10)
	first, created, err := d.ledger.CreateTransaction(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := d.ledger.CreateTransaction(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Aggregates were charged once.
	assertPending(t, d.account(t, "alice"), 10, 0)
}

func TestLedgerService_CreateTransaction_KeyReusedForOtherIntent(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)
	d.user(t, "carol", 0)

	req := tip("alice", "bob", 10)
	_, _, err := d.ledger.CreateTransaction(ctx, req)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(r *ports.NewTransaction)
	}{
		{"other amount", func(r *ports.NewTransaction) { r.Amount = decimal.NewFromInt(11) }},
		{"other recipient", func(r *ports.NewTransaction) { carol := "carol"; r.DestinationUserID = &carol }},
		{"other kind", func(r *ports.NewTransaction) { r.Kind = domain.TransactionKindGiveawayFund }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := req
			tt.mutate(&r)
			_, _, err := d.ledger.CreateTransaction(ctx, r)
			assert.True(t, apperror.HasCode(err, apperror.CodeDuplicate), "got %v", err)
		})
	}
}

func TestLedgerService_CreateTransaction_InsufficientFunds(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)

	_, _, err := d.ledger.CreateTransaction(ctx, tip("alice", "bob", 70))
	require.NoError(t, err)

	// Pending sends count against the confirmed balance.
	_, _, err = d.ledger.CreateTransaction(ctx, tip("alice", "bob", 31))
	assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientFunds), "got %v", err)
	assertPending(t, d.account(t, "alice"), 70, 0)

	_, _, err = d.ledger.CreateTransaction(ctx, tip("alice", "bob", 30))
	require.NoError(t, err)
	assertPending(t, d.account(t, "alice"), 100, 0)
}

func TestLedgerService_CreateTransaction_ReceivableIsNotSpendable(t *testing.T) {
	d := setupLedger(t)
	alice := d.user(t, "alice", 0)
	d.user(t, "bob", 0)
	d.chain.set(alice.Address, 0, 500)

	_, _, err := d.ledger.CreateTransaction(context.Background(), tip("alice", "bob", 1))
	assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientFunds))
}

func TestLedgerService_CreateTransaction_InvalidAmount(t *testing.T) {
	d := setupLedger(t)

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5), decimal.RequireFromString("1.5")} {
		req := tip("alice", "bob", 0)
		req.Amount = amount
		_, _, err := d.ledger.CreateTransaction(context.Background(), req)
		assert.True(t, apperror.HasCode(err, apperror.CodeInvalidAmount), "amount %s: got %v", amount, err)
	}
}

func TestLedgerService_CreateTransaction_MissingAccount(t *testing.T) {
	d := setupLedger(t)
	d.user(t, "alice", 100)

	_, _, err := d.ledger.CreateTransaction(context.Background(), tip("alice", "ghost", 1))
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
	assertPending(t, d.account(t, "alice"), 0, 0)
}

func TestLedgerService_CreateTransaction_ConcurrentNeverOvercommits(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)
	d.user(t, "carol", 0)

	const workers = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := "bob"
			if i%2 == 0 {
				to = "carol"
			}
			_, ok, err := d.ledger.CreateTransaction(ctx, tip("alice", to, 10))
			if err != nil {
				assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientFunds), "got %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, created)
	assertPending(t, d.account(t, "alice"), 100, 0)
}

// ==================== Terminal Transition Tests ====================

func createTip(t *testing.T, d *ledgerTestDeps, amount int64) *domain.Transaction {
	t.Helper()
	txn, created, err := d.ledger.CreateTransaction(context.Background(), tip("alice", "bob", amount))
	require.NoError(t, err)
	require.True(t, created)
	return txn
}

func TestLedgerService_MarkSettled(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)
	txn := createTip(t, d, 25)

	ok, err := d.ledger.MarkSettling(ctx, txn.ID)
	require.NoError(t, err)
	require.True(t, ok)

	settled, err := d.ledger.MarkSettled(ctx, txn.ID, "BLOCK1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStateSettled, settled.State)
	require.NotNil(t, settled.OnchainID)
	assert.Equal(t, "BLOCK1", *settled.OnchainID)
	assertPending(t, d.account(t, "alice"), 0, 0)
	assertPending(t, d.account(t, "bob"), 0, 0)

	// Same id again is a no-op and does not release twice.
	again, err := d.ledger.MarkSettled(ctx, txn.ID, "BLOCK1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStateSettled, again.State)
	assertPending(t, d.account(t, "alice"), 0, 0)

	_, err = d.ledger.MarkSettled(ctx, txn.ID, "BLOCK2")
	assert.True(t, apperror.HasCode(err, apperror.CodeConsistency))

	_, err = d.ledger.MarkFailed(ctx, txn.ID, "late failure")
	assert.True(t, apperror.HasCode(err, apperror.CodeConsistency))
}

func TestLedgerService_MarkSettled_RequiresOnchainID(t *testing.T) {
	d := setupLedger(t)
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)
	txn := createTip(t, d, 25)

	_, err := d.ledger.MarkSettled(context.Background(), txn.ID, "")
	assert.True(t, apperror.HasCode(err, apperror.CodeConsistency))
	assertPending(t, d.account(t, "alice"), 25, 0)
}

func TestLedgerService_MarkFailed(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)
	txn := createTip(t, d, 25)

	failed, err := d.ledger.MarkFailed(ctx, txn.ID, "node rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStateFailed, failed.State)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "node rejected", *failed.LastError)
	assertPending(t, d.account(t, "alice"), 0, 0)
	assertPending(t, d.account(t, "bob"), 0, 0)

	_, err = d.ledger.MarkFailed(ctx, txn.ID, "again")
	require.NoError(t, err)
	assertPending(t, d.account(t, "alice"), 0, 0)

	_, err = d.ledger.MarkSettled(ctx, txn.ID, "BLOCK1")
	assert.True(t, apperror.HasCode(err, apperror.CodeConsistency))
}

func TestLedgerService_MarkUnknownTransaction(t *testing.T) {
	d := setupLedger(t)

	_, err := d.ledger.MarkFailed(context.Background(), uuid.New(), "x")
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
	_, err = d.ledger.GetTransaction(context.Background(), uuid.New())
	assert.True(t, apperror.HasCode(err, apperror.CodeNotFound))
}

// ==================== Retry and Replay Tests ====================

func TestLedgerService_ScheduleRetry(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)
	txn := createTip(t, d, 25)

	_, err := d.ledger.MarkSettling(ctx, txn.ID)
	require.NoError(t, err)
	n, err := d.ledger.IncrementAttempts(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	at := time.Now().Add(4 * time.Second)
	require.NoError(t, d.ledger.ScheduleRetry(ctx, txn.ID, at, "node unavailable"))

	got, err := d.ledger.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextAttemptAt)
	assert.WithinDuration(t, at, *got.NextAttemptAt, time.Millisecond)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "node unavailable", *got.LastError)
	// Still reserved while waiting for the retry.
	assertPending(t, d.account(t, "alice"), 25, 0)

	_, err = d.ledger.MarkFailed(ctx, txn.ID, "gave up")
	require.NoError(t, err)
	err = d.ledger.ScheduleRetry(ctx, txn.ID, at, "too late")
	assert.True(t, apperror.HasCode(err, apperror.CodeConsistency))
}

func TestLedgerService_ReplayFailed(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)
	txn := createTip(t, d, 25)

	_, err := d.ledger.ReplayFailed(ctx, txn.ID)
	assert.True(t, apperror.HasCode(err, apperror.CodeNotReplayable))

	_, err = d.ledger.IncrementAttempts(ctx, txn.ID)
	require.NoError(t, err)
	_, err = d.ledger.MarkFailed(ctx, txn.ID, "node rejected")
	require.NoError(t, err)

	replayed, err := d.ledger.ReplayFailed(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatePending, replayed.State)
	assert.Zero(t, replayed.Attempts)
	assert.Nil(t, replayed.LastError)
	assert.Equal(t, txn.IdempotencyKey, replayed.IdempotencyKey)
	assertPending(t, d.account(t, "alice"), 25, 0)
	assertPending(t, d.account(t, "bob"), 0, 25)
}

func TestLedgerService_ReplayFailed_InsufficientFunds(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	alice := d.user(t, "alice", 100)
	d.user(t, "bob", 0)
	txn := createTip(t, d, 25)
	_, err := d.ledger.MarkFailed(ctx, txn.ID, "node rejected")
	require.NoError(t, err)

	d.chain.set(alice.Address, 10, 0)
	_, err = d.ledger.ReplayFailed(ctx, txn.ID)
	assert.True(t, apperror.HasCode(err, apperror.CodeInsufficientFunds))

	got, err := d.ledger.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStateFailed, got.State)
	assertPending(t, d.account(t, "alice"), 0, 0)
}

func TestLedgerService_Listing(t *testing.T) {
	d := setupLedger(t)
	ctx := context.Background()
	d.user(t, "alice", 100)
	d.user(t, "bob", 0)

	pending := createTip(t, d, 1)
	settling := createTip(t, d, 2)
	_, err := d.ledger.MarkSettling(ctx, settling.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		txn := createTip(t, d, 3)
		_, err := d.ledger.MarkFailed(ctx, txn.ID, "boom")
		require.NoError(t, err)
	}

	recoverable, err := d.ledger.ListRecoverable(ctx)
	require.NoError(t, err)
	require.Len(t, recoverable, 2)
	assert.Equal(t, pending.ID, recoverable[0].ID)
	assert.Equal(t, settling.ID, recoverable[1].ID)

	page, total, err := d.ledger.ListFailed(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, int64(3), total)

	page, _, err = d.ledger.ListFailed(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestMatchExisting(t *testing.T) {
	bob := "bob"
	key := uuid.New()
	existing := &domain.Transaction{
		IdempotencyKey:     key,
		Kind:               domain.TransactionKindTip,
		SourceUserID:       "alice",
		DestinationUserID:  &bob,
		DestinationAddress: "nano_bob",
		Amount:             decimal.NewFromInt(5),
	}

	got, err := matchExisting(existing, ports.NewTransaction{
		IdempotencyKey:    key,
		Kind:              domain.TransactionKindTip,
		SourceUserID:      "alice",
		DestinationUserID: &bob,
		Amount:            decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	assert.Same(t, existing, got)

	_, err = matchExisting(existing, ports.NewTransaction{
		IdempotencyKey:     key,
		Kind:               domain.TransactionKindTip,
		SourceUserID:       "alice",
		DestinationAddress: "nano_bob",
		Amount:             decimal.NewFromInt(5),
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeDuplicate), "withdraw with a tip's key")
}

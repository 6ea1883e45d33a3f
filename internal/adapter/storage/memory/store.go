// Package memory is an in-process implementation of the repository ports.
// It honours the same locking contract as the PostgreSQL adapter: rows
// locked through a Tx stay locked until Commit or Rollback, and Rollback
// undoes every write made through the Tx.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"tipledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var errForeignTx = errors.New("memory: transaction was not started by this store")

// Store holds all tables.
type Store struct {
	mu        sync.Mutex
	users     map[string]*domain.User
	accounts  map[string]*domain.Account
	addresses map[string]string // address -> user id
	txns      map[uuid.UUID]*domain.Transaction
	byKey     map[uuid.UUID]uuid.UUID // idempotency key -> transaction id
	giveaways map[uuid.UUID]*domain.Giveaway
	audit     []domain.AuditLog

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]*domain.User),
		accounts:  make(map[string]*domain.Account),
		addresses: make(map[string]string),
		txns:      make(map[uuid.UUID]*domain.Transaction),
		byKey:     make(map[uuid.UUID]uuid.UUID),
		giveaways: make(map[uuid.UUID]*domain.Giveaway),
		locks:     make(map[string]chan struct{}),
	}
}

func (s *Store) Users() *UserRepo               { return &UserRepo{s: s} }
func (s *Store) Accounts() *AccountRepo         { return &AccountRepo{s: s} }
func (s *Store) Transactions() *TransactionRepo { return &TransactionRepo{s: s} }
func (s *Store) Giveaways() *GiveawayRepo       { return &GiveawayRepo{s: s} }
func (s *Store) Audit() *AuditRepo              { return &AuditRepo{s: s} }
func (s *Store) Transactor() *Transactor        { return &Transactor{s: s} }

// AuditEntries returns a copy of the recorded audit log.
func (s *Store) AuditEntries() []domain.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditLog(nil), s.audit...)
}

func (s *Store) lockRow(ctx context.Context, key string) error {
	s.locksMu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlockRow(key string) {
	s.locksMu.Lock()
	ch := s.locks[key]
	s.locksMu.Unlock()
	<-ch
}

// withRowLock runs fn while holding key, like a single-statement UPDATE
// waiting for row locks held by open transactions.
func (s *Store) withRowLock(ctx context.Context, key string, fn func()) error {
	if err := s.lockRow(ctx, key); err != nil {
		return err
	}
	defer s.unlockRow(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	return nil
}

// Transactor implements ports.DBTransactor.
type Transactor struct {
	s *Store
}

// Begin starts a new in-memory transaction.
func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	return &Tx{s: t.s, held: make(map[string]struct{})}, nil
}

// Tx is a unit of work over the store. Only Commit and Rollback are
// implemented; the embedded pgx.Tx is nil.
type Tx struct {
	pgx.Tx
	s    *Store
	held map[string]struct{}
	undo []func()
	done bool
}

// Commit releases all row locks and keeps the writes.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.release()
	return nil
}

// Rollback undoes every write in reverse order and releases all row locks.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.s.mu.Lock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.s.mu.Unlock()
	tx.release()
	return nil
}

func (tx *Tx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	if err := tx.s.lockRow(ctx, key); err != nil {
		return err
	}
	tx.held[key] = struct{}{}
	return nil
}

func (tx *Tx) release() {
	keys := make([]string, 0, len(tx.held))
	for k := range tx.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tx.s.unlockRow(k)
	}
	tx.held = nil
}

// onUndo must be called with s.mu held.
func (tx *Tx) onUndo(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func asTx(tx pgx.Tx) (*Tx, error) {
	mtx, ok := tx.(*Tx)
	if !ok || mtx.s == nil {
		return nil, errForeignTx
	}
	if mtx.done {
		return nil, pgx.ErrTxClosed
	}
	return mtx, nil
}

func accountKey(userID string) string    { return "account:" + userID }
func transactionKey(id uuid.UUID) string { return "tx:" + id.String() }
func giveawayKey(id uuid.UUID) string    { return "giveaway:" + id.String() }

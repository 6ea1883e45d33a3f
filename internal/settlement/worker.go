package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tipledger/config"
	"tipledger/internal/core/domain"
	"tipledger/internal/core/ports"
	"tipledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Worker drains the settlement queue. Each transaction is broadcast under
// a lease on its source account, so at most one send per account is in
// flight across all workers and processes.
type Worker struct {
	cfg       config.SettlementConfig
	queue     *Queue
	ledger    ports.Ledger
	node      ports.NodeClient
	locker    ports.AccountLocker
	notifier  ports.Notifier
	operators []string
	metrics   *Metrics
	log       zerolog.Logger
	now       func() time.Time

	notifications sync.WaitGroup
}

// NewWorker creates a settlement worker. metrics may be nil.
func NewWorker(
	cfg config.SettlementConfig,
	queue *Queue,
	ledger ports.Ledger,
	node ports.NodeClient,
	locker ports.AccountLocker,
	notifier ports.Notifier,
	operators []string,
	metrics *Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		cfg:       cfg,
		queue:     queue,
		ledger:    ledger,
		node:      node,
		locker:    locker,
		notifier:  notifier,
		operators: operators,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// Recover queues every pending or settling transaction, honouring any
// scheduled retry time. Call before Run.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	txns, err := w.ledger.ListRecoverable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recoverable: %w", err)
	}
	for i := range txns {
		txn := &txns[i]
		if txn.NextAttemptAt != nil {
			w.queue.EnqueueAt(txn.ID, *txn.NextAttemptAt)
		} else {
			w.queue.Enqueue(txn.ID)
		}
	}
	w.log.Info().Int("count", len(txns)).Msg("Settlement queue recovered")
	return len(txns), nil
}

// Run starts cfg.Workers goroutines and blocks until ctx is cancelled and
// every in-flight settlement and notification has finished.
func (w *Worker) Run(ctx context.Context) {
	workers := w.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			log := w.log.With().Int("worker", n).Logger()
			for {
				id, ok := w.queue.Dequeue(ctx)
				if !ok {
					return
				}
				// A settlement that has started runs to completion even during shutdown.
				w.process(context.WithoutCancel(ctx), id, log)
			}
		}(i)
	}
	w.log.Info().Int("workers", workers).Msg("Settlement worker started")

	wg.Wait()
	w.notifications.Wait()
	w.log.Info().Msg("Settlement worker stopped")
}

func (w *Worker) process(ctx context.Context, id uuid.UUID, log zerolog.Logger) {
	w.metrics.addInFlight(1)
	defer w.metrics.addInFlight(-1)

	log = log.With().Str("tx_id", id.String()).Logger()
	outcome := w.settle(ctx, id, log)
	w.metrics.outcome(outcome)
}

func (w *Worker) settle(ctx context.Context, id uuid.UUID, log zerolog.Logger) string {
	txn, err := w.ledger.GetTransaction(ctx, id)
	if err != nil {
		if apperror.HasCode(err, apperror.CodeNotFound) {
			log.Warn().Msg("Queued transaction does not exist")
			return outcomeSkipped
		}
		log.Error().Err(err).Msg("Failed to load transaction")
		return w.requeueLater(id)
	}
	if txn.IsTerminal() {
		return outcomeSkipped
	}
	if txn.State == domain.TransactionStatePending && txn.NextAttemptAt != nil && txn.NextAttemptAt.After(w.now()) {
		w.queue.EnqueueAt(id, *txn.NextAttemptAt)
		return outcomeDeferred
	}

	lockKey := txn.SourceAddress
	acquired, err := w.locker.Acquire(ctx, lockKey, w.cfg.LockTimeout)
	if err != nil {
		log.Error().Err(err).Str("account", lockKey).Msg("Account lock unavailable")
		return w.requeueLater(id)
	}
	if !acquired {
		log.Debug().Err(apperror.ErrLockTimeout(nil)).Str("account", lockKey).Msg("Account busy, requeued")
		w.queue.Enqueue(id)
		return outcomeLockTimeout
	}
	defer func() {
		if err := w.locker.Release(ctx, lockKey); err != nil {
			log.Warn().Err(err).Str("account", lockKey).Msg("Failed to release account lock")
		}
	}()

	claimed, err := w.ledger.MarkSettling(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to claim transaction")
		return w.requeueLater(id)
	}
	// Re-read under the lock: another worker may have finished it, or a
	// previous run may have died mid-send.
	if txn, err = w.ledger.GetTransaction(ctx, id); err != nil {
		log.Error().Err(err).Msg("Failed to reload transaction")
		return w.requeueLater(id)
	}
	resuming := !claimed
	if resuming && txn.State != domain.TransactionStateSettling {
		return outcomeSkipped
	}

	attempt := txn.Attempts
	if !resuming || attempt == 0 {
		if attempt, err = w.ledger.IncrementAttempts(ctx, id); err != nil {
			log.Error().Err(err).Msg("Failed to count attempt")
			return w.requeueLater(id)
		}
	}
	log = log.With().Int("attempt", attempt).Logger()

	start := time.Now()
	onchainID, err := w.node.Send(ctx, txn.IdempotencyKey, txn.SourceAddress, txn.DestinationAddress, txn.Amount)
	w.metrics.observeSend(time.Since(start))
	if err == nil && onchainID != "" {
		return w.settled(ctx, txn, onchainID, log)
	}

	reason := "node returned no block hash"
	if err != nil {
		reason = err.Error()
	}
	return w.attemptFailed(ctx, txn, attempt, reason, log)
}

func (w *Worker) settled(ctx context.Context, txn *domain.Transaction, onchainID string, log zerolog.Logger) string {
	log = log.With().Str("onchain_id", onchainID).Logger()

	stored, err := w.ledger.MarkSettled(ctx, txn.ID, onchainID)
	if err != nil {
		if apperror.HasCode(err, apperror.CodeConsistency) {
			w.alert(ctx, txn, err, log)
			return outcomeConsistency
		}
		// The node dedups the send id, so the retry gets the same block back.
		log.Error().Err(err).Msg("Failed to record settlement")
		return w.requeueLater(txn.ID)
	}

	log.Info().Str("kind", string(stored.Kind)).Msg("Transaction settled")
	w.notifySettled(ctx, stored)
	return outcomeSettled
}

func (w *Worker) attemptFailed(ctx context.Context, txn *domain.Transaction, attempt int, reason string, log zerolog.Logger) string {
	if attempt < w.cfg.MaxAttempts {
		at := w.now().Add(Backoff(w.cfg.BackoffBase, w.cfg.BackoffMax, attempt))
		if err := w.ledger.ScheduleRetry(ctx, txn.ID, at, reason); err != nil {
			if apperror.HasCode(err, apperror.CodeConsistency) {
				w.alert(ctx, txn, err, log)
				return outcomeConsistency
			}
			log.Error().Err(err).Msg("Failed to schedule retry")
			return w.requeueLater(txn.ID)
		}
		w.queue.EnqueueAt(txn.ID, at)
		log.Warn().Str("reason", reason).Time("next_attempt_at", at).Msg("Settlement attempt failed, retrying")
		return outcomeRetry
	}

	stored, err := w.ledger.MarkFailed(ctx, txn.ID, reason)
	if err != nil {
		if apperror.HasCode(err, apperror.CodeConsistency) {
			w.alert(ctx, txn, err, log)
			return outcomeConsistency
		}
		log.Error().Err(err).Msg("Failed to record failure")
		return w.requeueLater(txn.ID)
	}

	log.Error().Str("reason", reason).Msg("Transaction failed after final attempt")
	w.notifyFailed(ctx, stored, reason)
	return outcomeFailed
}

// requeueLater retries an item after a storage or lock error. No attempt
// is consumed.
func (w *Worker) requeueLater(id uuid.UUID) string {
	w.queue.EnqueueAt(id, w.now().Add(w.cfg.RequeueDelay))
	return outcomeRequeued
}

// alert reports a ledger consistency violation. The transaction is left as
// stored for an operator to inspect.
func (w *Worker) alert(ctx context.Context, txn *domain.Transaction, err error, log zerolog.Logger) {
	log.Error().Err(err).Bool("alert", true).Msg("Ledger consistency violation")
	w.notifyOperators(ctx, fmt.Sprintf("Consistency violation on transaction %s: %v", txn.ID, err))
}

func (w *Worker) notifySettled(ctx context.Context, txn *domain.Transaction) {
	amount := domain.FormatUnits(txn.Amount)
	switch txn.Kind {
	case domain.TransactionKindTip:
		w.send(ctx, deref(txn.DestinationUserID), fmt.Sprintf("You received %s from %s.", amount, txn.SourceUserID))
	case domain.TransactionKindGiveawayPayout:
		w.send(ctx, deref(txn.DestinationUserID), fmt.Sprintf("You won %s in a giveaway.", amount))
	case domain.TransactionKindWithdraw:
		w.send(ctx, txn.SourceUserID, fmt.Sprintf("Your withdrawal of %s to %s was sent in block %s.",
			amount, txn.DestinationAddress, deref(txn.OnchainID)))
	case domain.TransactionKindGiveawayFund:
		w.send(ctx, txn.SourceUserID, fmt.Sprintf("Your giveaway contribution of %s has settled.", amount))
	}
}

func (w *Worker) notifyFailed(ctx context.Context, txn *domain.Transaction, reason string) {
	if !domain.IsSystemUserID(txn.SourceUserID) {
		w.send(ctx, txn.SourceUserID, fmt.Sprintf("Your %s of %s could not be completed and was returned to your balance.",
			kindLabel(txn.Kind), domain.FormatUnits(txn.Amount)))
	}
	w.notifyOperators(ctx, fmt.Sprintf("Transaction %s failed after %d attempts: %s", txn.ID, txn.Attempts, reason))
}

func (w *Worker) notifyOperators(ctx context.Context, message string) {
	for _, op := range w.operators {
		w.send(ctx, op, message)
	}
}

// send delivers a notification in the background. Delivery is attempted
// once and failures are only logged.
func (w *Worker) send(ctx context.Context, userID, message string) {
	if userID == "" || w.notifier == nil {
		return
	}
	w.notifications.Add(1)
	go func() {
		defer w.notifications.Done()
		if err := w.notifier.Notify(context.WithoutCancel(ctx), userID, message); err != nil {
			w.log.Warn().Err(err).Str("user_id", userID).Msg("Notification not delivered")
		}
	}()
}

func kindLabel(kind domain.TransactionKind) string {
	switch kind {
	case domain.TransactionKindWithdraw:
		return "withdrawal"
	case domain.TransactionKindGiveawayFund:
		return "giveaway contribution"
	case domain.TransactionKindGiveawayPayout:
		return "giveaway payout"
	}
	return "tip"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

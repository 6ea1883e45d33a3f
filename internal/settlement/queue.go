package settlement

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is the in-process settlement queue. Ready items are served in FIFO
// order; items enqueued for a later time wait in a heap and join the tail of
// the ready list when due. An id is held at most once.
//
// The queue is not durable. Pending work is rebuilt from the ledger on
// startup.
type Queue struct {
	mu      sync.Mutex
	ready   []uuid.UUID
	delayed delayHeap
	queued  map[uuid.UUID]struct{}
	wake    chan struct{}
	closed  bool

	now     func() time.Time
	metrics *Metrics
}

// NewQueue creates an empty queue. metrics may be nil.
func NewQueue(metrics *Metrics) *Queue {
	return &Queue{
		queued:  make(map[uuid.UUID]struct{}),
		wake:    make(chan struct{}),
		now:     time.Now,
		metrics: metrics,
	}
}

// Enqueue adds id to the tail of the ready list.
func (q *Queue) Enqueue(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, ok := q.queued[id]; ok {
		return
	}
	q.queued[id] = struct{}{}
	q.ready = append(q.ready, id)
	q.signalLocked()
}

// EnqueueAt adds id to be served no earlier than at.
func (q *Queue) EnqueueAt(id uuid.UUID, at time.Time) {
	if !at.After(q.now()) {
		q.Enqueue(id)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, ok := q.queued[id]; ok {
		return
	}
	q.queued[id] = struct{}{}
	heap.Push(&q.delayed, &delayedItem{id: id, at: at})
	q.signalLocked()
}

// Dequeue blocks until an item is ready, ctx ends, or the queue is closed.
// It returns false in the latter two cases.
func (q *Queue) Dequeue(ctx context.Context) (uuid.UUID, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return uuid.Nil, false
		}
		now := q.now()
		q.promoteLocked(now)
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready[0] = uuid.Nil
			q.ready = q.ready[1:]
			delete(q.queued, id)
			q.metrics.setDepth(len(q.queued))
			q.mu.Unlock()
			return id, true
		}

		var due <-chan time.Time
		var timer *time.Timer
		if q.delayed.Len() > 0 {
			timer = time.NewTimer(q.delayed[0].at.Sub(now))
			due = timer.C
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return uuid.Nil, false
		case <-wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Len returns the number of queued items, ready or delayed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Close wakes every waiting Dequeue and rejects further items. Items still
// queued are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].at.After(now) {
		item := heap.Pop(&q.delayed).(*delayedItem)
		q.ready = append(q.ready, item.id)
	}
}

// signalLocked wakes all waiters; each re-checks the queue.
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
	q.metrics.setDepth(len(q.queued))
}

type delayedItem struct {
	id uuid.UUID
	at time.Time
}

// delayHeap orders delayed items by due time.
type delayHeap []*delayedItem

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) {
	*h = append(*h, x.(*delayedItem))
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Package queue implements the bounded ingress queue feeding the batch
// collector. Transfers are held in a priority-ordered multiset: higher
// priority first, then earlier enqueue time, then admission order. The
// queue applies backpressure by rejecting new work at capacity instead of
// blocking the HTTP handler.
package queue

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/google/uuid"

	"github.com/nearforge/ftgate/types"
)

// item is one queue entry. The sequence number makes the ordering total so
// the treeset never collapses two transfers with equal priority and
// timestamp.
type item struct {
	qt  *types.QueuedTransfer
	seq uint64
}

// byDispatchOrder sorts items into the order the collector drains them.
func byDispatchOrder(a, b interface{}) int {
	ia, ib := a.(*item), b.(*item)
	switch {
	case ia.qt.Priority > ib.qt.Priority:
		return -1
	case ia.qt.Priority < ib.qt.Priority:
		return 1
	}
	switch {
	case ia.qt.EnqueuedAt.Before(ib.qt.EnqueuedAt):
		return -1
	case ib.qt.EnqueuedAt.Before(ia.qt.EnqueuedAt):
		return 1
	}
	switch {
	case ia.seq < ib.seq:
		return -1
	case ia.seq > ib.seq:
		return 1
	}
	return 0
}

// Queue is the bounded ingress queue. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	ordered *treeset.Set
	byID    map[uuid.UUID]*item
	seq     uint64
	cap     int
	flushAt int
	closed  bool

	wake chan struct{}
}

// New returns an empty queue holding at most capacity transfers. When the
// depth reaches flushAt the queue signals its wake channel so the collector
// can cut a batch without waiting for the next tick; flushAt <= 0 disables
// the signal.
func New(capacity, flushAt int) *Queue {
	return &Queue{
		ordered: treeset.NewWith(byDispatchOrder),
		byID:    make(map[uuid.UUID]*item),
		cap:     capacity,
		flushAt: flushAt,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue admits a transfer and returns its queue ID. The request must
// already be validated. Returns a QUEUE_FULL error at capacity and a
// SHUTTING_DOWN error once the queue is closed.
func (q *Queue) Enqueue(req types.TransferRequest, priority float64) (*types.QueuedTransfer, error) {
	qt := &types.QueuedTransfer{
		ID:         uuid.New(),
		Request:    req,
		EnqueuedAt: time.Now(),
		Priority:   types.ClampPriority(priority),
	}
	if err := q.admit(qt); err != nil {
		return nil, err
	}
	return qt, nil
}

// Requeue re-admits a transfer that failed with a retryable error. The
// transfer keeps its ID; the caller is expected to have decayed its
// priority and bumped its retry count. Subject to the same capacity and
// shutdown checks as Enqueue.
func (q *Queue) Requeue(qt *types.QueuedTransfer) error {
	return q.admit(qt)
}

func (q *Queue) admit(qt *types.QueuedTransfer) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.Errorf(types.KindShuttingDown, "queue closed")
	}
	if len(q.byID) >= q.cap {
		q.mu.Unlock()
		return types.Errorf(types.KindQueueFull, "queue at capacity %d", q.cap)
	}
	q.seq++
	it := &item{qt: qt, seq: q.seq}
	q.ordered.Add(it)
	q.byID[qt.ID] = it
	depth := len(q.byID)
	q.mu.Unlock()

	if q.flushAt > 0 && depth >= q.flushAt {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Drain removes and returns up to n transfers in dispatch order. Returns
// nil when the queue is empty.
func (q *Queue) Drain(n int) []*types.QueuedTransfer {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.byID) == 0 {
		return nil
	}
	if n > len(q.byID) {
		n = len(q.byID)
	}
	picked := make([]*item, 0, n)
	it := q.ordered.Iterator()
	for it.Next() && len(picked) < n {
		picked = append(picked, it.Value().(*item))
	}
	out := make([]*types.QueuedTransfer, len(picked))
	for i, p := range picked {
		q.ordered.Remove(p)
		delete(q.byID, p.qt.ID)
		out[i] = p.qt
	}
	return out
}

// DrainAll empties the queue. Used at shutdown to cancel whatever the
// collector never picked up.
func (q *Queue) DrainAll() []*types.QueuedTransfer {
	q.mu.Lock()
	n := len(q.byID)
	q.mu.Unlock()
	return q.Drain(n)
}

// Contains reports whether a transfer is still waiting in the queue.
func (q *Queue) Contains(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.cap }

// Wake exposes the flush signal. The channel carries at most one pending
// signal; receivers treat it as a hint, not a count.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Close stops admission. Draining remains possible so in-flight work can
// finish and leftovers can be cancelled.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether admission has stopped.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Package updatequeue implements the bounded FIFO that carries membership
// NodeUpdate events to downstream consumers, with blocking push/pop, a
// non-blocking drain, multi-producer tolerance and cooperative
// cancellation.
package updatequeue

import (
	"context"
	"sync"

	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/membership"
	"github.com/amirimatin/members-manager/pkg/observability/metrics"
)

// Queue is a bounded FIFO of membership.NodeUpdate values.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []membership.NodeUpdate
	cap      int
	aborted  bool
}

// New returns a Queue with the given capacity. capacity must be >= 1.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{cap: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// PushEventually blocks the caller while the queue is full, then enqueues
// upd. It returns errs.ErrCancelled if the queue is aborted before or while
// waiting, or if ctx is done first.
func (q *Queue) PushEventually(ctx context.Context, upd membership.NodeUpdate) error {
	done := q.watchCtx(ctx)
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.aborted && len(q.items) >= q.cap && ctx.Err() == nil {
		q.notFull.Wait()
	}
	if q.aborted {
		return errs.ErrCancelled
	}
	if ctx.Err() != nil {
		return errs.ErrCancelled
	}

	q.items = append(q.items, upd)
	metrics.UpdateQueueDepth.Set(float64(len(q.items)))
	q.notEmpty.Signal()
	return nil
}

// PopEventually blocks the caller while the queue is empty, then returns
// the oldest item. It returns errs.ErrCancelled on abort or ctx
// cancellation.
func (q *Queue) PopEventually(ctx context.Context) (membership.NodeUpdate, error) {
	done := q.watchCtx(ctx)
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.aborted && len(q.items) == 0 && ctx.Err() == nil {
		q.notEmpty.Wait()
	}
	if q.aborted || len(q.items) == 0 {
		return membership.NodeUpdate{}, errs.ErrCancelled
	}

	upd := q.items[0]
	q.items = q.items[1:]
	metrics.UpdateQueueDepth.Set(float64(len(q.items)))
	q.notFull.Signal()
	return upd, nil
}

// DrainNonblocking returns every currently queued item, in insertion order,
// without blocking. It does not observe abort: a drain after abort simply
// returns whatever remains.
func (q *Queue) DrainNonblocking() []membership.NodeUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	metrics.UpdateQueueDepth.Set(0)
	q.notFull.Broadcast()
	return out
}

// Abort fails every pending and future PushEventually/PopEventually call
// with errs.ErrCancelled. It is idempotent.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted {
		return
	}
	q.aborted = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// watchCtx spawns a goroutine that wakes any Cond.Wait when ctx is done,
// since sync.Cond has no native context support. The returned channel must
// be closed by the caller to stop the goroutine.
func (q *Queue) watchCtx(ctx context.Context) chan struct{} {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.notFull.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	return done
}

// Len returns the number of currently queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

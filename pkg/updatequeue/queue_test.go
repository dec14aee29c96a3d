package updatequeue

import (
	"context"
	"testing"
	"time"

	"github.com/amirimatin/members-manager/pkg/errs"
	"github.com/amirimatin/members-manager/pkg/membership"
)

func TestQueue_PushPopOrder(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.PushEventually(ctx, membership.NodeUpdate{ID: membership.NodeID(i), Offset: int64(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		upd, err := q.PopEventually(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if upd.Offset != int64(i) {
			t.Fatalf("fifo violated: expected offset %d, got %d", i, upd.Offset)
		}
	}
}

func TestQueue_PushBlocksWhenFull(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	if err := q.PushEventually(ctx, membership.NodeUpdate{Offset: 1}); err != nil {
		t.Fatalf("first push: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.PushEventually(ctx, membership.NodeUpdate{Offset: 2}) }()

	select {
	case <-done:
		t.Fatalf("push on full queue should block until a pop frees a slot")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.PopEventually(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked push: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked push did not unblock after a pop")
	}
}

func TestQueue_PopBlocksWhenEmpty(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := q.PopEventually(ctx)
		done <- err
	}()

	select {
	case <-done:
		t.Fatalf("pop on empty queue should block")
	case <-time.After(50 * time.Millisecond):
	}

	if err := q.PushEventually(ctx, membership.NodeUpdate{Offset: 1}); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked pop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked pop did not unblock after a push")
	}
}

func TestQueue_DrainNonblocking(t *testing.T) {
	q := New(8)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q.PushEventually(ctx, membership.NodeUpdate{Offset: int64(i)})
	}
	items := q.DrainNonblocking()
	if len(items) != 3 {
		t.Fatalf("expected 3 drained items, got %d", len(items))
	}
	for i, it := range items {
		if it.Offset != int64(i) {
			t.Fatalf("drain order violated at %d: got offset %d", i, it.Offset)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after drain, got len=%d", q.Len())
	}
}

func TestQueue_AbortFailsPendingAndFutureCalls(t *testing.T) {
	q := New(1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := q.PopEventually(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Abort()

	select {
	case err := <-done:
		if err != errs.ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("abort did not wake blocked pop")
	}

	if err := q.PushEventually(ctx, membership.NodeUpdate{}); err != errs.ErrCancelled {
		t.Fatalf("expected push after abort to fail, got %v", err)
	}
	if _, err := q.PopEventually(ctx); err != errs.ErrCancelled {
		t.Fatalf("expected pop after abort to fail, got %v", err)
	}

	// Idempotent.
	q.Abort()
}

func TestQueue_ContextCancellationUnblocksPush(t *testing.T) {
	q := New(1)
	q.PushEventually(context.Background(), membership.NodeUpdate{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.PushEventually(ctx, membership.NodeUpdate{}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != errs.ErrCancelled {
			t.Fatalf("expected ErrCancelled on ctx cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("ctx cancellation did not unblock push")
	}
}

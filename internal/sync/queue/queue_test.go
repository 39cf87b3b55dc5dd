package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/storage"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func repsPatch(n int) *models.SetPatch {
	return &models.SetPatch{Reps: &n}
}

// =====================================================
// Enqueue Tests
// =====================================================

// TestQueueEnqueue verifies stamping and FIFO order.
func TestQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemory(), WithClock(fixedClock(1000)))

	first, err := q.Enqueue(ctx, Item{Action: ActionEdit, TargetID: "set-a", Payload: repsPatch(5)})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if first.EnqueuedAt != 1000 {
		t.Errorf("EnqueuedAt = %d, want 1000", first.EnqueuedAt)
	}

	// Same clock reading: the second stamp is bumped past the tail.
	second, err := q.Enqueue(ctx, Item{Action: ActionDelete, TargetID: "set-b"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if second.EnqueuedAt != 1001 {
		t.Errorf("EnqueuedAt = %d, want 1001", second.EnqueuedAt)
	}

	items, err := q.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	want := []Item{first, second}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("ListAll mismatch (-want +got):\n%s", diff)
	}
}

// TestQueueEnqueue_noDedup verifies repeated edits of one set are all kept.
func TestQueueEnqueue_noDedup(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemory())

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, Item{Action: ActionEdit, TargetID: "set-a", Payload: repsPatch(i)}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
}

// TestQueueEnqueue_invalid verifies malformed items are rejected.
func TestQueueEnqueue_invalid(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemory())

	tests := []struct {
		name string
		item Item
	}{
		{"unknown action", Item{Action: "CREATE", TargetID: "x"}},
		{"missing target", Item{Action: ActionDelete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.item)
			if !apperrors.Is(err, apperrors.ErrInvalid) {
				t.Errorf("Enqueue error = %v, want INVALID_INPUT", err)
			}
		})
	}
}

// TestQueueEnqueue_persistenceFailure verifies write failures surface.
func TestQueueEnqueue_persistenceFailure(t *testing.T) {
	ctx := context.Background()
	faulty := storage.NewFaulty(storage.NewMemory())
	faulty.FailSets(true)
	q := New(faulty)

	_, err := q.Enqueue(ctx, Item{Action: ActionDelete, TargetID: "set-a"})
	if !apperrors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("Enqueue error = %v, want PERSISTENCE_ERROR", err)
	}

	faulty.FailSets(false)
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len = %d, want 0 after failed enqueue", n)
	}
}

// TestQueueEnqueue_corruptBlob verifies an undecodable queue is an error,
// not a silently empty queue.
func TestQueueEnqueue_corruptBlob(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.Set(ctx, storage.KeyQueue, []byte("{not json")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, err := New(store).ListAll(ctx)
	if !apperrors.Is(err, apperrors.ErrPersistence) {
		t.Errorf("ListAll error = %v, want PERSISTENCE_ERROR", err)
	}
}

// TestQueueEnqueue_concurrent verifies parallel appends lose nothing.
func TestQueueEnqueue_concurrent(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemory())

	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(ctx, Item{Action: ActionDelete, TargetID: "set"}); err != nil {
				t.Errorf("Enqueue failed: %v", err)
			}
		}()
	}
	wg.Wait()

	items, err := q.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(items) != writers {
		t.Fatalf("len(items) = %d, want %d", len(items), writers)
	}
	for i := 1; i < len(items); i++ {
		if items[i].EnqueuedAt <= items[i-1].EnqueuedAt {
			t.Errorf("items[%d].EnqueuedAt = %d, not after %d", i, items[i].EnqueuedAt, items[i-1].EnqueuedAt)
		}
	}
}

// =====================================================
// Remove / Clear Tests
// =====================================================

// TestQueueRemove verifies removal by identity and idempotence.
func TestQueueRemove(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemory())

	a, _ := q.Enqueue(ctx, Item{Action: ActionEdit, TargetID: "set-a", Payload: repsPatch(1)})
	b, _ := q.Enqueue(ctx, Item{Action: ActionEdit, TargetID: "set-a", Payload: repsPatch(2)})

	removed, err := q.Remove(ctx, a)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Error("Remove = false, want true")
	}

	removed, err = q.Remove(ctx, a)
	if err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if removed {
		t.Error("second Remove = true, want false")
	}

	items, _ := q.ListAll(ctx)
	if diff := cmp.Diff([]Item{b}, items); diff != "" {
		t.Errorf("remaining items mismatch (-want +got):\n%s", diff)
	}
}

// TestQueueClear verifies Clear empties the queue.
func TestQueueClear(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemory())
	q.Enqueue(ctx, Item{Action: ActionDelete, TargetID: "set-a"})

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

// =====================================================
// Durability / Hook Tests
// =====================================================

// TestQueue_survivesReopen verifies items outlive the Queue value.
func TestQueue_survivesReopen(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	written, err := New(store).Enqueue(ctx, Item{Action: ActionEdit, TargetID: "set-a", Payload: repsPatch(8)})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := New(store).ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if diff := cmp.Diff([]Item{written}, items); diff != "" {
		t.Errorf("reopened queue mismatch (-want +got):\n%s", diff)
	}
}

// TestQueueOnNonEmpty verifies the hook fires only on the empty transition.
func TestQueueOnNonEmpty(t *testing.T) {
	ctx := context.Background()
	q := New(storage.NewMemory())

	var fired atomic.Int32
	q.OnNonEmpty(func() { fired.Add(1) })

	q.Enqueue(ctx, Item{Action: ActionDelete, TargetID: "a"})
	q.Enqueue(ctx, Item{Action: ActionDelete, TargetID: "b"})
	if got := fired.Load(); got != 1 {
		t.Errorf("hook fired %d times, want 1", got)
	}

	q.Clear(ctx)
	q.Enqueue(ctx, Item{Action: ActionDelete, TargetID: "c"})
	if got := fired.Load(); got != 2 {
		t.Errorf("hook fired %d times, want 2", got)
	}
}

// TestItemSince verifies the enqueue time conversion.
func TestItemSince(t *testing.T) {
	item := Item{EnqueuedAt: 1_700_000_000_123}
	if got := item.Since().UnixMilli(); got != 1_700_000_000_123 {
		t.Errorf("Since().UnixMilli() = %d, want 1700000000123", got)
	}
}

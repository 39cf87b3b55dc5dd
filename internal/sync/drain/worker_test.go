package drain

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/storage"
	"github.com/kimhsiao/fitcoach/core/internal/sync/queue"
)

// fakeReplayer records calls and answers with scripted errors keyed by
// target id.
type fakeReplayer struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	block   chan struct{} // when set, every call waits on it
	entered chan struct{} // receives once per call before blocking
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{errs: make(map[string]error)}
}

func (f *fakeReplayer) record(ctx context.Context, call, target string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call+" "+target)
	err := f.errs[target]
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeReplayer) UpdateSet(ctx context.Context, setID string, patch models.SetPatch) (*models.WorkoutSet, error) {
	if err := f.record(ctx, "PATCH", setID); err != nil {
		return nil, err
	}
	return &models.WorkoutSet{ID: setID}, nil
}

func (f *fakeReplayer) DeleteSet(ctx context.Context, setID string) error {
	return f.record(ctx, "DELETE", setID)
}

func (f *fakeReplayer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newQueue(t *testing.T, items ...queue.Item) (*queue.Queue, *storage.Faulty) {
	t.Helper()
	store := storage.NewFaulty(storage.NewMemory())
	q := queue.New(store)
	for _, it := range items {
		if _, err := q.Enqueue(context.Background(), it); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	return q, store
}

func edit(target string) queue.Item {
	reps := 10
	return queue.Item{Action: queue.ActionEdit, TargetID: target, Payload: &models.SetPatch{Reps: &reps}}
}

func del(target string) queue.Item {
	return queue.Item{Action: queue.ActionDelete, TargetID: target}
}

func targets(t *testing.T, q *queue.Queue) []string {
	t.Helper()
	items, err := q.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	out := []string{}
	for _, it := range items {
		out = append(out, it.TargetID)
	}
	return out
}

// =====================================================
// Drain Algorithm Tests
// =====================================================

// TestDrain_replaysInOrder verifies FIFO replay and removal.
func TestDrain_replaysInOrder(t *testing.T) {
	q, _ := newQueue(t, edit("a"), del("b"), edit("c"))
	api := newFakeReplayer()
	w := New(q, api, nil)

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	want := []string{"PATCH a", "DELETE b", "PATCH c"}
	if diff := cmp.Diff(want, api.Calls()); diff != "" {
		t.Errorf("replay order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Result{Replayed: 3}, res); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
	if got := targets(t, q); len(got) != 0 {
		t.Errorf("queue = %v, want empty", got)
	}
}

// TestDrain_networkFailureKeepsItem verifies that a network failure leaves
// the item queued and the drain continues with the next one.
func TestDrain_networkFailureKeepsItem(t *testing.T) {
	q, _ := newQueue(t, edit("a"), edit("b"))
	api := newFakeReplayer()
	api.errs["a"] = apperrors.Network("PATCH /sets/a", context.DeadlineExceeded)
	w := New(q, api, nil)

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if diff := cmp.Diff([]string{"a"}, targets(t, q)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
	if res.Retained != 1 || res.Replayed != 1 || res.Remaining != 1 {
		t.Errorf("Result = %+v, want 1 retained, 1 replayed, 1 remaining", res)
	}
}

// TestDrain_serverRejectionDropsItem verifies rejected items are removed.
func TestDrain_serverRejectionDropsItem(t *testing.T) {
	q, _ := newQueue(t, del("gone"), edit("ok"))
	api := newFakeReplayer()
	api.errs["gone"] = apperrors.ServerRejected("DELETE /sets/gone", http.StatusNotFound, []byte(`{"detail":"Set not found"}`))
	w := New(q, api, nil)

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Dropped != 1 || res.Replayed != 1 {
		t.Errorf("Result = %+v, want 1 dropped, 1 replayed", res)
	}
	if got := targets(t, q); len(got) != 0 {
		t.Errorf("queue = %v, want empty", got)
	}
}

// TestDrain_unclassifiedFailureKeepsItem verifies errors that are neither
// network nor rejection keep the item.
func TestDrain_unclassifiedFailureKeepsItem(t *testing.T) {
	q, _ := newQueue(t, edit("a"))
	api := newFakeReplayer()
	api.errs["a"] = apperrors.New(apperrors.ErrInternal, "decode response")
	w := New(q, api, nil)

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res.Retained != 1 {
		t.Errorf("Retained = %d, want 1", res.Retained)
	}
}

// TestDrain_persistenceFailureAborts verifies a failed removal stops the
// drain and is reported.
func TestDrain_persistenceFailureAborts(t *testing.T) {
	q, store := newQueue(t, edit("a"), edit("b"))
	api := newFakeReplayer()
	store.FailSets(true)
	w := New(q, api, nil)

	_, err := w.Drain(context.Background())
	if !apperrors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("Drain error = %v, want PERSISTENCE_ERROR", err)
	}
	if got := len(api.Calls()); got != 1 {
		t.Errorf("replayed %d items, want 1 before abort", got)
	}

	store.FailSets(false)
	if diff := cmp.Diff([]string{"a", "b"}, targets(t, q)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
}

// TestDrain_emptyQueue verifies an empty drain does nothing.
func TestDrain_emptyQueue(t *testing.T) {
	q, _ := newQueue(t)
	api := newFakeReplayer()
	w := New(q, api, nil)

	var events []EventType
	w.OnEvent(func(ev Event) { events = append(events, ev.Type) })

	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if res != (Result{}) || len(events) != 0 {
		t.Errorf("Result = %+v events = %v, want zero and none", res, events)
	}
}

// =====================================================
// Concurrency Tests
// =====================================================

// TestDrain_notReentrant verifies a second drain is skipped while one runs.
func TestDrain_notReentrant(t *testing.T) {
	q, _ := newQueue(t, edit("a"))
	api := newFakeReplayer()
	api.block = make(chan struct{})
	api.entered = make(chan struct{}, 1)
	w := New(q, api, nil)

	done := make(chan Result)
	go func() {
		res, _ := w.Drain(context.Background())
		done <- res
	}()
	<-api.entered

	if !w.Draining() {
		t.Error("Draining() = false during drain")
	}
	res, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if !res.Skipped {
		t.Errorf("second Drain Skipped = false, want true")
	}

	close(api.block)
	if first := <-done; first.Replayed != 1 {
		t.Errorf("first drain Replayed = %d, want 1", first.Replayed)
	}
	if got := len(api.Calls()); got != 1 {
		t.Errorf("replayed %d times, want 1", got)
	}
}

// TestWorker_startDrainsImmediately verifies the mount-time drain.
func TestWorker_startDrainsImmediately(t *testing.T) {
	q, _ := newQueue(t, del("a"))
	api := newFakeReplayer()
	w := New(q, api, &Config{Interval: time.Hour})

	finished := make(chan Result, 1)
	w.OnEvent(func(ev Event) {
		if ev.Type == EventDrainFinished {
			finished <- *ev.Result
		}
	})

	w.Start(context.Background())
	defer w.Stop()

	select {
	case res := <-finished:
		if res.Replayed != 1 {
			t.Errorf("Replayed = %d, want 1", res.Replayed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mount drain")
	}
}

// TestWorker_contextCancelStopsLoop verifies the worker can be restarted
// after its context ends.
func TestWorker_contextCancelStopsLoop(t *testing.T) {
	q, _ := newQueue(t)
	api := newFakeReplayer()
	w := New(q, api, &Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	if !w.IsRunning() {
		t.Fatal("IsRunning = false after Start, want true")
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for w.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("IsRunning still true after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	finished := make(chan Result, 1)
	w.OnEvent(func(ev Event) {
		if ev.Type == EventDrainFinished {
			finished <- *ev.Result
		}
	})
	if _, err := q.Enqueue(context.Background(), del("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	w.Start(context.Background())
	defer w.Stop()
	if !w.IsRunning() {
		t.Fatal("IsRunning = false after restart, want true")
	}

	select {
	case res := <-finished:
		if res.Replayed != 1 {
			t.Errorf("Replayed = %d, want 1", res.Replayed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("restarted worker did not drain")
	}
}

// TestWorker_trigger verifies on-demand drains.
func TestWorker_trigger(t *testing.T) {
	q, _ := newQueue(t)
	api := newFakeReplayer()
	w := New(q, api, &Config{Interval: time.Hour})

	finished := make(chan struct{}, 1)
	w.OnEvent(func(ev Event) {
		if ev.Type == EventDrainFinished {
			finished <- struct{}{}
		}
	})

	w.Start(context.Background())
	defer w.Stop()

	if _, err := q.Enqueue(context.Background(), del("late")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	w.Trigger()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for triggered drain")
	}
	if diff := cmp.Diff([]string{"DELETE late"}, api.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

// TestWorker_tickerDrainsPending verifies the periodic drain.
func TestWorker_tickerDrainsPending(t *testing.T) {
	q, _ := newQueue(t)
	api := newFakeReplayer()
	w := New(q, api, &Config{Interval: 10 * time.Millisecond})

	finished := make(chan struct{}, 1)
	w.OnEvent(func(ev Event) {
		if ev.Type == EventDrainFinished {
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	})

	w.Start(context.Background())
	defer w.Stop()

	if _, err := q.Enqueue(context.Background(), edit("tick")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ticker drain")
	}
}

// TestWorker_stopWaitsForInFlightDrain verifies Stop lets the current
// replay commit.
func TestWorker_stopWaitsForInFlightDrain(t *testing.T) {
	q, _ := newQueue(t, edit("a"))
	api := newFakeReplayer()
	api.block = make(chan struct{})
	api.entered = make(chan struct{}, 1)
	w := New(q, api, &Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	<-api.entered

	stopped := make(chan struct{})
	go func() {
		cancel()
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a drain was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(api.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the drain finished")
	}

	if got := targets(t, q); len(got) != 0 {
		t.Errorf("queue = %v, want empty after in-flight drain committed", got)
	}
	if w.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

// =====================================================
// Event Tests
// =====================================================

// TestWorker_events verifies the event sequence and listener removal.
func TestWorker_events(t *testing.T) {
	q, _ := newQueue(t, edit("ok"), edit("offline"), del("rejected"))
	api := newFakeReplayer()
	api.errs["offline"] = apperrors.Network("PATCH", context.DeadlineExceeded)
	api.errs["rejected"] = apperrors.ServerRejected("DELETE", http.StatusConflict, nil)
	w := New(q, api, nil)

	var got []EventType
	remove := w.OnEvent(func(ev Event) { got = append(got, ev.Type) })

	if _, err := w.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	want := []EventType{EventDrainStarted, EventItemReplayed, EventItemRetained, EventItemDropped, EventDrainFinished}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	remove()
	got = nil
	if _, err := w.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("removed listener received %v", got)
	}
}

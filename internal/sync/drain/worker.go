// Package drain replays queued offline mutations against the backend.
package drain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/sync/queue"
)

// Replayer sends a queued mutation to the backend. *api.Client satisfies it.
type Replayer interface {
	UpdateSet(ctx context.Context, setID string, patch models.SetPatch) (*models.WorkoutSet, error)
	DeleteSet(ctx context.Context, setID string) error
}

// Config holds worker configuration.
type Config struct {
	Interval time.Duration // How often to check for pending items (default: 5 seconds)
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Second,
	}
}

// Result summarizes one drain pass.
type Result struct {
	Skipped   bool `json:"skipped"`
	Replayed  int  `json:"replayed"`
	Retained  int  `json:"retained"`
	Dropped   int  `json:"dropped"`
	Remaining int  `json:"remaining"`
}

// EventType names a drain event.
type EventType string

const (
	EventDrainStarted  EventType = "drain.started"
	EventItemReplayed  EventType = "item.replayed"
	EventItemRetained  EventType = "item.retained"
	EventItemDropped   EventType = "item.dropped"
	EventDrainFinished EventType = "drain.finished"
)

// Event is delivered to listeners registered with OnEvent.
type Event struct {
	Type   EventType   `json:"type"`
	Item   *queue.Item `json:"item,omitempty"`
	Error  string      `json:"error,omitempty"`
	Result *Result     `json:"result,omitempty"`
	At     time.Time   `json:"at"`
}

// Worker drains the queue. At most one drain runs at a time; Drain called
// while another drain is in flight returns immediately with Skipped set.
type Worker struct {
	queue    *queue.Queue
	api      Replayer
	interval time.Duration
	now      func() time.Time

	draining atomic.Bool
	trigger  chan struct{}

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	listenerMu sync.RWMutex
	listeners  map[int]func(Event)
	nextID     int
}

// New creates a Worker.
func New(q *queue.Queue, api Replayer, config *Config) *Worker {
	if config == nil {
		config = DefaultConfig()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}

	return &Worker{
		queue:     q,
		api:       api,
		interval:  interval,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
		listeners: make(map[int]func(Event)),
	}
}

// Start runs one drain immediately and then keeps draining on the ticker
// and on Trigger until Stop is called or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx, stopCh)

	logging.Info("Queue drain worker started", map[string]interface{}{
		"component":   "drain",
		"interval_ms": w.interval.Milliseconds(),
	})
}

// Stop stops the ticker and waits for an in-flight drain to commit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()

	logging.Info("Queue drain worker stopped", map[string]interface{}{"component": "drain"})
}

// IsRunning reports whether the background loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

// Draining reports whether a drain is in flight.
func (w *Worker) Draining() bool {
	return w.draining.Load()
}

// Trigger asks the background loop for a drain. Requests coalesce: many
// triggers while one is pending produce a single drain.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// OnEvent registers fn for drain events and returns a function that
// removes it. fn is called synchronously from the draining goroutine and
// must not block.
func (w *Worker) OnEvent(fn func(Event)) (remove func()) {
	w.listenerMu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.listenerMu.Unlock()

	return func() {
		w.listenerMu.Lock()
		delete(w.listeners, id)
		w.listenerMu.Unlock()
	}
}

func (w *Worker) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer w.wg.Done()

	// Stop must not abort a drain halfway through a replay.
	drainCtx := context.WithoutCancel(ctx)
	w.runDrain(drainCtx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.stopCh == stopCh {
				w.isRunning = false
			}
			w.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-w.trigger:
			w.runDrain(drainCtx)
		case <-ticker.C:
			n, err := w.queue.Len(drainCtx)
			if err != nil {
				logging.ErrorWithCode("Failed to read queue length", string(apperrors.CodeOf(err)), err,
					map[string]interface{}{"component": "drain"})
				continue
			}
			if n > 0 {
				w.runDrain(drainCtx)
			}
		}
	}
}

func (w *Worker) runDrain(ctx context.Context) {
	if _, err := w.Drain(ctx); err != nil {
		logging.ErrorWithCode("Queue drain aborted", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"component": "drain"})
	}
}

// Drain replays a snapshot of the queue in FIFO order. Replayed items and
// items the server rejects are removed one by one as they complete; items
// that hit a network failure stay queued for the next drain. A persistence
// failure stops the drain and is returned.
func (w *Worker) Drain(ctx context.Context) (Result, error) {
	if !w.draining.CompareAndSwap(false, true) {
		logging.Debug("Drain already in progress, skipping", map[string]interface{}{"component": "drain"})
		return Result{Skipped: true}, nil
	}
	defer w.draining.Store(false)

	var res Result
	items, err := w.queue.ListAll(ctx)
	if err != nil {
		return res, err
	}
	if len(items) == 0 {
		return res, nil
	}

	w.emit(Event{Type: EventDrainStarted})
	logging.Info("Draining offline queue", map[string]interface{}{
		"component": "drain",
		"count":     len(items),
	})

	for i := range items {
		item := items[i]
		replayErr := w.replay(ctx, item)

		switch {
		case replayErr == nil:
			if _, err := w.queue.Remove(ctx, item); err != nil {
				return res, err
			}
			res.Replayed++
			w.emit(Event{Type: EventItemReplayed, Item: &item})

		case apperrors.IsNetwork(replayErr):
			res.Retained++
			w.emit(Event{Type: EventItemRetained, Item: &item, Error: replayErr.Error()})

		case apperrors.IsServerRejected(replayErr), apperrors.Is(replayErr, apperrors.ErrInvalid):
			if _, err := w.queue.Remove(ctx, item); err != nil {
				return res, err
			}
			res.Dropped++
			logging.ErrorWithCode("Dropped queued mutation", string(apperrors.CodeOf(replayErr)), replayErr,
				map[string]interface{}{
					"component":   "drain",
					"action":      string(item.Action),
					"target_id":   item.TargetID,
					"status":      apperrors.StatusOf(replayErr),
					"enqueued_at": item.EnqueuedAt,
				})
			w.emit(Event{Type: EventItemDropped, Item: &item, Error: replayErr.Error()})

		default:
			// Not classified as a rejection, so the server may never have
			// seen it. Keep it.
			res.Retained++
			logging.Warn("Queued mutation failed, keeping it", map[string]interface{}{
				"component": "drain",
				"target_id": item.TargetID,
				"error":     replayErr.Error(),
			})
			w.emit(Event{Type: EventItemRetained, Item: &item, Error: replayErr.Error()})
		}
	}

	remaining, err := w.queue.Len(ctx)
	if err != nil {
		return res, err
	}
	res.Remaining = remaining

	logging.Info("Queue drain completed", map[string]interface{}{
		"component": "drain",
		"replayed":  res.Replayed,
		"retained":  res.Retained,
		"dropped":   res.Dropped,
		"remaining": res.Remaining,
	})
	done := res
	w.emit(Event{Type: EventDrainFinished, Result: &done})

	return res, nil
}

func (w *Worker) replay(ctx context.Context, item queue.Item) error {
	switch item.Action {
	case queue.ActionEdit:
		var patch models.SetPatch
		if item.Payload != nil {
			patch = *item.Payload
		}
		_, err := w.api.UpdateSet(ctx, item.TargetID, patch)
		return err
	case queue.ActionDelete:
		return w.api.DeleteSet(ctx, item.TargetID)
	default:
		return apperrors.New(apperrors.ErrInvalid, "unknown queue action "+string(item.Action))
	}
}

func (w *Worker) emit(ev Event) {
	ev.At = w.now()

	w.listenerMu.RLock()
	fns := make([]func(Event), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.listenerMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

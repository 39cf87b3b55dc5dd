// Package queue provides the durable mutation queue: set edits and deletes
// made while offline, persisted until the drain worker replays them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/storage"
)

// Action is the kind of deferred mutation. Creations never appear here:
// they need a server-assigned id that does not exist yet.
type Action string

const (
	ActionEdit   Action = "EDIT"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionEdit || a == ActionDelete
}

// Item is one deferred mutation against a set.
type Item struct {
	Action     Action           `json:"action"`
	TargetID   string           `json:"targetId"`
	Payload    *models.SetPatch `json:"payload,omitempty"`
	EnqueuedAt int64            `json:"enqueuedAt"` // epoch millis
}

// Matches reports whether other identifies the same queue entry.
func (i Item) Matches(other Item) bool {
	return i.TargetID == other.TargetID && i.Action == other.Action && i.EnqueuedAt == other.EnqueuedAt
}

// Since returns the enqueue time, for "pending since" display.
func (i Item) Since() time.Time {
	return time.UnixMilli(i.EnqueuedAt)
}

// Queue is a FIFO of Items stored as one JSON blob under a single key.
// Every operation is a read-modify-write of that blob, serialized by mu, so
// concurrent appends cannot drop each other's entries.
type Queue struct {
	store storage.Store
	key   string
	now   func() time.Time

	mu sync.Mutex

	hookMu     sync.RWMutex
	onNonEmpty []func()
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the enqueue clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// New creates a Queue persisted in store.
func New(store storage.Store, opts ...Option) *Queue {
	q := &Queue{
		store: store,
		key:   storage.KeyQueue,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnNonEmpty registers fn to run after an Enqueue moves the queue from
// empty to non-empty. fn runs outside the queue lock.
func (q *Queue) OnNonEmpty(fn func()) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.onNonEmpty = append(q.onNonEmpty, fn)
}

// Enqueue appends item. EnqueuedAt is stamped from the queue clock when
// zero, and is bumped past the current tail so that queue order and
// enqueue time always agree and (TargetID, Action, EnqueuedAt) is unique.
// The only failure for a well-formed item is a persistence error.
func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if !item.Action.Valid() {
		return Item{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown queue action %q", item.Action))
	}
	if item.TargetID == "" {
		return Item{}, apperrors.New(apperrors.ErrInvalid, "queue item has no target id")
	}

	q.mu.Lock()
	items, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		return Item{}, err
	}

	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = q.now().UnixMilli()
	}
	if n := len(items); n > 0 && item.EnqueuedAt <= items[n-1].EnqueuedAt {
		item.EnqueuedAt = items[n-1].EnqueuedAt + 1
	}

	wasEmpty := len(items) == 0
	items = append(items, item)
	if err := q.save(ctx, items); err != nil {
		q.mu.Unlock()
		return Item{}, err
	}
	pending := len(items)
	q.mu.Unlock()

	logging.Info("Enqueued offline mutation", map[string]interface{}{
		"component": "queue",
		"action":    string(item.Action),
		"target_id": item.TargetID,
		"pending":   pending,
	})

	if wasEmpty {
		q.hookMu.RLock()
		hooks := append([]func(){}, q.onNonEmpty...)
		q.hookMu.RUnlock()
		for _, fn := range hooks {
			fn()
		}
	}

	return item, nil
}

// ListAll returns the whole queue in insertion order.
func (q *Queue) ListAll(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Remove deletes the first entry matching item. Removing an entry that is
// already gone is a no-op and reports false.
func (q *Queue) Remove(ctx context.Context, item Item) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return false, err
	}

	for i := range items {
		if items[i].Matches(item) {
			items = append(items[:i], items[i+1:]...)
			if err := q.save(ctx, items); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Remove(ctx, q.key); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "clear queue", err)
	}

	logging.Info("Queue cleared", map[string]interface{}{"component": "queue"})
	return nil
}

func (q *Queue) load(ctx context.Context) ([]Item, error) {
	data, found, err := q.store.Get(ctx, q.key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "read queue", err)
	}
	if !found || len(data) == 0 {
		return []Item{}, nil
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "decode queue", err)
	}
	if items == nil {
		items = []Item{}
	}
	return items, nil
}

func (q *Queue) save(ctx context.Context, items []Item) error {
	data, err := json.Marshal(items)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "encode queue", err)
	}
	if err := q.store.Set(ctx, q.key, data); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "write queue", err)
	}
	return nil
}

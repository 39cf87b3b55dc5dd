// Package sync decides, per operation, whether to go to the backend, serve
// the read-through cache, or queue a mutation for later replay.
package sync

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/sync/cache"
	"github.com/kimhsiao/fitcoach/core/internal/sync/queue"
	"github.com/kimhsiao/fitcoach/core/internal/uuid"
)

// API is the slice of the backend the orchestrator uses. *api.Client
// satisfies it.
type API interface {
	UpdateSet(ctx context.Context, setID string, patch models.SetPatch) (*models.WorkoutSet, error)
	DeleteSet(ctx context.Context, setID string) error
	AddSet(ctx context.Context, workoutExerciseID string, body models.NewSet) (*models.WorkoutSet, error)

	ListWorkouts(ctx context.Context, limit int) (*models.HistoryPage, error)
	GetWorkout(ctx context.Context, workoutID string) (*models.Workout, error)
	StatsSummary(ctx context.Context, days int) (*models.StatsSummary, error)

	StartWorkout(ctx context.Context) (*models.Workout, error)
	AddExercise(ctx context.Context, workoutID string, body models.AddExercise) (*models.Workout, error)
	FinishWorkout(ctx context.Context, workoutID string, body models.FinishWorkout) (*models.Workout, error)
	DiscardWorkout(ctx context.Context, workoutID string) error
	UpdateWorkout(ctx context.Context, workoutID string, body models.UpdateWorkout) (*models.Workout, error)
}

// Connectivity reports the derived online flag.
type Connectivity interface {
	Online() bool
}

// LocalMutator is the caller's in-memory view that a queued write is
// applied to, so the UI reflects the change before it reaches the server.
// *models.Workout implements it.
type LocalMutator interface {
	PatchSet(setID string, patch models.SetPatch) bool
	RemoveSet(setID string) bool
}

// Source tells where read data came from.
type Source string

const (
	SourceLive  Source = "live"
	SourceCache Source = "cache"
	SourceEmpty Source = "empty"
)

// ReadResult is the outcome of a read. UpdatedAt is the refresh time of
// the data, zero when Source is empty.
type ReadResult[T any] struct {
	Data      T         `json:"data"`
	Source    Source    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stale reports whether the data came from the cache.
func (r ReadResult[T]) Stale() bool {
	return r.Source == SourceCache
}

// WriteOutcome tells a caller how a queueable write completed.
type WriteOutcome string

const (
	WriteLive   WriteOutcome = "live"
	WriteQueued WriteOutcome = "queued"
)

// Config holds orchestrator configuration.
type Config struct {
	HistoryLimit int // Page size of the cached history read (default: 20)
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{HistoryLimit: 20}
}

// Orchestrator applies the offline read and write policies. The queue and
// cache are shared with the drain worker and any other consumer.
type Orchestrator struct {
	api          API
	queue        *queue.Queue
	cache        *cache.Store
	conn         Connectivity
	historyLimit int
	now          func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(api API, q *queue.Queue, c *cache.Store, conn Connectivity, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	limit := config.HistoryLimit
	if limit <= 0 {
		limit = DefaultConfig().HistoryLimit
	}
	return &Orchestrator{
		api:          api,
		queue:        q,
		cache:        c,
		conn:         conn,
		historyLimit: limit,
		now:          time.Now,
	}
}

// Online reports the current connectivity flag.
func (o *Orchestrator) Online() bool {
	return o.conn.Online()
}

// =====================================================
// Reads
// =====================================================

type slot[T any] struct {
	name  string
	fetch func(context.Context) (T, error)
	save  func(context.Context, T) error
	load  func(context.Context) (cache.Entry[T], error)
	empty T
}

// readThrough is the one read policy. Online: fetch, refresh the cache and
// return live data, falling back to the cache if the fetch fails. Offline:
// return the cache without fetching. A miss yields the empty value. Errors
// are logged, never returned.
func readThrough[T any](ctx context.Context, online bool, now time.Time, s slot[T]) ReadResult[T] {
	if online {
		data, err := s.fetch(ctx)
		if err == nil {
			if err := s.save(ctx, data); err != nil {
				logging.ErrorWithCode("Failed to refresh cache", string(apperrors.CodeOf(err)), err,
					map[string]interface{}{"component": "orchestrator", "slot": s.name})
			}
			return ReadResult[T]{Data: data, Source: SourceLive, UpdatedAt: now}
		}
		logging.Warn("Live read failed, serving cache", map[string]interface{}{
			"component": "orchestrator",
			"slot":      s.name,
			"error":     err.Error(),
		})
	}

	entry, err := s.load(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to read cache", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"component": "orchestrator", "slot": s.name})
		return ReadResult[T]{Data: s.empty, Source: SourceEmpty}
	}
	if !entry.Found {
		return ReadResult[T]{Data: s.empty, Source: SourceEmpty}
	}
	return ReadResult[T]{Data: entry.Value, Source: SourceCache, UpdatedAt: entry.UpdatedAt}
}

// History returns the recent workout list.
func (o *Orchestrator) History(ctx context.Context) ReadResult[[]models.WorkoutSummary] {
	return readThrough(ctx, o.conn.Online(), o.now(), slot[[]models.WorkoutSummary]{
		name: "history",
		fetch: func(ctx context.Context) ([]models.WorkoutSummary, error) {
			page, err := o.api.ListWorkouts(ctx, o.historyLimit)
			if err != nil {
				return nil, err
			}
			if page.Items == nil {
				return []models.WorkoutSummary{}, nil
			}
			return page.Items, nil
		},
		save:  o.cache.SetHistory,
		load:  o.cache.GetHistory,
		empty: []models.WorkoutSummary{},
	})
}

// WorkoutDetail returns one workout, nil when nothing is available.
func (o *Orchestrator) WorkoutDetail(ctx context.Context, workoutID string) ReadResult[*models.Workout] {
	// The cache is keyed by the server's canonical id.
	if id, err := uuid.Canonical(workoutID); err == nil {
		workoutID = id
	}
	return readThrough(ctx, o.conn.Online(), o.now(), slot[*models.Workout]{
		name: cache.WorkoutKey(workoutID),
		fetch: func(ctx context.Context) (*models.Workout, error) {
			return o.api.GetWorkout(ctx, workoutID)
		},
		save: func(ctx context.Context, w *models.Workout) error {
			return o.cache.SetWorkoutDetail(ctx, *w)
		},
		load: func(ctx context.Context) (cache.Entry[*models.Workout], error) {
			entry, err := o.cache.GetWorkoutDetail(ctx, workoutID)
			if err != nil || !entry.Found {
				return cache.Entry[*models.Workout]{}, err
			}
			w := entry.Value
			return cache.Entry[*models.Workout]{Value: &w, UpdatedAt: entry.UpdatedAt, Found: true}, nil
		},
	})
}

// StatsSummary returns the seven-day stats summary, nil when nothing is
// available.
func (o *Orchestrator) StatsSummary(ctx context.Context) ReadResult[*models.StatsSummary] {
	return readThrough(ctx, o.conn.Online(), o.now(), slot[*models.StatsSummary]{
		name: "statsSummary7",
		fetch: func(ctx context.Context) (*models.StatsSummary, error) {
			return o.api.StatsSummary(ctx, cache.StatsWindowDays)
		},
		save: func(ctx context.Context, s *models.StatsSummary) error {
			return o.cache.SetStatsSummary(ctx, *s)
		},
		load: func(ctx context.Context) (cache.Entry[*models.StatsSummary], error) {
			entry, err := o.cache.GetStatsSummary(ctx)
			if err != nil || !entry.Found {
				return cache.Entry[*models.StatsSummary]{}, err
			}
			s := entry.Value
			return cache.Entry[*models.StatsSummary]{Value: &s, UpdatedAt: entry.UpdatedAt, Found: true}, nil
		},
	})
}

// =====================================================
// Queueable writes
// =====================================================

// EditSet sends a partial set update. If the call fails for network
// reasons while offline, the edit is queued, applied to local, and
// WriteQueued is returned. Any other failure is returned as is.
func (o *Orchestrator) EditSet(ctx context.Context, setID string, patch models.SetPatch, local LocalMutator) (WriteOutcome, error) {
	_, err := o.api.UpdateSet(ctx, setID, patch)
	item := queue.Item{Action: queue.ActionEdit, TargetID: setID, Payload: &patch}
	return o.settle(ctx, err, item, func() {
		if local != nil {
			local.PatchSet(setID, patch)
		}
	})
}

// DeleteSet deletes a set with the same policy as EditSet.
func (o *Orchestrator) DeleteSet(ctx context.Context, setID string, local LocalMutator) (WriteOutcome, error) {
	err := o.api.DeleteSet(ctx, setID)
	item := queue.Item{Action: queue.ActionDelete, TargetID: setID}
	return o.settle(ctx, err, item, func() {
		if local != nil {
			local.RemoveSet(setID)
		}
	})
}

func (o *Orchestrator) settle(ctx context.Context, callErr error, item queue.Item, apply func()) (WriteOutcome, error) {
	if callErr == nil {
		apply()
		return WriteLive, nil
	}
	if !apperrors.IsNetwork(callErr) || o.conn.Online() {
		return "", callErr
	}

	queued, err := o.queue.Enqueue(ctx, item)
	if err != nil {
		return "", err
	}
	apply()

	logging.Info("Write queued for replay", map[string]interface{}{
		"component":   "orchestrator",
		"action":      string(queued.Action),
		"target_id":   queued.TargetID,
		"enqueued_at": queued.EnqueuedAt,
	})
	return WriteQueued, nil
}

// =====================================================
// Online-only writes
// =====================================================

func (o *Orchestrator) requireOnline(op string) error {
	if o.conn.Online() {
		return nil
	}
	return apperrors.New(apperrors.ErrRequiresInternet, op+" requires an internet connection")
}

// StartWorkout starts a workout or returns the existing draft.
func (o *Orchestrator) StartWorkout(ctx context.Context) (*models.Workout, error) {
	if err := o.requireOnline("starting a workout"); err != nil {
		return nil, err
	}
	return o.api.StartWorkout(ctx)
}

// AddExercise adds an exercise to a draft workout.
func (o *Orchestrator) AddExercise(ctx context.Context, workoutID string, body models.AddExercise) (*models.Workout, error) {
	if err := o.requireOnline("adding an exercise"); err != nil {
		return nil, err
	}
	return o.api.AddExercise(ctx, workoutID, body)
}

// AddSet logs a new set.
func (o *Orchestrator) AddSet(ctx context.Context, workoutExerciseID string, body models.NewSet) (*models.WorkoutSet, error) {
	if err := o.requireOnline("adding a set"); err != nil {
		return nil, err
	}
	return o.api.AddSet(ctx, workoutExerciseID, body)
}

// FinishWorkout finalizes a draft workout.
func (o *Orchestrator) FinishWorkout(ctx context.Context, workoutID string, body models.FinishWorkout) (*models.Workout, error) {
	if err := o.requireOnline("finishing a workout"); err != nil {
		return nil, err
	}
	return o.api.FinishWorkout(ctx, workoutID, body)
}

// DiscardWorkout abandons a draft workout.
func (o *Orchestrator) DiscardWorkout(ctx context.Context, workoutID string) error {
	if err := o.requireOnline("discarding a workout"); err != nil {
		return err
	}
	return o.api.DiscardWorkout(ctx, workoutID)
}

// UpdateWorkout renames or annotates a workout.
func (o *Orchestrator) UpdateWorkout(ctx context.Context, workoutID string, body models.UpdateWorkout) (*models.Workout, error) {
	if err := o.requireOnline("editing a workout"); err != nil {
		return nil, err
	}
	return o.api.UpdateWorkout(ctx, workoutID, body)
}

// =====================================================
// Session
// =====================================================

// Pending returns the queued mutations, oldest first.
func (o *Orchestrator) Pending(ctx context.Context) ([]queue.Item, error) {
	return o.queue.ListAll(ctx)
}

// PendingCount returns the number of queued mutations.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	return o.queue.Len(ctx)
}

// Logout drops every queued mutation and cached snapshot so nothing leaks
// into the next account.
func (o *Orchestrator) Logout(ctx context.Context) error {
	qErr := o.queue.Clear(ctx)
	cErr := o.cache.Clear(ctx)
	if err := stderrors.Join(qErr, cErr); err != nil {
		return err
	}
	logging.Info("Offline state cleared on logout", map[string]interface{}{"component": "orchestrator"})
	return nil
}

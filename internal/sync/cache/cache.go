// Package cache stores snapshots of the last successful server reads so
// they can be served while offline.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/storage"
)

const (
	// SchemaVersion is bumped whenever the blob layout changes. A stored
	// blob with any other version is discarded.
	SchemaVersion = 1

	// DefaultDetailLimit bounds the number of cached workout details.
	DefaultDetailLimit = 30

	// StatsWindowDays is the window of the cached stats summary.
	StatsWindowDays = 7

	historyKey    = "history"
	statsKey      = "statsSummary7"
	workoutPrefix = "workout_"
)

// WorkoutKey returns the lastUpdated key of a workout detail.
func WorkoutKey(id string) string {
	return workoutPrefix + id
}

// Entry is a cached value with its refresh time. Found is false on a miss.
type Entry[T any] struct {
	Value     T
	UpdatedAt time.Time
	Found     bool
}

// Age returns how long ago the entry was refreshed.
func (e Entry[T]) Age(now time.Time) time.Duration {
	if !e.Found {
		return 0
	}
	return now.Sub(e.UpdatedAt)
}

type blob struct {
	Version     int                       `json:"version"`
	History     []models.WorkoutSummary   `json:"history,omitempty"`
	Workouts    map[string]models.Workout `json:"workouts,omitempty"`
	Stats       *models.StatsSummary      `json:"statsSummary7,omitempty"`
	LastUpdated map[string]int64          `json:"lastUpdated"`
}

func emptyBlob(version int) *blob {
	return &blob{
		Version:     version,
		Workouts:    make(map[string]models.Workout),
		LastUpdated: make(map[string]int64),
	}
}

// Store is the read-through cache. All state lives in one JSON blob under a
// single storage key; each call reads the blob, and writes rewrite it whole.
type Store struct {
	store   storage.Store
	key     string
	version int
	limit   int
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithVersion overrides the schema version.
func WithVersion(v int) Option {
	return func(s *Store) { s.version = v }
}

// WithDetailLimit overrides the workout detail bound.
func WithDetailLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithClock overrides the refresh clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// Open loads the cache from store. A blob that cannot be decoded or was
// written under another schema version is removed.
func Open(ctx context.Context, store storage.Store, opts ...Option) (*Store, error) {
	s := &Store{
		store:   store,
		key:     storage.KeyCache,
		version: SchemaVersion,
		limit:   DefaultDetailLimit,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, found, err := store.Get(ctx, s.key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "read cache", err)
	}
	if !found {
		return s, nil
	}

	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil || header.Version != s.version {
		logging.Warn("Discarding cache", map[string]interface{}{
			"component":      "cache",
			"stored_version": header.Version,
			"version":        s.version,
			"decodable":      err == nil,
		})
		if err := store.Remove(ctx, s.key); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "clear stale cache", err)
		}
	}
	return s, nil
}

// DetailLimit returns the workout detail bound.
func (s *Store) DetailLimit() int {
	return s.limit
}

// =====================================================
// History
// =====================================================

// SetHistory replaces the history snapshot.
func (s *Store) SetHistory(ctx context.Context, items []models.WorkoutSummary) error {
	return s.update(ctx, func(b *blob, now int64) {
		b.History = append([]models.WorkoutSummary{}, items...)
		b.LastUpdated[historyKey] = now
	})
}

// GetHistory returns the history snapshot.
func (s *Store) GetHistory(ctx context.Context) (Entry[[]models.WorkoutSummary], error) {
	b, err := s.read(ctx)
	if err != nil {
		return Entry[[]models.WorkoutSummary]{}, err
	}
	ts, ok := b.LastUpdated[historyKey]
	if !ok {
		return Entry[[]models.WorkoutSummary]{}, nil
	}
	value := b.History
	if value == nil {
		value = []models.WorkoutSummary{}
	}
	return Entry[[]models.WorkoutSummary]{Value: value, UpdatedAt: time.UnixMilli(ts), Found: true}, nil
}

// =====================================================
// Workout detail
// =====================================================

// SetWorkoutDetail stores one workout and evicts the least recently
// refreshed details beyond the bound. The workout just written is never
// evicted.
func (s *Store) SetWorkoutDetail(ctx context.Context, w models.Workout) error {
	if w.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "workout has no id")
	}
	return s.update(ctx, func(b *blob, now int64) {
		b.Workouts[w.ID] = w
		b.LastUpdated[WorkoutKey(w.ID)] = now
		if evicted := evict(b, s.limit, w.ID); len(evicted) > 0 {
			logging.Debug("Evicted cached workouts", map[string]interface{}{
				"component": "cache",
				"evicted":   evicted,
			})
		}
	})
}

// GetWorkoutDetail returns a cached workout.
func (s *Store) GetWorkoutDetail(ctx context.Context, id string) (Entry[models.Workout], error) {
	b, err := s.read(ctx)
	if err != nil {
		return Entry[models.Workout]{}, err
	}
	w, ok := b.Workouts[id]
	if !ok {
		return Entry[models.Workout]{}, nil
	}
	return Entry[models.Workout]{Value: w, UpdatedAt: time.UnixMilli(b.LastUpdated[WorkoutKey(id)]), Found: true}, nil
}

// evict drops the oldest details until at most limit remain and returns the
// evicted ids. Ordering is by lastUpdated, then id.
func evict(b *blob, limit int, keep string) []string {
	if len(b.Workouts) <= limit {
		return nil
	}

	ids := make([]string, 0, len(b.Workouts))
	for id := range b.Workouts {
		if id != keep {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := b.LastUpdated[WorkoutKey(ids[i])], b.LastUpdated[WorkoutKey(ids[j])]
		if ti != tj {
			return ti < tj
		}
		return ids[i] < ids[j]
	})

	excess := len(b.Workouts) - limit
	evicted := ids[:excess]
	for _, id := range evicted {
		delete(b.Workouts, id)
		delete(b.LastUpdated, WorkoutKey(id))
	}
	return evicted
}

// =====================================================
// Stats summary
// =====================================================

// SetStatsSummary replaces the stats snapshot.
func (s *Store) SetStatsSummary(ctx context.Context, summary models.StatsSummary) error {
	return s.update(ctx, func(b *blob, now int64) {
		cp := summary
		b.Stats = &cp
		b.LastUpdated[statsKey] = now
	})
}

// GetStatsSummary returns the stats snapshot.
func (s *Store) GetStatsSummary(ctx context.Context) (Entry[models.StatsSummary], error) {
	b, err := s.read(ctx)
	if err != nil {
		return Entry[models.StatsSummary]{}, err
	}
	if b.Stats == nil {
		return Entry[models.StatsSummary]{}, nil
	}
	return Entry[models.StatsSummary]{Value: *b.Stats, UpdatedAt: time.UnixMilli(b.LastUpdated[statsKey]), Found: true}, nil
}

// =====================================================
// Whole-cache operations
// =====================================================

// Info describes the cache contents.
type Info struct {
	Version     int                  `json:"version" yaml:"version"`
	History     int                  `json:"history" yaml:"history"`
	Workouts    []string             `json:"workouts" yaml:"workouts"`
	HasStats    bool                 `json:"has_stats" yaml:"has_stats"`
	LastUpdated map[string]time.Time `json:"last_updated" yaml:"last_updated"`
}

// Info returns a summary of what is cached.
func (s *Store) Info(ctx context.Context) (Info, error) {
	b, err := s.read(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Version:     b.Version,
		History:     len(b.History),
		Workouts:    make([]string, 0, len(b.Workouts)),
		HasStats:    b.Stats != nil,
		LastUpdated: make(map[string]time.Time, len(b.LastUpdated)),
	}
	for id := range b.Workouts {
		info.Workouts = append(info.Workouts, id)
	}
	sort.Strings(info.Workouts)
	for k, ts := range b.LastUpdated {
		info.LastUpdated[k] = time.UnixMilli(ts)
	}
	return info, nil
}

// Clear removes everything.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Remove(ctx, s.key); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "clear cache", err)
	}
	logging.Info("Cache cleared", map[string]interface{}{"component": "cache"})
	return nil
}

func (s *Store) read(ctx context.Context) (*blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *Store) update(ctx context.Context, fn func(b *blob, now int64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.load(ctx)
	if err != nil {
		return err
	}
	fn(b, s.now().UnixMilli())

	data, err := json.Marshal(b)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "encode cache", err)
	}
	if err := s.store.Set(ctx, s.key, data); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "write cache", err)
	}
	return nil
}

// load reads the blob. A blob from another schema version or one that does
// not decode reads as empty; Open already removed it unless another writer
// put it back since.
func (s *Store) load(ctx context.Context) (*blob, error) {
	data, found, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "read cache", err)
	}
	if !found || len(strings.TrimSpace(string(data))) == 0 {
		return emptyBlob(s.version), nil
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil || b.Version != s.version {
		return emptyBlob(s.version), nil
	}
	if b.Workouts == nil {
		b.Workouts = make(map[string]models.Workout)
	}
	if b.LastUpdated == nil {
		b.LastUpdated = make(map[string]int64)
	}
	return &b, nil
}

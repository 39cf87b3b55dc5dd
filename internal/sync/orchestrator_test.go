package sync_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fitcoach/core/internal/api"
	"github.com/kimhsiao/fitcoach/core/internal/api/apitest"
	apperrors "github.com/kimhsiao/fitcoach/core/internal/errors"
	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/storage"
	syncpkg "github.com/kimhsiao/fitcoach/core/internal/sync"
	"github.com/kimhsiao/fitcoach/core/internal/sync/cache"
	"github.com/kimhsiao/fitcoach/core/internal/sync/connectivity"
	"github.com/kimhsiao/fitcoach/core/internal/sync/drain"
	"github.com/kimhsiao/fitcoach/core/internal/sync/queue"
)

type harness struct {
	srv    *apitest.Server
	client *api.Client
	queue  *queue.Queue
	cache  *cache.Store
	conn   *connectivity.Detector
	orch   *syncpkg.Orchestrator
	wk     models.Workout
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	srv := apitest.New(t)
	wk := apitest.FinalizedWorkout(time.Date(2026, 4, 2, 18, 0, 0, 0, time.UTC), 3)
	srv.AddWorkout(wk)
	srv.SetStats(models.StatsSummary{TotalWorkouts: 1, TotalSets: 3})

	client, err := api.NewClient(srv.URL, api.WithTimeout(2*time.Second))
	require.NoError(t, err)

	store := storage.NewMemory()
	q := queue.New(store)
	c, err := cache.Open(ctx, store)
	require.NoError(t, err)

	conn := connectivity.NewDetector()
	return &harness{
		srv:    srv,
		client: client,
		queue:  q,
		cache:  c,
		conn:   conn,
		orch:   syncpkg.NewOrchestrator(client, q, c, conn, nil),
		wk:     wk,
	}
}

func (h *harness) goOnline() {
	h.conn.Update(connectivity.Signal{IsConnected: true, IsInternetReachable: connectivity.Reachable(true)})
	h.srv.SetOffline(false)
}

func (h *harness) goOffline() {
	h.conn.Update(connectivity.Signal{IsConnected: false})
	h.srv.SetOffline(true)
}

func (h *harness) setID(i int) string {
	return h.wk.Exercises[0].Sets[i].ID
}

// =====================================================
// Read policy
// =====================================================

func TestOrchestrator_onlineReadRefreshesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline()

	res := h.orch.History(ctx)
	assert.Equal(t, syncpkg.SourceLive, res.Source)
	require.Len(t, res.Data, 1)
	assert.Equal(t, h.wk.ID, res.Data[0].ID)
	assert.False(t, res.Stale())

	cached, err := h.cache.GetHistory(ctx)
	require.NoError(t, err)
	require.True(t, cached.Found)
	assert.Equal(t, res.Data, cached.Value)
	assert.Equal(t, "limit=20", h.srv.Calls()[0].Query)
}

func TestOrchestrator_offlineReadServesCacheWithoutFetching(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.goOnline()
	live := h.orch.WorkoutDetail(ctx, h.wk.ID)
	require.Equal(t, syncpkg.SourceLive, live.Source)

	h.goOffline()
	h.srv.ResetCalls()

	res := h.orch.WorkoutDetail(ctx, h.wk.ID)
	assert.Equal(t, syncpkg.SourceCache, res.Source)
	assert.True(t, res.Stale())
	require.NotNil(t, res.Data)
	assert.Equal(t, h.wk.ID, res.Data.ID)
	assert.False(t, res.UpdatedAt.IsZero())
	assert.Empty(t, h.srv.Calls(), "offline read must not call the API")
}

func TestOrchestrator_workoutDetailMatchesAnyIDSpelling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	upper := " " + strings.ToUpper(h.wk.ID) + " "

	h.goOnline()
	live := h.orch.WorkoutDetail(ctx, upper)
	require.Equal(t, syncpkg.SourceLive, live.Source)

	cached, err := h.cache.GetWorkoutDetail(ctx, h.wk.ID)
	require.NoError(t, err)
	assert.True(t, cached.Found, "detail must be cached under the canonical id")

	h.goOffline()
	for _, id := range []string{upper, h.wk.ID} {
		res := h.orch.WorkoutDetail(ctx, id)
		assert.Equal(t, syncpkg.SourceCache, res.Source, "WorkoutDetail(%q)", id)
		if assert.NotNil(t, res.Data) {
			assert.Equal(t, h.wk.ID, res.Data.ID)
		}
	}
}

func TestOrchestrator_offlineMissIsEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	history := h.orch.History(ctx)
	assert.Equal(t, syncpkg.SourceEmpty, history.Source)
	assert.NotNil(t, history.Data)
	assert.Empty(t, history.Data)

	stats := h.orch.StatsSummary(ctx)
	assert.Equal(t, syncpkg.SourceEmpty, stats.Source)
	assert.Nil(t, stats.Data)
	assert.True(t, stats.UpdatedAt.IsZero())
}

func TestOrchestrator_onlineFetchFailureFallsBackToCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline()

	first := h.orch.StatsSummary(ctx)
	require.Equal(t, syncpkg.SourceLive, first.Source)

	h.srv.FailNext(http.MethodGet, "/users/me/stats/summary", http.StatusInternalServerError, 1)
	res := h.orch.StatsSummary(ctx)
	assert.Equal(t, syncpkg.SourceCache, res.Source)
	require.NotNil(t, res.Data)
	assert.Equal(t, 7, res.Data.PeriodDays)
}

func TestOrchestrator_cacheReadFailureIsEmpty(t *testing.T) {
	ctx := context.Background()
	faulty := storage.NewFaulty(storage.NewMemory())
	c, err := cache.Open(ctx, faulty)
	require.NoError(t, err)
	conn := connectivity.NewDetector()
	orch := syncpkg.NewOrchestrator(nil, queue.New(faulty), c, conn, nil)

	faulty.FailGets(true)
	res := orch.History(ctx)
	assert.Equal(t, syncpkg.SourceEmpty, res.Source)
}

// =====================================================
// Queueable writes
// =====================================================

func TestOrchestrator_editSetOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline()

	local := h.wk
	local.Exercises = append([]models.WorkoutExercise(nil), h.wk.Exercises...)
	local.Exercises[0].Sets = append([]models.WorkoutSet(nil), h.wk.Exercises[0].Sets...)

	reps := 3
	outcome, err := h.orch.EditSet(ctx, h.setID(0), models.SetPatch{Reps: &reps}, &local)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.WriteLive, outcome)

	server, _ := h.srv.Workout(h.wk.ID)
	assert.Equal(t, 3, *server.Exercises[0].Sets[0].Reps)
	assert.Equal(t, 3, *local.Exercises[0].Sets[0].Reps)

	n, _ := h.orch.PendingCount(ctx)
	assert.Zero(t, n)
}

func TestOrchestrator_editSetOfflineQueuesAndAppliesLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOffline()

	local := h.wk
	local.Exercises = append([]models.WorkoutExercise(nil), h.wk.Exercises...)
	local.Exercises[0].Sets = append([]models.WorkoutSet(nil), h.wk.Exercises[0].Sets...)

	weight := 110.0
	outcome, err := h.orch.EditSet(ctx, h.setID(1), models.SetPatch{Weight: &weight}, &local)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.WriteQueued, outcome)
	assert.Equal(t, 110.0, *local.Exercises[0].Sets[1].Weight)

	outcome, err = h.orch.DeleteSet(ctx, h.setID(2), &local)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.WriteQueued, outcome)
	assert.Equal(t, 2, local.SetCount())

	pending, err := h.orch.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, queue.ActionEdit, pending[0].Action)
	assert.Equal(t, queue.ActionDelete, pending[1].Action)

	server, _ := h.srv.Workout(h.wk.ID)
	assert.Equal(t, 100.0, *server.Exercises[0].Sets[1].Weight, "server must not change before replay")
}

func TestOrchestrator_networkFailureWhileOnlineIsReturned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline()
	h.srv.DropNext(http.MethodDelete, "/sets/"+h.setID(0), 1)

	_, err := h.orch.DeleteSet(ctx, h.setID(0), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsNetwork(err))

	n, _ := h.orch.PendingCount(ctx)
	assert.Zero(t, n, "online network failures are not queued")
}

func TestOrchestrator_serverRejectionIsNeverQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conn.Update(connectivity.Signal{IsConnected: false})
	h.srv.FailNext(http.MethodDelete, "/sets/"+h.setID(0), http.StatusNotFound, 1)

	_, err := h.orch.DeleteSet(ctx, h.setID(0), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsServerRejected(err))

	n, _ := h.orch.PendingCount(ctx)
	assert.Zero(t, n)
}

func TestOrchestrator_queuePersistenceFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	faulty := storage.NewFaulty(storage.NewMemory())
	orch := syncpkg.NewOrchestrator(h.client, queue.New(faulty), h.cache, h.conn, nil)
	h.goOffline()
	faulty.FailSets(true)

	local := h.wk
	_, err := orch.DeleteSet(ctx, h.setID(0), &local)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence), "err = %v", err)
	assert.Equal(t, 3, local.SetCount(), "local state must not change when queueing fails")
}

// =====================================================
// Online-only writes
// =====================================================

func TestOrchestrator_onlineOnlyWritesRejectOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conn.Update(connectivity.Signal{IsConnected: true, IsInternetReachable: connectivity.Reachable(false)})

	calls := map[string]func() error{
		"start": func() error { _, err := h.orch.StartWorkout(ctx); return err },
		"finish": func() error {
			_, err := h.orch.FinishWorkout(ctx, h.wk.ID, models.FinishWorkout{CompletionStatus: models.CompletionCompleted})
			return err
		},
		"discard":      func() error { return h.orch.DiscardWorkout(ctx, h.wk.ID) },
		"add exercise": func() error { _, err := h.orch.AddExercise(ctx, h.wk.ID, models.AddExercise{}); return err },
		"add set":      func() error { _, err := h.orch.AddSet(ctx, h.wk.Exercises[0].ID, models.NewSet{}); return err },
		"update":       func() error { _, err := h.orch.UpdateWorkout(ctx, h.wk.ID, models.UpdateWorkout{}); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrRequiresInternet), "err = %v", err)
		})
	}
	assert.Empty(t, h.srv.Calls(), "no request may be attempted offline")
}

func TestOrchestrator_onlineOnlyWritesPassThrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline()

	draft, err := h.orch.StartWorkout(ctx)
	require.NoError(t, err)
	done, err := h.orch.FinishWorkout(ctx, draft.ID, models.FinishWorkout{CompletionStatus: models.CompletionCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleFinalized, done.LifecycleStatus)
}

// =====================================================
// Session / end to end
// =====================================================

func TestOrchestrator_logoutClearsQueueAndCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.goOnline()
	h.orch.History(ctx)
	h.goOffline()
	_, err := h.orch.DeleteSet(ctx, h.setID(0), nil)
	require.NoError(t, err)

	require.NoError(t, h.orch.Logout(ctx))

	n, _ := h.orch.PendingCount(ctx)
	assert.Zero(t, n)
	assert.Equal(t, syncpkg.SourceEmpty, h.orch.History(ctx).Source)
}

func TestOrchestrator_queuedWritesReplayAfterReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	worker := drain.New(h.queue, h.client, nil)

	h.goOffline()
	reps := 12
	_, err := h.orch.EditSet(ctx, h.setID(0), models.SetPatch{Reps: &reps}, nil)
	require.NoError(t, err)
	_, err = h.orch.DeleteSet(ctx, h.setID(1), nil)
	require.NoError(t, err)

	res, err := worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retained, "items stay queued while the server is unreachable")

	h.goOnline()
	res, err = worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)
	assert.Zero(t, res.Remaining)

	server, _ := h.srv.Workout(h.wk.ID)
	require.Equal(t, 2, server.SetCount())
	assert.Equal(t, 12, *server.Exercises[0].Sets[0].Reps)
}

// Package apitest provides an in-memory fitness backend for tests. It serves
// the same /api/v1 routes as the real server, records every call, and can
// be scripted to drop connections or answer with error statuses.
package apitest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/fitcoach/core/internal/models"
	"github.com/kimhsiao/fitcoach/core/internal/uuid"
)

// Call is one request seen by the server.
type Call struct {
	Method    string
	Path      string
	Query     string
	Body      []byte
	RequestID string
	Auth      string
}

type fault struct {
	method string
	path   string
	status int // 0 drops the connection
	left   int
}

// Server is a scripted fake backend.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	workouts map[string]*models.Workout
	stats    models.StatsSummary
	token    string
	offline  bool
	faults   []*fault
	calls    []Call
	now      func() time.Time
}

// New starts a Server and closes it when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		workouts: make(map[string]*models.Workout),
		now:      time.Now,
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/sets/{id}", s.patchSet).Methods(http.MethodPatch)
	api.HandleFunc("/sets/{id}", s.deleteSet).Methods(http.MethodDelete)
	api.HandleFunc("/workouts", s.listWorkouts).Methods(http.MethodGet)
	api.HandleFunc("/workouts/start", s.startWorkout).Methods(http.MethodPost)
	api.HandleFunc("/workouts/{id}", s.getWorkout).Methods(http.MethodGet)
	api.HandleFunc("/workouts/{id}", s.updateWorkout).Methods(http.MethodPatch)
	api.HandleFunc("/workouts/{id}/exercises", s.addExercise).Methods(http.MethodPost)
	api.HandleFunc("/workouts/{id}/finish", s.finishWorkout).Methods(http.MethodPost)
	api.HandleFunc("/workouts/{id}/discard", s.discardWorkout).Methods(http.MethodPost)
	api.HandleFunc("/workout-exercises/{id}/sets", s.addSet).Methods(http.MethodPost)
	api.HandleFunc("/users/me/stats/summary", s.statsSummary).Methods(http.MethodGet)
	return s.intercept(r)
}

// =====================================================
// Scripting
// =====================================================

// RequireToken makes every route except /health demand this bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SetOffline makes the server drop every connection, as if unreachable.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext answers the next n requests for method and path with status.
// path is relative to /api/v1, for example "/sets/<id>".
func (s *Server) FailNext(method, path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{method: method, path: path, status: status, left: n})
}

// DropNext drops the connection for the next n requests for method and path.
func (s *Server) DropNext(method, path string, n int) {
	s.FailNext(method, path, 0, n)
}

// AddWorkout seeds a workout.
func (s *Server) AddWorkout(w models.Workout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workouts[w.ID] = clone(&w)
}

// Workout returns the server-side state of a workout.
func (s *Server) Workout(id string) (models.Workout, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workouts[id]
	if !ok {
		return models.Workout{}, false
	}
	return *clone(w), true
}

// SetStats seeds the stats summary.
func (s *Server) SetStats(stats models.StatsSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
}

// Calls returns a copy of the call log.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts logged calls for method and path (relative to /api/v1).
func (s *Server) CallCount(method, path string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == "/api/v1"+path {
			n++
		}
	}
	return n
}

// ResetCalls empties the call log.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// =====================================================
// Middleware
// =====================================================

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			Body:      body,
			RequestID: r.Header.Get("X-Request-ID"),
			Auth:      r.Header.Get("Authorization"),
		})
		drop := s.offline
		status := 0
		if !drop {
			rel := strings.TrimPrefix(r.URL.Path, "/api/v1")
			for _, f := range s.faults {
				if f.left > 0 && f.method == r.Method && f.path == rel {
					f.left--
					if f.status == 0 {
						drop = true
					} else {
						status = f.status
					}
					break
				}
			}
		}
		token := s.token
		s.mu.Unlock()

		if drop {
			hijackAndClose(w)
			return
		}
		if status != 0 {
			writeDetail(w, status, "injected failure")
			return
		}
		if token != "" && !strings.HasSuffix(r.URL.Path, "/health") && r.Header.Get("Authorization") != "Bearer "+token {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hijackAndClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("apitest: response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Health{Status: "ok", Database: "connected"})
}

func (s *Server) patchSet(w http.ResponseWriter, r *http.Request) {
	var patch models.SetPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.findSet(mux.Vars(r)["id"])
	if set == nil {
		writeDetail(w, http.StatusNotFound, "Set not found")
		return
	}
	patch.Apply(set)
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) deleteSet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := mux.Vars(r)["id"]
	for _, wk := range s.workouts {
		if wk.RemoveSet(id) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "Set not found")
}

func (s *Server) listWorkouts(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeDetail(w, http.StatusUnprocessableEntity, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var finalized []*models.Workout
	for _, wk := range s.workouts {
		if wk.LifecycleStatus == models.LifecycleFinalized {
			finalized = append(finalized, wk)
		}
	}
	sort.Slice(finalized, func(i, j int) bool {
		if !finalized[i].StartTime.Equal(finalized[j].StartTime) {
			return finalized[i].StartTime.After(finalized[j].StartTime)
		}
		return finalized[i].ID > finalized[j].ID
	})

	page := models.HistoryPage{Items: []models.WorkoutSummary{}}
	for i, wk := range finalized {
		if i == limit {
			cursor := wk.StartTime.UTC().Format(time.RFC3339) + "|" + wk.ID
			page.NextCursor = &cursor
			break
		}
		page.Items = append(page.Items, summarize(wk))
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getWorkout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wk, ok := s.workouts[mux.Vars(r)["id"]]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Workout not found")
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) startWorkout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wk := range s.workouts {
		if wk.LifecycleStatus == models.LifecycleDraft {
			writeJSON(w, http.StatusOK, wk)
			return
		}
	}
	now := s.now().UTC()
	wk := &models.Workout{
		ID:              uuid.New(),
		LifecycleStatus: models.LifecycleDraft,
		StartTime:       now,
		Exercises:       []models.WorkoutExercise{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.workouts[wk.ID] = wk
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) updateWorkout(w http.ResponseWriter, r *http.Request) {
	var body models.UpdateWorkout
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	wk, ok := s.workouts[mux.Vars(r)["id"]]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Workout not found")
		return
	}
	if body.Name != nil {
		wk.Name = body.Name
	}
	if body.Notes != nil {
		wk.Notes = body.Notes
	}
	wk.UpdatedAt = s.now().UTC()
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) addExercise(w http.ResponseWriter, r *http.Request) {
	var body models.AddExercise
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	wk, ok := s.workouts[mux.Vars(r)["id"]]
	if !ok || wk.LifecycleStatus != models.LifecycleDraft {
		writeDetail(w, http.StatusNotFound, "Workout not found or not draft")
		return
	}
	order := len(wk.Exercises)
	if body.OrderIndex != nil {
		order = *body.OrderIndex
	}
	wk.Exercises = append(wk.Exercises, models.WorkoutExercise{
		ID:         uuid.New(),
		ExerciseID: body.ExerciseID,
		OrderIndex: order,
		Notes:      body.Notes,
		Sets:       []models.WorkoutSet{},
		CreatedAt:  s.now().UTC(),
	})
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) addSet(w http.ResponseWriter, r *http.Request) {
	var body models.NewSet
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	exID := mux.Vars(r)["id"]
	for _, wk := range s.workouts {
		for i := range wk.Exercises {
			ex := &wk.Exercises[i]
			if ex.ID != exID {
				continue
			}
			number := len(ex.Sets) + 1
			if body.SetNumber != nil {
				number = *body.SetNumber
			}
			set := models.WorkoutSet{
				ID:              uuid.New(),
				SetNumber:       number,
				Reps:            body.Reps,
				Weight:          body.Weight,
				DurationSeconds: body.DurationSeconds,
				RPE:             body.RPE,
				SetType:         body.SetType,
				RestTimeSeconds: body.RestTimeSeconds,
				CreatedAt:       s.now().UTC(),
			}
			ex.Sets = append(ex.Sets, set)
			writeJSON(w, http.StatusOK, set)
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "Workout exercise not found")
}

func (s *Server) finishWorkout(w http.ResponseWriter, r *http.Request) {
	var body models.FinishWorkout
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	wk, ok := s.workouts[mux.Vars(r)["id"]]
	if !ok || wk.LifecycleStatus != models.LifecycleDraft {
		writeDetail(w, http.StatusBadRequest, "Workout not found or not draft")
		return
	}
	end := s.now().UTC()
	minutes := int(end.Sub(wk.StartTime).Minutes())
	status := body.CompletionStatus
	wk.LifecycleStatus = models.LifecycleFinalized
	wk.CompletionStatus = &status
	wk.EndTime = &end
	wk.DurationMinutes = &minutes
	if body.Notes != nil {
		wk.Notes = body.Notes
	}
	wk.UpdatedAt = end
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) discardWorkout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wk, ok := s.workouts[mux.Vars(r)["id"]]
	if !ok || wk.LifecycleStatus != models.LifecycleDraft {
		writeDetail(w, http.StatusNotFound, "Workout not found or not draft")
		return
	}
	wk.LifecycleStatus = models.LifecycleAbandoned
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) statsSummary(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days < 1 {
		writeDetail(w, http.StatusUnprocessableEntity, "days must be a positive integer")
		return
	}

	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	stats.PeriodDays = days
	writeJSON(w, http.StatusOK, stats)
}

// =====================================================
// Helpers
// =====================================================

// FinalizedWorkout builds a completed workout holding one exercise with the
// given number of working sets. All ids are fresh UUIDs.
func FinalizedWorkout(start time.Time, sets int) models.Workout {
	start = start.UTC()
	end := start.Add(45 * time.Minute)
	minutes := 45
	status := models.CompletionCompleted

	ex := models.WorkoutExercise{
		ID:           uuid.New(),
		ExerciseID:   uuid.New(),
		ExerciseName: "Back Squat",
		Sets:         make([]models.WorkoutSet, 0, sets),
		CreatedAt:    start,
	}
	for i := 0; i < sets; i++ {
		reps := 5
		weight := 100.0
		ex.Sets = append(ex.Sets, models.WorkoutSet{
			ID:        uuid.New(),
			SetNumber: i + 1,
			Reps:      &reps,
			Weight:    &weight,
			SetType:   models.SetTypeWorking,
			CreatedAt: start,
		})
	}

	return models.Workout{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		LifecycleStatus:  models.LifecycleFinalized,
		CompletionStatus: &status,
		StartTime:        start,
		EndTime:          &end,
		DurationMinutes:  &minutes,
		Exercises:        []models.WorkoutExercise{ex},
		CreatedAt:        start,
		UpdatedAt:        end,
	}
}

func (s *Server) findSet(id string) *models.WorkoutSet {
	for _, wk := range s.workouts {
		for i := range wk.Exercises {
			sets := wk.Exercises[i].Sets
			for j := range sets {
				if sets[j].ID == id {
					return &sets[j]
				}
			}
		}
	}
	return nil
}

// clone deep-copies a workout so callers never share slices with the
// server state.
func clone(w *models.Workout) *models.Workout {
	data, err := json.Marshal(w)
	if err != nil {
		panic("apitest: marshal workout: " + err.Error())
	}
	var out models.Workout
	if err := json.Unmarshal(data, &out); err != nil {
		panic("apitest: unmarshal workout: " + err.Error())
	}
	return &out
}

func summarize(wk *models.Workout) models.WorkoutSummary {
	summary := models.WorkoutSummary{
		ID:              wk.ID,
		Date:            wk.StartTime.UTC().Format("2006-01-02"),
		Name:            wk.Name,
		DurationMinutes: wk.DurationMinutes,
		ExerciseCount:   len(wk.Exercises),
		SetCount:        wk.SetCount(),
	}
	if wk.CompletionStatus != nil {
		summary.CompletionStatus = *wk.CompletionStatus
	}
	return summary
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

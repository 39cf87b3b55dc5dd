// Package models provides the request and response shapes of the fitness API.
package models

import "time"

// LifecycleStatus is the server-side state of a workout.
type LifecycleStatus string

const (
	LifecycleDraft     LifecycleStatus = "draft"
	LifecycleFinalized LifecycleStatus = "finalized"
	LifecycleAbandoned LifecycleStatus = "abandoned"
)

// CompletionStatus is set when a workout is finished.
type CompletionStatus string

const (
	CompletionCompleted CompletionStatus = "completed"
	CompletionPartial   CompletionStatus = "partial"
)

// RPE is the rate of perceived exertion of a set.
type RPE string

const (
	RPEEasy   RPE = "easy"
	RPEMedium RPE = "medium"
	RPEHard   RPE = "hard"
)

// SetType classifies a set.
type SetType string

const (
	SetTypeWorking SetType = "working"
	SetTypeWarmup  SetType = "warmup"
	SetTypeFailure SetType = "failure"
	SetTypeDrop    SetType = "drop"
	SetTypeAMRAP   SetType = "amrap"
)

// WorkoutSet is one logged set.
type WorkoutSet struct {
	ID              string    `json:"id"`
	SetNumber       int       `json:"set_number"`
	Reps            *int      `json:"reps,omitempty"`
	Weight          *float64  `json:"weight,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	RPE             *RPE      `json:"rpe,omitempty"`
	SetType         SetType   `json:"set_type"`
	RestTimeSeconds *int      `json:"rest_time_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// WorkoutExercise is an exercise inside a workout, with its sets.
type WorkoutExercise struct {
	ID           string       `json:"id"`
	ExerciseID   string       `json:"exercise_id"`
	ExerciseName string       `json:"exercise_name"`
	OrderIndex   int          `json:"order_index"`
	Notes        *string      `json:"notes,omitempty"`
	Sets         []WorkoutSet `json:"sets"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Workout is the full workout detail.
type Workout struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	LifecycleStatus  LifecycleStatus   `json:"lifecycle_status"`
	CompletionStatus *CompletionStatus `json:"completion_status,omitempty"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	DurationMinutes  *int              `json:"duration_minutes,omitempty"`
	Name             *string           `json:"name,omitempty"`
	Notes            *string           `json:"notes,omitempty"`
	Exercises        []WorkoutExercise `json:"exercises"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// WorkoutSummary is one row of the history list.
type WorkoutSummary struct {
	ID               string           `json:"id"`
	Date             string           `json:"date"`
	Name             *string          `json:"name,omitempty"`
	DurationMinutes  *int             `json:"duration_minutes,omitempty"`
	ExerciseCount    int              `json:"exercise_count"`
	SetCount         int              `json:"set_count"`
	CompletionStatus CompletionStatus `json:"completion_status"`
}

// HistoryPage is the paginated history response.
type HistoryPage struct {
	Items      []WorkoutSummary `json:"items"`
	NextCursor *string          `json:"next_cursor"`
}

// SetPatch is the partial update body of PATCH /sets/{id}. Nil fields are
// left untouched by the server.
type SetPatch struct {
	Reps            *int     `json:"reps,omitempty"`
	Weight          *float64 `json:"weight,omitempty"`
	DurationSeconds *int     `json:"duration_seconds,omitempty"`
	SetType         *SetType `json:"set_type,omitempty"`
	RPE             *RPE     `json:"rpe,omitempty"`
	RestTimeSeconds *int     `json:"rest_time_seconds,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p SetPatch) IsEmpty() bool {
	return p.Reps == nil && p.Weight == nil && p.DurationSeconds == nil &&
		p.SetType == nil && p.RPE == nil && p.RestTimeSeconds == nil
}

// Apply copies the non-nil fields of p onto s.
func (p SetPatch) Apply(s *WorkoutSet) {
	if p.Reps != nil {
		v := *p.Reps
		s.Reps = &v
	}
	if p.Weight != nil {
		v := *p.Weight
		s.Weight = &v
	}
	if p.DurationSeconds != nil {
		v := *p.DurationSeconds
		s.DurationSeconds = &v
	}
	if p.SetType != nil {
		s.SetType = *p.SetType
	}
	if p.RPE != nil {
		v := *p.RPE
		s.RPE = &v
	}
	if p.RestTimeSeconds != nil {
		v := *p.RestTimeSeconds
		s.RestTimeSeconds = &v
	}
}

// NewSet is the body of POST /workout-exercises/{id}/sets.
type NewSet struct {
	SetNumber       *int     `json:"set_number,omitempty"`
	Reps            *int     `json:"reps,omitempty"`
	Weight          *float64 `json:"weight,omitempty"`
	DurationSeconds *int     `json:"duration_seconds,omitempty"`
	SetType         SetType  `json:"set_type"`
	RPE             *RPE     `json:"rpe,omitempty"`
	RestTimeSeconds *int     `json:"rest_time_seconds,omitempty"`
}

// AddExercise is the body of POST /workouts/{id}/exercises.
type AddExercise struct {
	ExerciseID string  `json:"exercise_id"`
	OrderIndex *int    `json:"order_index,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// FinishWorkout is the body of POST /workouts/{id}/finish.
type FinishWorkout struct {
	CompletionStatus CompletionStatus `json:"completion_status"`
	Notes            *string          `json:"notes,omitempty"`
}

// UpdateWorkout is the body of PATCH /workouts/{id}.
type UpdateWorkout struct {
	Name  *string `json:"name,omitempty"`
	Notes *string `json:"notes,omitempty"`
}

// PatchSet applies patch to the set with the given id. It reports whether
// the set was found.
func (w *Workout) PatchSet(setID string, patch SetPatch) bool {
	for i := range w.Exercises {
		sets := w.Exercises[i].Sets
		for j := range sets {
			if sets[j].ID == setID {
				patch.Apply(&sets[j])
				return true
			}
		}
	}
	return false
}

// RemoveSet drops the set with the given id. It reports whether the set
// was found.
func (w *Workout) RemoveSet(setID string) bool {
	for i := range w.Exercises {
		sets := w.Exercises[i].Sets
		for j := range sets {
			if sets[j].ID == setID {
				w.Exercises[i].Sets = append(sets[:j:j], sets[j+1:]...)
				return true
			}
		}
	}
	return false
}

// SetCount returns the number of sets across all exercises.
func (w *Workout) SetCount() int {
	n := 0
	for _, ex := range w.Exercises {
		n += len(ex.Sets)
	}
	return n
}

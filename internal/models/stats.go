package models

// StatsSummary is the response of GET /users/me/stats/summary?days=N.
type StatsSummary struct {
	PeriodDays                int      `json:"period_days"`
	TotalWorkouts             int      `json:"total_workouts"`
	TotalVolumeKg             float64  `json:"total_volume_kg"`
	TotalSets                 int      `json:"total_sets"`
	PRsHit                    int      `json:"prs_hit"`
	AvgWorkoutDurationMinutes *float64 `json:"avg_workout_duration_minutes"`
	MostTrainedMuscle         *string  `json:"most_trained_muscle"`
}

// Health is the response of GET /health.
type Health struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// OK reports whether the backend considers itself healthy.
func (h Health) OK() bool {
	return h.Status == "ok"
}

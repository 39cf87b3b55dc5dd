// Package handlers provides REST API handlers for the local offline-core daemon.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/fitcoach/core/internal/bootstrap"
	"github.com/kimhsiao/fitcoach/core/internal/logging"
	"github.com/kimhsiao/fitcoach/core/internal/sync/connectivity"
)

// OfflineHandler exposes connectivity, queue and drain state to local
// desktop shells.
type OfflineHandler struct {
	app *bootstrap.App
}

// NewOfflineHandler creates a new OfflineHandler.
func NewOfflineHandler(app *bootstrap.App) *OfflineHandler {
	return &OfflineHandler{app: app}
}

// Health handles GET /api/health
func (h *OfflineHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "fitcoach-desktop",
	})
}

// GetStatus handles GET /api/status
func (h *OfflineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Status(r.Context())
	if err != nil {
		logging.Error("Failed to read status", err, map[string]interface{}{"component": "desktop"})
		http.Error(w, "Failed to read local state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListQueue handles GET /api/queue
// Returns queued mutations in replay order.
func (h *OfflineHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Orchestrator.Pending(r.Context())
	if err != nil {
		logging.Error("Failed to read queue", err, map[string]interface{}{"component": "desktop"})
		http.Error(w, "Failed to read queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// TriggerDrain handles POST /api/drain
// Runs one drain and returns its result. A drain already in flight is
// reported with skipped=true.
func (h *OfflineHandler) TriggerDrain(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not cut a drain off between a replay and
	// its queue removal.
	ctx := context.WithoutCancel(r.Context())

	result, err := h.app.Worker.Drain(ctx)
	if err != nil {
		logging.Error("Drain failed", err, map[string]interface{}{"component": "desktop"})
		http.Error(w, "Drain failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReportConnectivity handles POST /api/connectivity
// Lets the desktop shell push the platform's network signal.
func (h *OfflineHandler) ReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var sig connectivity.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	online, changed := h.app.Detector.Update(sig)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":  online,
		"changed": changed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

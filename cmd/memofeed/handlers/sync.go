// Package handlers provides REST API handlers for sync operations.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/memofeed/internal/sync"
)

// SyncHandler handles sync trigger and status operations.
type SyncHandler struct {
	coordinator *sync.Coordinator
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(coordinator *sync.Coordinator) *SyncHandler {
	return &SyncHandler{coordinator: coordinator}
}

// TriggerSync handles POST /api/v1/sync
//
// The drain runs in the background; triggered reports whether the
// coordinator accepted the request.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	triggered := h.coordinator.TriggerSync()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"triggered": triggered,
	})
}

// SyncStatus handles GET /api/v1/sync/status
func (h *SyncHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.coordinator.Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

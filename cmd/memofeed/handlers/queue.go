// Package handlers provides REST API handlers for mutation queue
// inspection and repair.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/memofeed/internal/capture"
	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/models"
	"github.com/kimhsiao/memofeed/internal/queue"
	"github.com/kimhsiao/memofeed/internal/sync"
)

// QueueHandler handles mutation queue operations: listing unresolved
// rows, amending or discarding a pending capture, and retrying failures.
type QueueHandler struct {
	store       *queue.Store
	service     *capture.Service
	coordinator *sync.Coordinator
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(store *queue.Store, service *capture.Service, coordinator *sync.Coordinator) *QueueHandler {
	return &QueueHandler{
		store:       store,
		service:     service,
		coordinator: coordinator,
	}
}

// ListQueue handles GET /api/v1/queue
func (h *QueueHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	items, err := h.store.ListUnresolved()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stats, err := h.store.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"items": items,
		"total": len(items),
		"stats": stats,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RetryQueue handles POST /api/v1/queue/retry
//
// Every failed row across all partitions is requeued and a drain is
// kicked off.
func (h *QueueHandler) RetryQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requeued, err := h.coordinator.RetryFailed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"requeued": requeued,
	})
}

// QueueItem handles PUT and DELETE /api/v1/queue/{localId}
func (h *QueueHandler) QueueItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("localId")
	if id == "" {
		// Fallback for plain path registration without patterns
		id = r.URL.Path[len("/api/v1/queue/"):]
	}
	if id == "" {
		http.Error(w, "Local id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		h.amendItem(w, r, id)
	case http.MethodDelete:
		h.discardItem(w, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// amendItem replaces the draft of a still-unresolved capture.
func (h *QueueHandler) amendItem(w http.ResponseWriter, r *http.Request, localID string) {
	var draft models.MemoryDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	row, err := h.service.Amend(localID, draft)
	if err != nil {
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			http.Error(w, "Queued mutation not found", http.StatusNotFound)
		case apperrors.Is(err, apperrors.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(row)
}

// discardItem removes a queue row. The feed engine strips the matching
// entry when the removal event reaches it.
func (h *QueueHandler) discardItem(w http.ResponseWriter, localID string) {
	if err := h.store.Remove(localID); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			http.Error(w, "Queued mutation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Package handlers provides REST API handlers for memory capture.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/memofeed/internal/capture"
	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/models"
)

// CaptureHandler handles capture and edit operations. Both paths enqueue
// mutations; nothing is written to the remote service directly.
type CaptureHandler struct {
	service *capture.Service
}

// NewCaptureHandler creates a new CaptureHandler.
func NewCaptureHandler(service *capture.Service) *CaptureHandler {
	return &CaptureHandler{service: service}
}

// CaptureMemory handles POST /api/v1/memories
func (h *CaptureHandler) CaptureMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var draft models.MemoryDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	row, err := h.service.Capture(draft)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(row)
}

// EditMemory handles PUT /api/v1/memories/{id}
//
// The edit is queued, not applied; 202 carries the queue row that will
// sync in the background.
func (h *CaptureHandler) EditMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		// Fallback for plain path registration without patterns
		id = r.URL.Path[len("/api/v1/memories/"):]
	}
	if id == "" {
		http.Error(w, "Memory id is required", http.StatusBadRequest)
		return
	}

	var draft models.MemoryDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	row, err := h.service.EditRemote(id, draft)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(row)
}

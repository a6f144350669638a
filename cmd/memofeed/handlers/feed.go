// Package handlers provides REST API handlers for the merged feed view.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/feed"
)

// FeedHandler handles feed read, pagination, refresh, and filter
// operations. All responses carry a snapshot of the view state.
type FeedHandler struct {
	engine *feed.Engine
}

// NewFeedHandler creates a new FeedHandler.
func NewFeedHandler(engine *feed.Engine) *FeedHandler {
	return &FeedHandler{engine: engine}
}

// GetFeed handles GET /api/v1/feed
//
// The first call loads the initial page with the filters given as query
// parameters. Later calls return the current state; passing filters that
// differ from the active ones reloads the view.
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filters, err := filtersFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state := h.engine.State()
	switch {
	case state.Phase == feed.PhaseInitial:
		state = h.engine.LoadInitial(r.Context(), filters)
	case !filters.IsZero() && filters != h.engine.Filters():
		state = h.engine.SetFilters(r.Context(), filters)
	}

	writeState(w, state)
}

// LoadMore handles POST /api/v1/feed/page
func (h *FeedHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeState(w, h.engine.LoadMore(r.Context()))
}

// Refresh handles POST /api/v1/feed/refresh
func (h *FeedHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := h.engine.Refresh(r.Context())
	if state.Err != nil && apperrors.Is(state.Err, apperrors.ErrOffline) {
		http.Error(w, "Remote service unreachable", http.StatusServiceUnavailable)
		return
	}

	writeState(w, state)
}

// SetFilters handles PUT /api/v1/feed/filters
func (h *FeedHandler) SetFilters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var filters feed.Filters
	if err := json.NewDecoder(r.Body).Decode(&filters); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	writeState(w, h.engine.SetFilters(r.Context(), filters))
}

// filtersFromQuery parses the optional year and tag query parameters.
func filtersFromQuery(r *http.Request) (feed.Filters, error) {
	var filters feed.Filters
	if year := r.URL.Query().Get("year"); year != "" {
		parsed, err := strconv.Atoi(year)
		if err != nil {
			return filters, apperrors.New(apperrors.ErrValidation, "year must be an integer")
		}
		filters.Year = parsed
	}
	filters.Tag = r.URL.Query().Get("tag")
	return filters, nil
}

// writeState shapes a view state for the wire. The engine keeps errors
// out of its JSON form, so the message and code ride alongside.
func writeState(w http.ResponseWriter, state feed.ViewState) {
	response := map[string]interface{}{
		"phase":    state.Phase,
		"entries":  state.Entries,
		"has_more": state.HasMore,
	}
	if len(state.Years) > 0 {
		response["years"] = state.Years
	}
	if state.Err != nil {
		response["error"] = state.Err.Error()
		response["error_code"] = string(apperrors.CodeOf(state.Err))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

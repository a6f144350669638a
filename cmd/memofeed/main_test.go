package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kimhsiao/memofeed/internal/config"
	"github.com/kimhsiao/memofeed/internal/models"
)

func newTestApp(t *testing.T) *app {
	t.Helper()

	cfg := config.NewConfig(t.TempDir(), "http://localhost:9")
	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("Failed to build app: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestHealthHandler(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	healthHandler(a)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", response["status"])
	}
	if response["service"] != "memofeed" {
		t.Errorf("Expected service memofeed, got %v", response["service"])
	}
	// The monitor starts pessimistic and no probe has run.
	if response["online"] != false {
		t.Errorf("Expected online false, got %v", response["online"])
	}
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w := httptest.NewRecorder()

	healthHandler(a)(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestRegisterRoutes(t *testing.T) {
	a := newTestApp(t)

	hub := NewWSHub(a.bus)
	t.Cleanup(hub.Close)

	mux := http.NewServeMux()
	registerRoutes(mux, a, hub)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("Failed to reach health endpoint: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 from health, got %d", resp.StatusCode)
	}

	// Captures land in the queue even with the remote unreachable.
	body, _ := json.Marshal(map[string]interface{}{"text": "Captured through the mux"})
	resp, err = http.Post(server.URL+"/api/v1/memories", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to post capture: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201 from capture, got %d", resp.StatusCode)
	}

	var row models.QueuedMutation
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		t.Fatalf("Failed to decode capture response: %v", err)
	}
	if row.Status != models.StatusQueued {
		t.Errorf("Expected status queued, got %s", row.Status)
	}

	resp, err = http.Get(server.URL + "/api/v1/queue")
	if err != nil {
		t.Fatalf("Failed to reach queue endpoint: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 from queue, got %d", resp.StatusCode)
	}

	var listing map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("Failed to decode queue response: %v", err)
	}
	if listing["total"].(float64) != 1 {
		t.Errorf("Expected 1 queued item, got %v", listing["total"])
	}
}

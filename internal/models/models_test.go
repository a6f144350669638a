// Package models tests for data model definitions.
package models

import (
	"reflect"
	"testing"
	"time"
)

func TestParseOperation(t *testing.T) {
	tests := []struct {
		input   string
		want    Operation
		wantErr bool
	}{
		{"create", OperationCreate, false},
		{"update", OperationUpdate, false},
		{"delete", "", true},
		{"CREATE", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOperation(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOperation(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseOperation(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseMutationStatus(t *testing.T) {
	for _, valid := range []string{"queued", "syncing", "failed", "completed"} {
		if _, err := ParseMutationStatus(valid); err != nil {
			t.Errorf("ParseMutationStatus(%q) rejected a known status: %v", valid, err)
		}
	}
	for _, invalid := range []string{"pending", "in_progress", "", "Queued"} {
		if _, err := ParseMutationStatus(invalid); err == nil {
			t.Errorf("ParseMutationStatus(%q) accepted an unknown status", invalid)
		}
	}
}

func TestStatusUnresolved(t *testing.T) {
	tests := []struct {
		status MutationStatus
		want   bool
	}{
		{StatusQueued, true},
		{StatusSyncing, true},
		{StatusFailed, true},
		{StatusCompleted, false},
	}

	for _, tt := range tests {
		if got := tt.status.Unresolved(); got != tt.want {
			t.Errorf("%s.Unresolved() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPayloadRoundTripCurrentVersion(t *testing.T) {
	draft := MemoryDraft{
		Title:      "Ferry ride",
		Text:       "Crossing at dusk, water like glass.",
		Tags:       []string{"travel", "water"},
		CapturedAt: 1767225600,
	}

	version, data, err := EncodePayload(draft)
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}
	if version != PayloadVersion {
		t.Errorf("EncodePayload() version = %d, want %d", version, PayloadVersion)
	}

	decoded, err := DecodePayload(version, data)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if !reflect.DeepEqual(decoded, draft) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", decoded, draft)
	}
}

func TestDecodePayloadVersion1(t *testing.T) {
	// Rows written before tags and titles existed carry only text and
	// captured_at. New fields come back as additive defaults.
	data := []byte(`{"text":"old capture","captured_at":1704067200}`)

	decoded, err := DecodePayload(1, data)
	if err != nil {
		t.Fatalf("DecodePayload(1, ...) error = %v", err)
	}

	want := MemoryDraft{Text: "old capture", CapturedAt: 1704067200}
	if !reflect.DeepEqual(decoded, want) {
		t.Errorf("DecodePayload(1) = %+v, want %+v", decoded, want)
	}
}

func TestDecodePayloadIgnoresUnknownFields(t *testing.T) {
	// A row written by a newer build may carry fields this build does not
	// know about. They must be ignored, not rejected.
	data := []byte(`{"text":"from the future","captured_at":1767225600,"mood":"wistful"}`)

	decoded, err := DecodePayload(2, data)
	if err != nil {
		t.Fatalf("DecodePayload() rejected unknown fields: %v", err)
	}
	if decoded.Text != "from the future" {
		t.Errorf("Text = %q, want 'from the future'", decoded.Text)
	}
}

func TestDecodePayloadUnsupportedVersion(t *testing.T) {
	if _, err := DecodePayload(99, []byte(`{}`)); err == nil {
		t.Error("DecodePayload(99, ...) should fail for an unsupported version")
	}
	if _, err := DecodePayload(0, []byte(`{}`)); err == nil {
		t.Error("DecodePayload(0, ...) should fail for an unsupported version")
	}
}

func TestMutationDraft(t *testing.T) {
	version, data, err := EncodePayload(MemoryDraft{Text: "note", CapturedAt: 1767225600})
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}

	m := QueuedMutation{
		LocalID:   "f47ac10b-58cc-4372-a567-0e02b2c3d479",
		Operation: OperationCreate,
		Payload:   data,
		Version:   version,
		Status:    StatusQueued,
	}

	draft, err := m.Draft()
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	if draft.Text != "note" {
		t.Errorf("Draft().Text = %q, want 'note'", draft.Text)
	}
}

func TestCursorIsZero(t *testing.T) {
	if !(Cursor{}).IsZero() {
		t.Error("zero cursor should report IsZero")
	}
	if (Cursor{CapturedAt: 1767225600, ID: "r-1"}).IsZero() {
		t.Error("populated cursor should not report IsZero")
	}
}

func TestMemoryYear(t *testing.T) {
	m := Memory{CapturedAt: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC).Unix()}
	if m.Year() != 2025 {
		t.Errorf("Year() = %d, want 2025", m.Year())
	}
}

func TestMutationTouch(t *testing.T) {
	m := QueuedMutation{UpdatedAt: 0}
	m.Touch()
	if m.UpdatedAt == 0 {
		t.Error("Touch() should set UpdatedAt")
	}
}

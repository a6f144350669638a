package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrOffline, Message: "device is offline"},
			want:     "[OFFLINE] device is offline",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrNetwork, Message: "page fetch failed", Err: errors.New("connection reset")},
			want:     "[NETWORK_ERROR] page fetch failed: connection reset",
		},
		{
			name:     "storage error",
			appError: &AppError{Code: ErrStorage, Message: "enqueue write failed"},
			want:     "[STORAGE_ERROR] enqueue write failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	underlying := errors.New("socket closed")
	err := Wrap(underlying, ErrNetwork, "stream read failed")

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the wrapped error")
	}
	if err.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlying)
	}
	if New(ErrOffline, "offline").Unwrap() != nil {
		t.Error("Unwrap() without cause should be nil")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching code", New(ErrNotFound, "record gone"), ErrNotFound, true},
		{"non-matching code", New(ErrNotFound, "record gone"), ErrNetwork, false},
		{"plain error", errors.New("plain"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
		{
			"app error deeper in a chain",
			fmt.Errorf("drain item: %w", Wrap(errors.New("timeout"), ErrNetwork, "upload failed")),
			ErrNetwork,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if code := CodeOf(New(ErrValidation, "empty text")); code != ErrValidation {
		t.Errorf("CodeOf = %q, want %q", code, ErrValidation)
	}
	if code := CodeOf(fmt.Errorf("outer: %w", New(ErrOffline, "offline"))); code != ErrOffline {
		t.Errorf("CodeOf on wrapped chain = %q, want %q", code, ErrOffline)
	}
	if code := CodeOf(errors.New("plain")); code != ErrInternal {
		t.Errorf("CodeOf on plain error = %q, want %q", code, ErrInternal)
	}
}

func TestCodesAreUnique(t *testing.T) {
	codes := []ErrorCode{
		ErrOffline, ErrNetwork, ErrNotFound, ErrStorage, ErrValidation, ErrInternal,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true
	}
}

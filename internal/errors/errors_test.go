// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: New(ErrQueueFull, "queue is full"),
			want:     "[QUEUE_FULL] queue is full",
		},
		{
			name:     "error with underlying error",
			appError: Wrap(ErrStorage, "put failed", io.ErrShortWrite),
			want:     "[STORAGE_FAILURE] put failed: short write",
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

// TestAppError_Unwrap verifies errors.Is sees through AppError.
func TestAppError_Unwrap(t *testing.T) {
	err := Wrap(ErrStorage, "get failed", io.EOF)
	if !errors.Is(err, io.EOF) {
		t.Error("errors.Is should find the wrapped error")
	}
}

// TestIs verifies code matching across wrap chains.
func TestIs(t *testing.T) {
	inner := Wrap(ErrStorage, "disk", io.ErrUnexpectedEOF)
	outer := fmt.Errorf("enqueue: %w", Wrap(ErrQueueFull, "rejected", inner))

	if !Is(outer, ErrQueueFull) {
		t.Error("Is(outer, ErrQueueFull) = false, want true")
	}
	if !Is(outer, ErrStorage) {
		t.Error("Is(outer, ErrStorage) = false, want true")
	}
	if Is(outer, ErrNotFound) {
		t.Error("Is(outer, ErrNotFound) = true, want false")
	}
	if Is(io.EOF, ErrInternal) {
		t.Error("plain errors carry no code")
	}
	if Is(nil, ErrInternal) {
		t.Error("nil carries no code")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", New(ErrInvalid, "bad"))); got != ErrInvalid {
		t.Errorf("CodeOf = %q, want %q", got, ErrInvalid)
	}
	if got := CodeOf(io.EOF); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

// TestClassify verifies transient/permanent classification of statuses.
func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCode
	}{
		{http.StatusOK, ""},
		{http.StatusCreated, ""},
		{http.StatusNoContent, ""},
		{http.StatusFound, ""},
		{http.StatusBadRequest, ErrDeliveryRejected},
		{http.StatusUnauthorized, ErrDeliveryRejected},
		{http.StatusForbidden, ErrDeliveryRejected},
		{http.StatusNotFound, ErrDeliveryRejected},
		{http.StatusConflict, ErrDeliveryRejected},
		{http.StatusRequestTimeout, ErrDeliveryTransient},
		{http.StatusTooEarly, ErrDeliveryTransient},
		{http.StatusTooManyRequests, ErrDeliveryTransient},
		{http.StatusInternalServerError, ErrDeliveryTransient},
		{http.StatusBadGateway, ErrDeliveryTransient},
		{http.StatusServiceUnavailable, ErrDeliveryTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := Classify(tt.status); got != tt.want {
				t.Errorf("Classify(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

// Package errors provides error codes shared by the store, the write-queue
// agent and the reconciliation client.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure independent of its message.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Local storage errors
	ErrStorage    ErrorCode = "STORAGE_FAILURE"
	ErrStoreReset ErrorCode = "STORE_RESET"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueFull   ErrorCode = "QUEUE_FULL"
	ErrNotEligible ErrorCode = "NOT_ELIGIBLE"

	// Delivery errors
	ErrDeliveryTransient ErrorCode = "DELIVERY_TRANSIENT"
	ErrDeliveryRejected  ErrorCode = "DELIVERY_REJECTED"

	// Messaging errors
	ErrBusClosed ErrorCode = "BUS_CLOSED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Classify maps a replay response status to a delivery error code.
// Success and redirect statuses classify as "".
func Classify(status int) ErrorCode {
	switch {
	case status < 400:
		return ""
	case status >= 500:
		return ErrDeliveryTransient
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return ErrDeliveryTransient
	default:
		return ErrDeliveryRejected
	}
}

package tally

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the store and the sync engine.
var (
	// ErrNotFound is returned when a row does not exist or is deleted.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a network operation is attempted without a remote configured.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrUnsupported is returned when the remote service has no endpoint for an operation.
	ErrUnsupported = errors.New("operation not supported by remote")

	// ErrDependencyPending is returned when a parent row has not been created remotely yet.
	ErrDependencyPending = errors.New("waiting for parent sync")

	// ErrInvalidRecord is returned when a locally created record fails validation.
	ErrInvalidRecord = errors.New("invalid record")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a remote call fails.
// StatusCode is 0 for transport failures. Rejected is set when the service
// answered with success=false.
type SyncError struct {
	Operation  string
	StatusCode int
	Rejected   bool
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Rejections (4xx or
// success=false) are not; they will fail the same way until the record changes.
func (e *SyncError) Retryable() bool {
	if e.Rejected {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// IsRetryable reports whether err should simply be retried on the next pass.
// Errors that are not a *SyncError (local failures) count as retryable.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

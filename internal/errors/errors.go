// Package errors defines the typed errors shared by the scan coordinator
// and its persistence layer.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound   = errors.New("not found")
	ErrInactive   = errors.New("inactive")
	ErrContention = errors.New("transient contention")
	ErrFinalized  = errors.New("execution already finalized")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInactive   ErrorType = "inactive"
	ErrorTypeContention ErrorType = "contention"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
)

// StoreError is a structured error for persistence operations.
type StoreError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "insert_finding", "increment_count")
	ID        string // Row id involved, if applicable
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrInactive:
		return e.Type == ErrorTypeInactive
	case ErrContention:
		return e.Type == ErrorTypeContention
	case ErrFinalized:
		return e.Type == ErrorTypeConflict
	}

	return errors.Is(e.Err, target)
}

// NewStoreError creates a new StoreError
func NewStoreError(errorType ErrorType, op, id string, err error) *StoreError {
	return &StoreError{
		Type:      errorType,
		Op:        op,
		ID:        id,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errorType == ErrorTypeContention,
	}
}

// IsRetryable reports whether an error is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return errors.Is(err, ErrContention)
}

// Package errors defines the failure taxonomy shared by the step executor,
// the sweepers and the compute job runner. Every error that crosses a
// workflow step boundary is classified here as transient (retried),
// precondition (fails the step immediately), busy (backpressure) or
// fault (unexpected, retained for operator diagnosis).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes pipeline failures for retry classification.
type ErrorType string

const (
	// ErrorTypeTimeout indicates a deadline was exceeded (retryable).
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeNetwork indicates network connectivity issues (retryable).
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeEngine indicates the compute engine is unavailable or returned 5xx (retryable).
	ErrorTypeEngine ErrorType = "engine_unavailable"

	// ErrorTypeContention indicates an optimistic write lost a race or a lock was busy (retryable).
	ErrorTypeContention ErrorType = "contention"

	// ErrorTypePrecondition indicates recorded state does not allow the step (business error).
	ErrorTypePrecondition ErrorType = "precondition_failed"

	// ErrorTypeLicence indicates the gate requires an active licence (business error).
	ErrorTypeLicence ErrorType = "licence_required"

	// ErrorTypeValidation indicates an invalid payload or configuration (business error).
	ErrorTypeValidation ErrorType = "validation_failed"

	// ErrorTypeNotFound indicates a referenced row does not exist (business error).
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeBusy indicates the admission semaphore is at capacity (backpressure).
	ErrorTypeBusy ErrorType = "busy"

	// ErrorTypeFault indicates an unexpected fault such as a recovered panic (non-retryable).
	ErrorTypeFault ErrorType = "fault"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Common pipeline errors.
var (
	// ErrBusy is returned by the admission semaphore when no ticket is free.
	// It is a backpressure signal, not a failure.
	ErrBusy = errors.New("admission semaphore at capacity")

	// ErrConflict indicates a version-conditional write matched no row.
	ErrConflict = errors.New("optimistic update conflict")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLicenceRequired indicates the target phase needs an active licence.
	ErrLicenceRequired = errors.New("active licence required")

	// ErrInvalidPayload indicates an event payload failed validation.
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrUnknownEvent indicates no workflow is registered for an event name.
	ErrUnknownEvent = errors.New("no workflow registered for event")

	// ErrRetriesExhausted indicates the retry budget was spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// PreconditionError reports that recorded state did not match what a step
// expected. It is never retried: the state will not change by waiting.
type PreconditionError struct {
	Entity   string `json:"entity"`
	ID       string `json:"id"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Error returns the mismatch in entity/id form.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for %s %s: expected %s, got %s",
		e.Entity, e.ID, e.Expected, e.Actual)
}

// NewPreconditionError builds a PreconditionError.
func NewPreconditionError(entity, id, expected, actual string) *PreconditionError {
	return &PreconditionError{Entity: entity, ID: id, Expected: expected, Actual: actual}
}

// FaultError wraps an unexpected fault, typically a recovered panic, so the
// detail survives on the workflow run for diagnosis.
type FaultError struct {
	Op    string `json:"op"`
	Value any    `json:"value"`
	Stack string `json:"stack,omitempty"`
}

// Error returns the fault with the operation that raised it.
func (e *FaultError) Error() string {
	return fmt.Sprintf("unexpected fault in %s: %v", e.Op, e.Value)
}

// StatusError carries an HTTP status from an external collaborator.
// Implementations let the classifier reason about 5xx/429 without importing
// the client package.
type StatusError interface {
	error
	StatusCode() int
}

// retryableError is satisfied by errors that know their own retry class.
type retryableError interface {
	error
	IsRetryable() bool
}

// IsRetryableStatus reports whether an HTTP status denotes a transient failure.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code == http.StatusGatewayTimeout ||
		code >= http.StatusInternalServerError
}

// IsRetryable reports whether err should be retried by the executor or by
// retry.Do. Unknown errors are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	wfErr := Classify(err)
	return wfErr != nil && wfErr.ShouldRetry()
}

// IsBusy reports whether err is the admission backpressure signal.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

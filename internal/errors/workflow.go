package errors

import (
	"fmt"
)

// WorkflowError provides classified error context for workflow steps.
// It is what the executor records on a run and what retry decisions use.
type WorkflowError struct {
	Type      ErrorType      `json:"type"`      // Error classification
	Message   string         `json:"message"`   // Human-readable message
	Code      string         `json:"code"`      // Stable machine code
	Retryable bool           `json:"retryable"` // Whether to retry
	Details   map[string]any `json:"details"`   // Additional context
	Cause     error          `json:"-"`         // Underlying error
}

// Error returns formatted error string with type and code context.
func (e *WorkflowError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As compatibility.
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// ShouldRetry returns the explicit retry recommendation.
func (e *WorkflowError) ShouldRetry() bool {
	return e.Retryable
}

// IsRetryable determines retry eligibility from the type alone.
func (e *WorkflowError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeEngine, ErrorTypeContention:
		return true
	default:
		return false
	}
}

// Transient marks err as retryable regardless of its concrete type.
// Steps use it for failures they know to be temporary.
func Transient(code string, err error) *WorkflowError {
	return &WorkflowError{
		Type:      ErrorTypeContention,
		Message:   err.Error(),
		Code:      code,
		Retryable: true,
		Cause:     err,
	}
}

// Permanent marks err as non-retryable regardless of its concrete type.
func Permanent(code string, err error) *WorkflowError {
	return &WorkflowError{
		Type:      ErrorTypePrecondition,
		Message:   err.Error(),
		Code:      code,
		Retryable: false,
		Cause:     err,
	}
}

package errors

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// Classify transforms an error into a WorkflowError with retry guidance.
// Typed errors are checked first, then sentinels, then message patterns.
func Classify(err error) *WorkflowError {
	if err == nil {
		return nil
	}

	// An exhausted budget wraps the last transient cause; it must not be
	// retried again by an outer layer.
	if errors.Is(err, ErrRetriesExhausted) {
		return &WorkflowError{Type: ErrorTypeUnknown, Message: err.Error(), Code: "MAX_RETRIES", Retryable: false, Cause: err}
	}

	if wfErr := classifyTypedErrors(err); wfErr != nil {
		return wfErr
	}

	if wfErr := classifySentinelErrors(err); wfErr != nil {
		return wfErr
	}

	return classifyStringPatternErrors(err)
}

func classifyTypedErrors(err error) *WorkflowError {
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr
	}

	var preErr *PreconditionError
	if errors.As(err, &preErr) {
		return &WorkflowError{
			Type:      ErrorTypePrecondition,
			Message:   preErr.Error(),
			Code:      "PRECONDITION",
			Retryable: false,
			Details: map[string]any{
				"entity":   preErr.Entity,
				"id":       preErr.ID,
				"expected": preErr.Expected,
				"actual":   preErr.Actual,
			},
			Cause: err,
		}
	}

	var faultErr *FaultError
	if errors.As(err, &faultErr) {
		return &WorkflowError{
			Type:      ErrorTypeFault,
			Message:   faultErr.Error(),
			Code:      "FAULT",
			Retryable: false,
			Details:   map[string]any{"op": faultErr.Op, "stack": faultErr.Stack},
			Cause:     err,
		}
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		retryable := IsRetryableStatus(statusErr.StatusCode())
		typ := ErrorTypeEngine
		if !retryable {
			typ = ErrorTypeValidation
		}
		var rErr retryableError
		if errors.As(err, &rErr) {
			retryable = rErr.IsRetryable()
		}
		return &WorkflowError{
			Type:      typ,
			Message:   statusErr.Error(),
			Code:      "ENGINE",
			Retryable: retryable,
			Details:   map[string]any{"status_code": statusErr.StatusCode()},
			Cause:     err,
		}
	}

	var rErr retryableError
	if errors.As(err, &rErr) {
		typ := ErrorTypeEngine
		if !rErr.IsRetryable() {
			typ = ErrorTypeUnknown
		}
		return &WorkflowError{
			Type:      typ,
			Message:   rErr.Error(),
			Code:      "EXTERNAL",
			Retryable: rErr.IsRetryable(),
			Cause:     err,
		}
	}

	return nil
}

func classifySentinelErrors(err error) *WorkflowError {
	switch {
	case errors.Is(err, ErrBusy):
		return &WorkflowError{Type: ErrorTypeBusy, Message: err.Error(), Code: "BUSY", Retryable: false, Cause: err}
	case errors.Is(err, ErrConflict):
		return &WorkflowError{Type: ErrorTypeContention, Message: err.Error(), Code: "CONFLICT", Retryable: true, Cause: err}
	case errors.Is(err, ErrNotFound):
		return &WorkflowError{Type: ErrorTypeNotFound, Message: err.Error(), Code: "NOT_FOUND", Retryable: false, Cause: err}
	case errors.Is(err, ErrLicenceRequired):
		return &WorkflowError{Type: ErrorTypeLicence, Message: err.Error(), Code: "LICENCE_REQUIRED", Retryable: false, Cause: err}
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownEvent):
		return &WorkflowError{Type: ErrorTypeValidation, Message: err.Error(), Code: "VALIDATION", Retryable: false, Cause: err}
	case errors.Is(err, ErrRetriesExhausted):
		return &WorkflowError{Type: ErrorTypeUnknown, Message: err.Error(), Code: "MAX_RETRIES", Retryable: false, Cause: err}
	case errors.Is(err, context.Canceled):
		return &WorkflowError{Type: ErrorTypeUnknown, Message: err.Error(), Code: "CANCELLED", Retryable: false, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &WorkflowError{Type: ErrorTypeTimeout, Message: err.Error(), Code: "TIMEOUT", Retryable: true, Cause: err}
	case isNetworkError(err):
		return &WorkflowError{Type: ErrorTypeNetwork, Message: err.Error(), Code: "NETWORK", Retryable: true, Cause: err}
	}
	return nil
}

func classifyStringPatternErrors(err error) *WorkflowError {
	errMsg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errMsg, "database is locked") || strings.Contains(errMsg, "sqlite_busy"):
		return &WorkflowError{Type: ErrorTypeContention, Message: "store busy", Code: "LOCKED", Retryable: true, Cause: err}
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline"):
		return &WorkflowError{Type: ErrorTypeTimeout, Message: "request timeout", Code: "TIMEOUT", Retryable: true, Cause: err}
	case isNetworkErrorByString(errMsg):
		return &WorkflowError{Type: ErrorTypeNetwork, Message: "network error", Code: "NETWORK", Retryable: true, Cause: err}
	}

	return &WorkflowError{
		Type:      ErrorTypeUnknown,
		Message:   err.Error(),
		Code:      "UNKNOWN",
		Retryable: false,
		Cause:     err,
	}
}

// isNetworkError checks for network errors using type assertions first.
func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var netErr net.Error
		if errors.As(urlErr.Err, &netErr) {
			return netErr.Timeout()
		}
		return isNetworkErrorByString(strings.ToLower(urlErr.Err.Error()))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// isNetworkErrorByString matches pre-lowercased network error indicators.
func isNetworkErrorByString(lowered string) bool {
	for _, indicator := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
	} {
		if strings.Contains(lowered, indicator) {
			return true
		}
	}
	return false
}

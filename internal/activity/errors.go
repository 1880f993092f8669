package activity

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"

	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/sweep"
)

// Application error types returned to workflows. Every type except
// ErrTypeTransient is non-retryable.
const (
	ErrTypeInvalidInput    = "InvalidInput"
	ErrTypeRunNotFound     = "RunNotFound"
	ErrTypeUnknownWorkflow = "UnknownWorkflow"
	ErrTypeUnknownSweep    = "UnknownSweep"
	ErrTypeTransient       = "Transient"
)

// NonRetryableTypes lists the error types workflows must not retry.
func NonRetryableTypes() []string {
	return []string{ErrTypeInvalidInput, ErrTypeRunNotFound, ErrTypeUnknownWorkflow, ErrTypeUnknownSweep}
}

var errMissingRunID = errors.New("run id is required")

// toTemporal converts an error from the run or sweep layer into the
// application error a workflow sees. Cancellation passes through so
// Temporal reports it as such.
func toTemporal(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, pipeerrors.ErrNotFound):
		return nonRetryable(ErrTypeRunNotFound, err, op)
	case errors.Is(err, pipeerrors.ErrUnknownEvent):
		return nonRetryable(ErrTypeUnknownWorkflow, err, op)
	case errors.Is(err, sweep.ErrUnknownSweep):
		return nonRetryable(ErrTypeUnknownSweep, err, op)
	}
	return temporal.NewApplicationError(op+": "+err.Error(), ErrTypeTransient, err)
}

func nonRetryable(tag string, cause error, msg string) error {
	return temporal.NewNonRetryableApplicationError(msg, tag, cause)
}

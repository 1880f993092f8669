package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
)

var (
	errContextCancelledBeforeRetry = errors.New("context cancelled before retry")
	errContextCancelledDuringRetry = errors.New("context cancelled during retry")
)

// Operation is one attempt of a retried call.
type Operation func(ctx context.Context) error

// Do runs op until it succeeds, returns a non-transient error, exhausts
// MaxAttempts, or exceeds MaxElapsedTime. Transience is decided by
// pipeerrors.IsRetryable. The last error is wrapped with
// pipeerrors.ErrRetriesExhausted when the budget runs out.
func Do(ctx context.Context, p Policy, op Operation) error {
	return DoWithLogger(ctx, p, slog.Default().With("component", "retry"), op)
}

// DoWithLogger is Do with an explicit logger.
func DoWithLogger(ctx context.Context, p Policy, logger *slog.Logger, op Operation) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", errContextCancelledBeforeRetry, ctx.Err())
	default:
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if !pipeerrors.IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		backoff := p.Backoff(attempt)
		if p.MaxElapsedTime > 0 && time.Since(start)+backoff > p.MaxElapsedTime {
			logger.Warn("max elapsed time exceeded",
				"elapsed", time.Since(start),
				"attempts", attempt,
				"last_error", err)
			break
		}

		logger.Debug("retrying after backoff",
			"attempt", attempt,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", errContextCancelledDuringRetry, ctx.Err())
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", pipeerrors.ErrRetriesExhausted, maxAttempts, lastErr)
}

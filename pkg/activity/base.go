// Package activity provides shared infrastructure for Temporal activity
// implementations: execution metadata, best-effort notifications, and
// logging and heartbeats that are safe to call outside an activity context.
package activity

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/ahrav/go-phaseflow/pkg/events"
)

// ExecutionInfo identifies the workflow execution an activity runs under.
type ExecutionInfo struct {
	WorkflowID string
	RunID      string
	ActivityID string
	Attempt    int32
}

// BaseActivities carries what every activity type shares.
type BaseActivities struct {
	sink events.Sink
}

// NewBaseActivities creates a BaseActivities. A nil sink disables
// notifications.
func NewBaseActivities(sink events.Sink) BaseActivities {
	return BaseActivities{sink: sink}
}

// Execution returns the activity's execution info. Outside an activity
// context, such as a plain unit test, it returns fixed placeholder values.
func (b *BaseActivities) Execution(ctx context.Context) ExecutionInfo {
	out := ExecutionInfo{WorkflowID: "local", RunID: "local", ActivityID: "local", Attempt: 1}
	func() {
		defer func() { _ = recover() }()
		info := activity.GetInfo(ctx)
		out = ExecutionInfo{
			WorkflowID: info.WorkflowExecution.ID,
			RunID:      info.WorkflowExecution.RunID,
			ActivityID: info.ActivityID,
			Attempt:    info.Attempt,
		}
	}()
	return out
}

// EmitEventSafe appends envelope to the sink with one short retry. Failures
// are logged and never returned: a notification must not fail the activity
// that produced it.
func (b *BaseActivities) EmitEventSafe(ctx context.Context, envelope events.Envelope) {
	if b.sink == nil {
		return
	}

	const maxAttempts = 2
	const retryDelay = 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				SafeLogError(ctx, "event emission cancelled", "event", envelope.Name)
				return
			}
		}
		if err := b.sink.Append(ctx, envelope); err != nil {
			lastErr = err
			continue
		}
		SafeLog(ctx, "event emitted", "event", envelope.Name, "idempotency_key", envelope.IdempotencyKey)
		return
	}
	SafeLogError(ctx, "event emission failed", "event", envelope.Name, "attempts", maxAttempts, "error", lastErr)
}

// KeepAlive records a heartbeat every interval until the returned stop
// function is called. Outside an activity context the heartbeats are
// dropped.
func (b *BaseActivities) KeepAlive(ctx context.Context, interval time.Duration, details ...any) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				RecordHeartbeat(ctx, details...)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// SafeLog logs at info level through the activity logger, and does nothing
// outside an activity context.
func SafeLog(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Info(msg, keyvals...)
}

// SafeLogError is SafeLog at error level.
func SafeLogError(ctx context.Context, msg string, keyvals ...any) {
	defer func() { _ = recover() }()
	activity.GetLogger(ctx).Error(msg, keyvals...)
}

// RecordHeartbeat records an activity heartbeat, and does nothing outside an
// activity context.
func RecordHeartbeat(ctx context.Context, details ...any) {
	defer func() { _ = recover() }()
	activity.RecordHeartbeat(ctx, details...)
}

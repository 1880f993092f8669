// Package executor runs workflow definitions as sequences of checkpointed,
// individually retried steps.
//
// A run's checkpoints are persisted after every attempt, so a crashed
// worker's run resumes at its first unfinished step with the attempt counts
// it had already spent. Transient errors are retried with exponential
// backoff up to the definition's retry limit and then dead-lettered;
// non-transient errors fail the run at once; pipeerrors.ErrBusy defers the
// run without spending retry budget. Every run write is version-conditional,
// so if another actor (the stale-run sweeper, an operator redrive) changes
// the run first, the executor stops rather than overwrite it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// DefaultHeartbeatInterval is how often a running step refreshes the run's
// heartbeat.
const DefaultHeartbeatInterval = 15 * time.Second

// Outcome is how an Execute call ended.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead-lettered"
	// OutcomeDeferred means a step hit admission backpressure. The run is
	// back in pending and should be relaunched later.
	OutcomeDeferred Outcome = "deferred"
)

// outcomeOf maps a terminal run status to its outcome.
func outcomeOf(status domain.RunStatus) Outcome {
	switch status {
	case domain.RunSucceeded:
		return OutcomeSucceeded
	case domain.RunDeadLettered:
		return OutcomeDeadLettered
	default:
		return OutcomeFailed
	}
}

// Store is the run persistence the executor needs.
type Store interface {
	UpdateRun(ctx context.Context, run domain.WorkflowRun) (domain.WorkflowRun, error)
	TouchRun(ctx context.Context, id string) error
}

// Config tunes the executor.
type Config struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// Executor runs workflow definitions against persisted runs.
type Executor struct {
	store  Store
	sink   events.Sink
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleep, letting tests skip real waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// New creates an Executor. A nil sink discards notifications.
func New(store Store, sink events.Sink, cfg Config, opts ...Option) *Executor {
	if sink == nil {
		sink = events.NewNoOpSink()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	e := &Executor{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		sleep:  sleepCtx,
		logger: slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute drives run through def's steps and returns how it ended.
//
// A terminal run is returned as-is. A non-nil error means the executor
// stopped without reaching an outcome: the context was cancelled (the run
// stays running and the stale-run sweeper or a relaunch picks it up), or a
// run write failed, including pipeerrors.ErrConflict when another actor
// changed the run.
func (e *Executor) Execute(ctx context.Context, def *Definition, run domain.WorkflowRun) (Outcome, error) {
	if run.Status.Terminal() {
		return outcomeOf(run.Status), nil
	}
	logger := e.logger.With("run_id", run.ID, "workflow", def.Name)

	run = run.Clone()
	if len(run.Steps) == 0 {
		run.Steps = def.Checkpoints()
	}
	if !def.matches(&run) {
		return "", fmt.Errorf("run %s: %w", run.ID, errStepsMismatch)
	}

	run.Status = domain.RunRunning
	run, err := e.store.UpdateRun(ctx, run)
	if err != nil {
		return "", fmt.Errorf("claim run: %w", err)
	}

	stopHeartbeat := e.startHeartbeat(ctx, run.ID, logger)
	defer stopHeartbeat()

	policy := def.backoff()
	for idx := run.NextPending(); idx >= 0; idx = run.NextPending() {
		step := def.Steps[idx]

		// Interrupted attempts never reach the failure branch below, so a
		// step that keeps killing its worker is stopped here.
		if run.Steps[idx].Attempts > def.RetryLimit {
			cp := &run.Steps[idx]
			cp.Status = domain.CheckpointFailed
			cp.Error = errAttemptsSpent.Error()
			run.Status = domain.RunDeadLettered
			run.LastError = fmt.Sprintf("step %s: %s", step.Name, errAttemptsSpent)
			if run, err = e.store.UpdateRun(ctx, run); err != nil {
				return "", fmt.Errorf("dead-letter run: %w", err)
			}
			logger.Error("step attempts spent by interrupted runs, run dead-lettered", "step", step.Name)
			e.notify(ctx, domain.EventRunDeadLettered, &run, logger)
			return OutcomeDeadLettered, nil
		}

		// Record the attempt before running it so a crash mid-step still
		// spends budget.
		run.Steps[idx].Attempts++
		if run, err = e.store.UpdateRun(ctx, run); err != nil {
			return "", fmt.Errorf("record attempt of %s: %w", step.Name, err)
		}
		cp := &run.Steps[idx]
		stepLogger := logger.With("step", step.Name, "attempt", cp.Attempts)

		stepErr := runStep(ctx, step, run.Clone())
		if stepErr == nil {
			now := time.Now().UTC()
			cp.Status = domain.CheckpointDone
			cp.Error = ""
			cp.CompletedAt = &now
			if run, err = e.store.UpdateRun(ctx, run); err != nil {
				return "", fmt.Errorf("checkpoint %s: %w", step.Name, err)
			}
			stepLogger.Debug("step done")
			continue
		}

		switch {
		case pipeerrors.IsBusy(stepErr):
			cp.Attempts--
			run.Status = domain.RunPending
			run.Deferrals++
			run.LastError = stepErr.Error()
			if _, err := e.store.UpdateRun(ctx, run); err != nil {
				return "", fmt.Errorf("defer run: %w", err)
			}
			stepLogger.Info("step deferred by backpressure", "deferrals", run.Deferrals)
			return OutcomeDeferred, nil

		case ctx.Err() != nil:
			stepLogger.Warn("step interrupted", "error", stepErr)
			return "", fmt.Errorf("step %s interrupted: %w", step.Name, ctx.Err())

		case !pipeerrors.IsRetryable(stepErr):
			cp.Status = domain.CheckpointFailed
			cp.Error = stepErr.Error()
			run.Status = domain.RunFailed
			run.LastError = stepErr.Error()
			if run, err = e.store.UpdateRun(ctx, run); err != nil {
				return "", fmt.Errorf("fail run: %w", err)
			}
			stepLogger.Warn("step failed", "error", stepErr)
			e.notify(ctx, domain.EventRunFailed, &run, logger)
			return OutcomeFailed, nil
		}

		// Transient.
		cp.Error = stepErr.Error()
		run.LastError = stepErr.Error()
		if cp.Attempts-1 >= def.RetryLimit {
			cp.Status = domain.CheckpointFailed
			run.Status = domain.RunDeadLettered
			if run, err = e.store.UpdateRun(ctx, run); err != nil {
				return "", fmt.Errorf("dead-letter run: %w", err)
			}
			stepLogger.Error("step retries exhausted, run dead-lettered", "error", stepErr)
			e.notify(ctx, domain.EventRunDeadLettered, &run, logger)
			return OutcomeDeadLettered, nil
		}

		run.RetryCount++
		if run, err = e.store.UpdateRun(ctx, run); err != nil {
			return "", fmt.Errorf("record retry of %s: %w", step.Name, err)
		}
		delay := policy.Backoff(cp.Attempts)
		stepLogger.Info("step failed transiently, retrying", "error", stepErr, "backoff", delay)
		if err := e.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("backoff before %s: %w", step.Name, err)
		}
	}

	run.Status = domain.RunSucceeded
	run.LastError = ""
	if _, err := e.store.UpdateRun(ctx, run); err != nil {
		return "", fmt.Errorf("complete run: %w", err)
	}
	logger.Info("run succeeded", "retry_count", run.RetryCount)
	return OutcomeSucceeded, nil
}

// runStep calls the step, turning a panic into a FaultError.
func runStep(ctx context.Context, step Step, run domain.WorkflowRun) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &pipeerrors.FaultError{Op: "step " + step.Name, Value: rec, Stack: string(debug.Stack())}
		}
	}()
	return step.Run(ctx, &run)
}

func (e *Executor) startHeartbeat(ctx context.Context, runID string, logger *slog.Logger) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.store.TouchRun(hbCtx, runID); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// notify emits a terminal-run notification. Sink failures are logged only.
func (e *Executor) notify(ctx context.Context, name domain.EventName, run *domain.WorkflowRun, logger *slog.Logger) {
	env, err := events.New(string(name), "executor", domain.RunTerminalPayload{
		RunID:      run.ID,
		Workflow:   run.Workflow,
		EventName:  run.EventName,
		Status:     run.Status,
		RetryCount: run.RetryCount,
		LastError:  run.LastError,
	})
	if err != nil {
		logger.Error("build notification failed", "error", err)
		return
	}
	env.IdempotencyKey = run.ID + ":" + string(run.Status) + ":" + fmt.Sprint(run.Version)
	if err := e.sink.Append(context.WithoutCancel(ctx), env); err != nil {
		logger.Warn("notification not delivered", "event", name, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

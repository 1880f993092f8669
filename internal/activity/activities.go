// Package activity holds the Temporal activities that bridge durable
// workflows to the executor and the sweepers.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
	base "github.com/ahrav/go-phaseflow/pkg/activity"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// RunExecutor executes a persisted run; dispatch.Dispatcher satisfies it.
type RunExecutor interface {
	Run(ctx context.Context, runID string) (executor.Outcome, error)
}

// SweepRunner runs one named sweep; sweep.Sweeper satisfies it.
type SweepRunner interface {
	Run(ctx context.Context, name string) (domain.SweepResult, error)
}

// ExecuteRunInput names the run to execute.
type ExecuteRunInput struct {
	RunID string `json:"run_id"`
}

// ExecuteRunOutput reports how one execution ended. Superseded means
// another actor changed the run while it executed and this execution
// stopped without an outcome.
type ExecuteRunOutput struct {
	RunID      string           `json:"run_id"`
	Outcome    executor.Outcome `json:"outcome,omitempty"`
	Superseded bool             `json:"superseded,omitempty"`
}

// SweepInput names the sweep to run.
type SweepInput struct {
	Name string `json:"name"`
}

// Activities provides the activity functions registered with the worker.
type Activities struct {
	base      base.BaseActivities
	runs      RunExecutor
	sweeps    SweepRunner
	heartbeat time.Duration
}

// NewActivities creates Activities. heartbeat is how often a long
// execution reports liveness to Temporal; zero disables it.
func NewActivities(b base.BaseActivities, runs RunExecutor, sweeps SweepRunner, heartbeat time.Duration) *Activities {
	return &Activities{base: b, runs: runs, sweeps: sweeps, heartbeat: heartbeat}
}

// ExecuteRun drives a run through the executor until it succeeds, fails,
// dead-letters or is deferred by admission backpressure.
func (a *Activities) ExecuteRun(ctx context.Context, in ExecuteRunInput) (ExecuteRunOutput, error) {
	if in.RunID == "" {
		return ExecuteRunOutput{}, nonRetryable(ErrTypeInvalidInput, errMissingRunID, "ExecuteRun")
	}
	info := a.base.Execution(ctx)
	stop := a.base.KeepAlive(ctx, a.heartbeat, in.RunID)
	defer stop()

	outcome, err := a.runs.Run(ctx, in.RunID)
	if errors.Is(err, pipeerrors.ErrConflict) {
		base.SafeLog(ctx, "run superseded", "run_id", in.RunID, "workflow_id", info.WorkflowID)
		return ExecuteRunOutput{RunID: in.RunID, Superseded: true}, nil
	}
	if err != nil {
		base.SafeLogError(ctx, "run execution stopped", "run_id", in.RunID, "attempt", info.Attempt, "error", err)
		return ExecuteRunOutput{}, toTemporal("ExecuteRun", err)
	}
	base.SafeLog(ctx, "run executed", "run_id", in.RunID, "outcome", outcome)
	return ExecuteRunOutput{RunID: in.RunID, Outcome: outcome}, nil
}

// Sweep runs one sweep pass and announces its result.
func (a *Activities) Sweep(ctx context.Context, in SweepInput) (domain.SweepResult, error) {
	if in.Name == "" {
		return domain.SweepResult{}, nonRetryable(ErrTypeInvalidInput, errors.New("sweep name is required"), "Sweep")
	}
	stop := a.base.KeepAlive(ctx, a.heartbeat, in.Name)
	defer stop()

	res, err := a.sweeps.Run(ctx, in.Name)
	if err != nil {
		return domain.SweepResult{}, toTemporal("Sweep", err)
	}
	env, err := events.New(string(domain.EventSweepCompleted), "phaseflow.sweeper", res)
	if err != nil {
		base.SafeLogError(ctx, "build sweep event", "error", err)
		return res, nil
	}
	env.IdempotencyKey = fmt.Sprintf("sweep:%s:%d", res.Name, res.ID)
	a.base.EmitEventSafe(ctx, env)
	return res, nil
}

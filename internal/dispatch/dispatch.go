// Package dispatch turns inbound events into persisted workflow runs and
// hands them to a Launcher for execution.
//
// Dispatch is idempotent per event id: a redelivered event maps to the run
// it created the first time and is not launched again. Runs are persisted
// before they are launched, so a launch that never happens leaves a pending
// run for the stale-run sweeper rather than a lost event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// ErrNotRedrivable is returned by Redrive for a run that is not failed or
// dead-lettered.
var ErrNotRedrivable = errors.New("only failed or dead-lettered runs can be redriven")

// Store is the run persistence the dispatcher needs.
type Store interface {
	executor.Store
	CreateRun(ctx context.Context, run domain.WorkflowRun) (domain.WorkflowRun, bool, error)
	GetRun(ctx context.Context, id string) (domain.WorkflowRun, error)
}

// Launcher starts execution of a persisted run somewhere: a local
// goroutine, a Temporal workflow, or nowhere at all.
type Launcher interface {
	Launch(ctx context.Context, runID string) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, runID string) error

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, runID string) error { return f(ctx, runID) }

// Dispatcher creates runs for events and executes them.
type Dispatcher struct {
	registry *Registry
	store    Store
	exec     *executor.Executor
	launcher Launcher
	now      func() time.Time
	logger   *slog.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLauncher sets the launcher. Without one, runs are only persisted.
func WithLauncher(l Launcher) Option {
	return func(d *Dispatcher) { d.launcher = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher.
func New(registry *Registry, store Store, exec *executor.Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		store:    store,
		exec:     exec,
		now:      time.Now,
		logger:   slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetLauncher replaces the launcher after construction, for launchers that
// need the dispatcher themselves.
func (d *Dispatcher) SetLauncher(l Launcher) { d.launcher = l }

// Registry returns the routing table.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch creates the run for env, or returns the existing one when the
// event id was seen before. created reports whether this call made it.
func (d *Dispatcher) Dispatch(ctx context.Context, env events.Envelope) (domain.WorkflowRun, bool, error) {
	if err := env.Normalize(d.now().UTC()); err != nil {
		return domain.WorkflowRun{}, false, fmt.Errorf("%w: %w", pipeerrors.ErrInvalidPayload, err)
	}
	def, ok := d.registry.ForEvent(domain.EventName(env.Name))
	if !ok {
		return domain.WorkflowRun{}, false, fmt.Errorf("%q: %w", env.Name, pipeerrors.ErrUnknownEvent)
	}

	var subject string
	if def.Prepare != nil {
		var err error
		if subject, err = def.Prepare(env.Data); err != nil {
			return domain.WorkflowRun{}, false, fmt.Errorf("%s: %w", env.Name, err)
		}
	}

	run, created, err := d.store.CreateRun(ctx, domain.WorkflowRun{
		ID:        uuid.NewString(),
		EventID:   env.ID,
		EventName: env.Name,
		Workflow:  def.Name,
		SubjectID: subject,
		Payload:   env.Data,
		Steps:     def.Checkpoints(),
		Status:    domain.RunPending,
	})
	if err != nil {
		return domain.WorkflowRun{}, false, fmt.Errorf("create run for event %s: %w", env.ID, err)
	}
	logger := d.logger.With("run_id", run.ID, "event_id", env.ID, "workflow", def.Name)
	if !created {
		logger.Debug("duplicate event, returning existing run", "status", run.Status)
		return run, false, nil
	}
	logger.Info("run created", "subject_id", subject)
	d.launch(ctx, run.ID, logger)
	return run, true, nil
}

// Run executes a persisted run to an outcome.
func (d *Dispatcher) Run(ctx context.Context, runID string) (executor.Outcome, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", runID, err)
	}
	def, ok := d.registry.ForWorkflow(run.Workflow)
	if !ok {
		return "", fmt.Errorf("run %s names workflow %q: %w", runID, run.Workflow, pipeerrors.ErrUnknownEvent)
	}
	return d.exec.Execute(ctx, def, run)
}

// Redrive resets a failed or dead-lettered run to pending and launches it
// again. Finished steps stay finished; the failed step gets a fresh attempt
// budget. The cumulative retry count is kept.
func (d *Dispatcher) Redrive(ctx context.Context, runID string) (domain.WorkflowRun, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != domain.RunFailed && run.Status != domain.RunDeadLettered {
		return domain.WorkflowRun{}, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrNotRedrivable)
	}

	run = run.Clone()
	for i := range run.Steps {
		if run.Steps[i].Status != domain.CheckpointDone {
			run.Steps[i].Status = domain.CheckpointPending
			run.Steps[i].Attempts = 0
			run.Steps[i].Error = ""
		}
	}
	run.Status = domain.RunPending
	run.LastError = ""
	if run, err = d.store.UpdateRun(ctx, run); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("reset run %s: %w", runID, err)
	}
	logger := d.logger.With("run_id", run.ID, "workflow", run.Workflow)
	logger.Info("run redriven", "retry_count", run.RetryCount)
	d.launch(ctx, run.ID, logger)
	return run, nil
}

// Relaunch launches an existing non-terminal run, used by the stale-run
// sweeper after it requeues a run.
func (d *Dispatcher) Relaunch(ctx context.Context, runID string) error {
	if d.launcher == nil {
		return nil
	}
	return d.launcher.Launch(ctx, runID)
}

func (d *Dispatcher) launch(ctx context.Context, runID string, logger *slog.Logger) {
	if d.launcher == nil {
		return
	}
	if err := d.launcher.Launch(ctx, runID); err != nil {
		// The run stays pending; the stale-run sweeper will pick it up.
		logger.Error("launch failed", "error", err)
	}
}

// Package analysis runs one statistical-analysis job against the compute
// engine while it holds an admission ticket.
//
// The runner owns the ticket's end of life: whatever happens inside Run
// (success, engine error, panic, cancellation) the ticket owned by the job
// id is released before Run returns, using a context that outlives the
// caller's cancellation. Tickets the runner never gets to release (process
// killed) are reclaimed when their lease expires.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ahrav/go-phaseflow/internal/compute"
	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
)

// Default runner settings.
const (
	DefaultRenewInterval  = time.Minute
	DefaultReleaseTimeout = 10 * time.Second
)

// Store is the job persistence the runner needs.
type Store interface {
	GetJob(ctx context.Context, id string) (domain.AnalysisJob, error)
	UpdateJob(ctx context.Context, job domain.AnalysisJob) (domain.AnalysisJob, error)
}

// Engine runs an analysis to completion.
type Engine interface {
	RunAnalysis(ctx context.Context, analysisID string) (compute.Result, error)
}

// Admission is the part of the semaphore the runner touches.
type Admission interface {
	ReleaseByOwner(ctx context.Context, owner string) (bool, error)
	RenewByOwner(ctx context.Context, owner string) (bool, error)
}

// Config tunes lease renewal and release.
type Config struct {
	// RenewInterval is how often the ticket lease is extended while the
	// engine call is in flight. It must be well below the lease TTL.
	RenewInterval  time.Duration `json:"renew_interval" mapstructure:"renew_interval" yaml:"renew_interval"`
	ReleaseTimeout time.Duration `json:"release_timeout" mapstructure:"release_timeout" yaml:"release_timeout"`
}

// DefaultConfig returns the production runner settings.
func DefaultConfig() Config {
	return Config{RenewInterval: DefaultRenewInterval, ReleaseTimeout: DefaultReleaseTimeout}
}

// Runner executes analysis jobs.
type Runner struct {
	store     Store
	engine    Engine
	admission Admission
	cfg       Config
	logger    *slog.Logger
}

// NewRunner creates a Runner. Zero config fields take defaults.
func NewRunner(store Store, engine Engine, admission Admission, cfg Config) *Runner {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = DefaultRenewInterval
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	return &Runner{
		store:     store,
		engine:    engine,
		admission: admission,
		cfg:       cfg,
		logger:    slog.Default().With("component", "analysis-runner"),
	}
}

// Run executes job jobID and returns its final status.
//
// A job that is already terminal is returned as-is, unless it failed for a
// transient reason, in which case it is run again. Otherwise the job is
// marked running, the engine is called, and the job is marked completed
// with its result reference or failed with the error detail and whether
// the cause was transient. Cancellation
// of ctx leaves the job running so a resumed run can call the engine again.
// A panic is recovered into a *pipeerrors.FaultError after the ticket has
// been released.
func (r *Runner) Run(ctx context.Context, jobID string) (status domain.JobStatus, err error) {
	logger := r.logger.With("analysis_id", jobID)

	defer func() {
		if rec := recover(); rec != nil {
			fault := &pipeerrors.FaultError{Op: "analysis.run", Value: rec, Stack: string(debug.Stack())}
			logger.Error("analysis run panicked", "panic", rec)
			r.markFailed(context.WithoutCancel(ctx), jobID, fault)
			status, err = domain.JobFailed, fault
		}
	}()
	// Registered after the recover so it runs before it.
	defer r.release(ctx, jobID, logger)

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() && !job.Rerunnable() {
		logger.Debug("job already terminal", "status", job.Status)
		return job.Status, nil
	}

	if job.Status != domain.JobRunning {
		job.Status = domain.JobRunning
		job.Retryable = false
		job.Error = ""
		job, err = r.store.UpdateJob(ctx, job)
		if err != nil {
			return "", fmt.Errorf("mark job %s running: %w", jobID, err)
		}
	}

	result, callErr := r.callEngine(ctx, jobID, logger)

	if callErr != nil && ctx.Err() != nil {
		logger.Warn("analysis interrupted", "error", callErr)
		return domain.JobRunning, fmt.Errorf("run job %s: %w", jobID, ctx.Err())
	}

	writeCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		job.Status = domain.JobFailed
		job.Error = callErr.Error()
		job.Retryable = transient(callErr)
		if _, err := r.store.UpdateJob(writeCtx, job); err != nil {
			return "", fmt.Errorf("mark job %s failed: %w", jobID, err)
		}
		logger.Warn("analysis failed", "error", callErr, "retryable", job.Retryable)
		return domain.JobFailed, nil
	}

	job.Status = domain.JobCompleted
	job.ResultRef = result.ResultRef
	job.Error = ""
	if _, err := r.store.UpdateJob(writeCtx, job); err != nil {
		return "", fmt.Errorf("mark job %s completed: %w", jobID, err)
	}
	logger.Info("analysis completed", "result_ref", result.ResultRef)
	return domain.JobCompleted, nil
}

// transient reports whether an engine failure may succeed on a later
// attempt. A spent client retry budget still counts: the step executor
// retries on a longer schedule.
func transient(err error) bool {
	return errors.Is(err, pipeerrors.ErrRetriesExhausted) || pipeerrors.IsRetryable(err)
}

// callEngine runs the engine call while a side goroutine renews the lease.
func (r *Runner) callEngine(ctx context.Context, jobID string, logger *slog.Logger) (compute.Result, error) {
	renewCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.renewLoop(renewCtx, jobID, logger)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	return r.engine.RunAnalysis(ctx, jobID)
}

func (r *Runner) renewLoop(ctx context.Context, jobID string, logger *slog.Logger) {
	ticker := time.NewTicker(r.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.admission.RenewByOwner(ctx, jobID)
			switch {
			case err != nil:
				logger.Warn("lease renewal failed", "error", err)
			case !ok:
				logger.Warn("lease lost while engine call in flight")
			}
		}
	}
}

func (r *Runner) release(ctx context.Context, jobID string, logger *slog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReleaseTimeout)
	defer cancel()
	released, err := r.admission.ReleaseByOwner(releaseCtx, jobID)
	if err != nil {
		// The lease reaper reclaims the ticket.
		logger.Error("ticket release failed", "error", err)
		return
	}
	logger.Debug("ticket release", "released", released)
}

// markFailed records a fault on the job, best effort.
func (r *Runner) markFailed(ctx context.Context, jobID string, cause error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}
	job.Status = domain.JobFailed
	job.Error = cause.Error()
	job.Retryable = false
	if _, err := r.store.UpdateJob(ctx, job); err != nil && !errors.Is(err, pipeerrors.ErrNotFound) {
		r.logger.Error("record fault on job failed", "analysis_id", jobID, "error", err)
	}
}

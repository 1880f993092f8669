package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
)

// Step names of the analysis workflow.
const (
	StepAcquireTicket = "acquire-ticket"
	StepRunAnalysis   = "run-analysis"
	StepPersistResult = "persist-result"
	StepReleaseTicket = "release-ticket"
)

// Analysis runs one statistical analysis under the admission semaphore.
// The ticket owner is the analysis id, so every step can find or release it
// without carrying the ticket between steps. The job belongs to the run
// that created it; a second run for the same analysis fails instead of
// calling the engine alongside the first.
func (w *Workflows) Analysis() *executor.Definition {
	return w.definition(WorkflowAnalysis, domain.EventAnalysisRequested,
		prepare[domain.AnalysisRequestedPayload](func(p *domain.AnalysisRequestedPayload) string { return p.AnalysisID }),
		executor.Step{Name: StepAcquireTicket, Run: w.acquireTicket},
		executor.Step{Name: StepRunAnalysis, Run: w.runAnalysis},
		executor.Step{Name: StepPersistResult, Run: w.persistResult},
		executor.Step{Name: StepReleaseTicket, Run: w.releaseTicket},
	)
}

// acquireTicket takes a ticket and records the queued job. At capacity it
// returns ErrBusy before touching anything so the deferred run leaves no
// trace.
func (w *Workflows) acquireTicket(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.AnalysisRequestedPayload](run)
	if err != nil {
		return err
	}
	if _, err := w.store.GetProject(ctx, p.ProjectID); err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	job, err := w.store.GetJob(ctx, p.AnalysisID)
	switch {
	case err == nil:
		if err := checkJob(job, p.ProjectID, run.ID); err != nil {
			return err
		}
		if job.Status.Terminal() && !job.Rerunnable() {
			return nil
		}
	case !errors.Is(err, pipeerrors.ErrNotFound):
		return fmt.Errorf("load job: %w", err)
	}

	if _, err := w.admission.Acquire(ctx, p.AnalysisID); err != nil {
		return err
	}
	stored, created, err := w.store.CreateJob(ctx, domain.AnalysisJob{
		ID:        p.AnalysisID,
		ProjectID: p.ProjectID,
		RunID:     run.ID,
		Status:    domain.JobQueued,
	})
	if err != nil {
		w.releaseQuietly(ctx, p.AnalysisID)
		return fmt.Errorf("create job: %w", err)
	}
	if created {
		w.logger.Info("analysis queued", "analysis_id", p.AnalysisID, "project_id", p.ProjectID, "run_id", run.ID)
		return nil
	}
	if err := checkJob(stored, p.ProjectID, run.ID); err != nil {
		// Another run created the job after our read. The ticket is shared
		// by owner, so it stays with that run unless its job already ended.
		if stored.Status.Terminal() {
			w.releaseQuietly(ctx, p.AnalysisID)
		}
		return err
	}
	return nil
}

// checkJob rejects a job that belongs to another project or another run.
func checkJob(job domain.AnalysisJob, projectID, runID string) error {
	if job.ProjectID != projectID {
		return pipeerrors.NewPreconditionError("analysis", job.ID, "project "+projectID, "project "+job.ProjectID)
	}
	if job.RunID != runID {
		return pipeerrors.NewPreconditionError("analysis", job.ID, "run "+runID, "run "+job.RunID)
	}
	return nil
}

// runAnalysis drives the job to a terminal state. The runner releases the
// ticket on every exit, so a retried attempt re-acquires it first; a job
// that is already terminal needs no ticket. A failure with a transient
// cause is returned as transient so the executor retries the step and
// dead-letters the run once the budget is spent.
func (w *Workflows) runAnalysis(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.AnalysisRequestedPayload](run)
	if err != nil {
		return err
	}
	job, err := w.store.GetJob(ctx, p.AnalysisID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if err := checkJob(job, p.ProjectID, run.ID); err != nil {
		return err
	}

	if !job.Status.Terminal() || job.Rerunnable() {
		if _, err := w.admission.Acquire(ctx, p.AnalysisID); err != nil {
			return err
		}
		if _, err := w.runner.Run(ctx, p.AnalysisID); err != nil {
			return err
		}
		if job, err = w.store.GetJob(ctx, p.AnalysisID); err != nil {
			return fmt.Errorf("load job: %w", err)
		}
	}

	if job.Status != domain.JobFailed {
		return nil
	}
	cause := fmt.Errorf("analysis %s failed: %s", job.ID, job.Error)
	if job.Retryable {
		return pipeerrors.Transient("ANALYSIS_UNAVAILABLE", cause)
	}
	return pipeerrors.Permanent("ANALYSIS_FAILED", cause)
}

func (w *Workflows) persistResult(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.AnalysisRequestedPayload](run)
	if err != nil {
		return err
	}
	job, err := w.store.GetJob(ctx, p.AnalysisID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != domain.JobCompleted {
		return pipeerrors.NewPreconditionError("analysis", job.ID, string(domain.JobCompleted), string(job.Status))
	}
	if job.AcknowledgedAt == nil {
		now := w.now().UTC()
		job.AcknowledgedAt = &now
		if job, err = w.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("acknowledge job: %w", err)
		}
	}
	return w.emit(ctx, domain.EventAnalysisCompleted, "analysis-completed:"+job.ID,
		domain.AnalysisCompletedPayload{AnalysisID: job.ID, ProjectID: job.ProjectID, ResultRef: job.ResultRef})
}

// releaseTicket frees any ticket still held under the analysis id. The
// runner normally released it already; a second release is a no-op.
func (w *Workflows) releaseTicket(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.AnalysisRequestedPayload](run)
	if err != nil {
		return err
	}
	released, err := w.admission.ReleaseByOwner(ctx, p.AnalysisID)
	if err != nil {
		return fmt.Errorf("release ticket: %w", err)
	}
	if released {
		w.logger.Info("released leftover ticket", "analysis_id", p.AnalysisID)
	}
	return nil
}

func (w *Workflows) releaseQuietly(ctx context.Context, owner string) {
	if _, err := w.admission.ReleaseByOwner(context.WithoutCancel(ctx), owner); err != nil {
		w.logger.Warn("release after failed enqueue", "analysis_id", owner, "error", err)
	}
}

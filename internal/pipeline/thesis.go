package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/executor"
)

// Step names of the thesis workflows.
const (
	StepValidatePreconditions = "validate-preconditions"
	StepCheckGate             = "check-gate"
	StepAdvancePhase          = "advance-phase"
	StepEnqueueGeneration     = "enqueue-generation"
	StepEnqueueCompile        = "enqueue-compile"
)

// ThesisPhase advances a project past an approved phase and requests
// generation of the next one.
func (w *Workflows) ThesisPhase() *executor.Definition {
	return w.definition(WorkflowThesisPhase, domain.EventPhaseApproved,
		prepare[domain.PhaseApprovedPayload](func(p *domain.PhaseApprovedPayload) string { return p.ProjectID }),
		executor.Step{Name: StepValidatePreconditions, Run: w.validatePhaseApproval},
		executor.Step{Name: StepCheckGate, Run: w.checkNextPhaseGate},
		executor.Step{Name: StepAdvancePhase, Run: w.advancePhase},
		executor.Step{Name: StepEnqueueGeneration, Run: w.enqueueGeneration},
	)
}

func (w *Workflows) validatePhaseApproval(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.PhaseApprovedPayload](run)
	if err != nil {
		return err
	}
	project, err := w.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if !project.Status.AllowsProgress() {
		return pipeerrors.NewPreconditionError("project", project.ID, "active, licensed or expired", string(project.Status))
	}
	// Already advanced past this phase by an earlier run.
	if project.CurrentPhase > p.Phase {
		return nil
	}
	if project.CurrentPhase != p.Phase {
		return pipeerrors.NewPreconditionError("project", project.ID,
			"current phase "+strconv.Itoa(p.Phase), strconv.Itoa(project.CurrentPhase))
	}
	phase, err := w.store.GetPhase(ctx, p.ProjectID, p.Phase)
	if err != nil {
		return fmt.Errorf("load phase: %w", err)
	}
	if !phase.Status.AwaitsApproval() {
		return pipeerrors.NewPreconditionError("phase", phase.Key(), "review or approved", string(phase.Status))
	}
	return nil
}

func (w *Workflows) checkNextPhaseGate(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.PhaseApprovedPayload](run)
	if err != nil {
		return err
	}
	decision, err := w.gate.Check(ctx, p.ProjectID, p.Phase+1)
	if err != nil {
		return err
	}
	return decision.Err()
}

func (w *Workflows) advancePhase(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.PhaseApprovedPayload](run)
	if err != nil {
		return err
	}

	phase, err := w.store.GetPhase(ctx, p.ProjectID, p.Phase)
	if err != nil {
		return fmt.Errorf("load phase: %w", err)
	}
	if phase.Status != domain.PhaseApproved {
		phase.Status = domain.PhaseApproved
		if _, err := w.store.UpdatePhase(ctx, phase); err != nil {
			return fmt.Errorf("approve phase %s: %w", phase.Key(), err)
		}
	}

	project, err := w.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if project.CurrentPhase == p.Phase {
		project.CurrentPhase = p.Phase + 1
		if _, err := w.store.UpdateProject(ctx, project); err != nil {
			return fmt.Errorf("advance project %s: %w", project.ID, err)
		}
		w.logger.Info("project advanced", "project_id", project.ID, "phase", project.CurrentPhase)
	}

	if _, err := w.store.CreatePhase(ctx, domain.Phase{
		ProjectID: p.ProjectID,
		Ordinal:   p.Phase + 1,
		Status:    domain.PhaseDraft,
	}); err != nil {
		return fmt.Errorf("create phase %s: %w", domain.PhaseKey(p.ProjectID, p.Phase+1), err)
	}
	return nil
}

func (w *Workflows) enqueueGeneration(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.PhaseApprovedPayload](run)
	if err != nil {
		return err
	}
	next, err := w.store.GetPhase(ctx, p.ProjectID, p.Phase+1)
	if err != nil {
		return fmt.Errorf("load next phase: %w", err)
	}
	if next.Status == domain.PhaseDraft {
		next.Status = domain.PhaseGenerating
		if _, err := w.store.UpdatePhase(ctx, next); err != nil {
			return fmt.Errorf("mark %s generating: %w", next.Key(), err)
		}
	}
	return w.emit(ctx, domain.EventGenerationRequested, "generation:"+next.Key(),
		domain.GenerationRequestedPayload{ProjectID: p.ProjectID, Phase: next.Ordinal})
}

// ThesisCompile checks a compile request and hands it to the builder.
func (w *Workflows) ThesisCompile() *executor.Definition {
	return w.definition(WorkflowThesisCompile, domain.EventCompileRequested,
		prepare[domain.CompileRequestedPayload](func(p *domain.CompileRequestedPayload) string { return p.ProjectID }),
		executor.Step{Name: StepValidatePreconditions, Run: w.validateCompile},
		executor.Step{Name: StepEnqueueCompile, Run: w.enqueueCompile},
	)
}

func (w *Workflows) validateCompile(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.CompileRequestedPayload](run)
	if err != nil {
		return err
	}
	project, err := w.store.GetProject(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if project.Status == domain.ProjectDraft {
		return pipeerrors.NewPreconditionError("project", project.ID, "not draft", string(project.Status))
	}
	phase, err := w.store.GetPhase(ctx, p.ProjectID, p.Phase)
	if err != nil {
		return fmt.Errorf("load phase: %w", err)
	}
	if phase.Status == domain.PhaseDraft {
		return pipeerrors.NewPreconditionError("phase", phase.Key(), "generated content", string(phase.Status))
	}
	decision, err := w.gate.CheckProject(ctx, &project, p.Phase)
	if err != nil {
		return err
	}
	return decision.Err()
}

func (w *Workflows) enqueueCompile(ctx context.Context, run *domain.WorkflowRun) error {
	p, err := payload[domain.CompileRequestedPayload](run)
	if err != nil {
		return err
	}
	return w.emit(ctx, domain.EventCompileEnqueued, "compile:"+run.ID,
		domain.CompileEnqueuedPayload{ProjectID: p.ProjectID, Phase: p.Phase, RunID: run.ID})
}

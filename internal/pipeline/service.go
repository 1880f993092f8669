package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
	"github.com/ahrav/go-phaseflow/internal/gate"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

// Dispatcher turns an inbound event into a workflow run.
type Dispatcher interface {
	Dispatch(ctx context.Context, env events.Envelope) (domain.WorkflowRun, bool, error)
}

// Service holds the user-facing commands that record a decision and emit
// the event that drives the matching workflow.
type Service struct {
	store      Store
	gate       *gate.Checker
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, dispatcher Dispatcher) *Service {
	return &Service{
		store:      store,
		gate:       gate.NewChecker(store),
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "pipeline-service"),
	}
}

// ApprovePhase approves a phase in review and dispatches the phase-approved
// event. The gate for the following phase is checked first, so a project
// without a licence gets ErrLicenceRequired and nothing is written.
// Approving an already approved phase re-dispatches the same event, which
// the dispatcher deduplicates.
func (s *Service) ApprovePhase(ctx context.Context, projectID string, ordinal int) (domain.WorkflowRun, error) {
	phase, err := s.store.GetPhase(ctx, projectID, ordinal)
	if err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("load phase: %w", err)
	}
	if !phase.Status.AwaitsApproval() {
		return domain.WorkflowRun{}, pipeerrors.NewPreconditionError("phase", phase.Key(), "review", string(phase.Status))
	}
	decision, err := s.gate.Check(ctx, projectID, ordinal+1)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if err := decision.Err(); err != nil {
		return domain.WorkflowRun{}, err
	}

	if phase.Status != domain.PhaseApproved {
		phase.Status = domain.PhaseApproved
		if _, err := s.store.UpdatePhase(ctx, phase); err != nil {
			return domain.WorkflowRun{}, fmt.Errorf("approve phase %s: %w", phase.Key(), err)
		}
	}

	env, err := events.New(string(domain.EventPhaseApproved), "api",
		domain.PhaseApprovedPayload{ProjectID: projectID, Phase: ordinal})
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	env.ID = "phase-approved:" + phase.Key()
	run, _, err := s.dispatcher.Dispatch(ctx, env)
	return run, err
}

// RequestCompile dispatches a compile request. requestID deduplicates
// client retries; an empty one makes every call a new request.
func (s *Service) RequestCompile(ctx context.Context, projectID string, ordinal int, requestID string) (domain.WorkflowRun, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	env, err := events.New(string(domain.EventCompileRequested), "api",
		domain.CompileRequestedPayload{ProjectID: projectID, Phase: ordinal})
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	env.ID = "compile:" + requestID
	run, _, err := s.dispatcher.Dispatch(ctx, env)
	return run, err
}

// RequestAnalysis dispatches an analysis run. The analysis id is both the
// job id and the event id, so a repeated request maps to the same run.
func (s *Service) RequestAnalysis(ctx context.Context, projectID, analysisID string) (domain.WorkflowRun, error) {
	if analysisID == "" {
		analysisID = uuid.NewString()
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("load project: %w", err)
	}
	env, err := events.New(string(domain.EventAnalysisRequested), "api",
		domain.AnalysisRequestedPayload{AnalysisID: analysisID, ProjectID: projectID})
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	env.ID = "analysis:" + analysisID
	run, _, err := s.dispatcher.Dispatch(ctx, env)
	return run, err
}

// AttachLicence binds an active licence to a project of the same owner and
// marks the project licensed. Re-attaching to the same project is a no-op.
func (s *Service) AttachLicence(ctx context.Context, licenceID, projectID string) (domain.Licence, error) {
	licence, err := s.store.GetLicence(ctx, licenceID)
	if err != nil {
		return domain.Licence{}, fmt.Errorf("load licence: %w", err)
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return domain.Licence{}, fmt.Errorf("load project: %w", err)
	}
	switch {
	case licence.Status != domain.LicenceActive:
		return domain.Licence{}, pipeerrors.NewPreconditionError("licence", licence.ID, string(domain.LicenceActive), string(licence.Status))
	case licence.OwnerID != project.OwnerID:
		return domain.Licence{}, pipeerrors.NewPreconditionError("licence", licence.ID, "owner "+project.OwnerID, "owner "+licence.OwnerID)
	case licence.ProjectID != "" && licence.ProjectID != projectID:
		return domain.Licence{}, pipeerrors.NewPreconditionError("licence", licence.ID, "unattached", "attached to "+licence.ProjectID)
	}

	if licence.ProjectID != projectID {
		licence.ProjectID = projectID
		if licence, err = s.store.UpdateLicence(ctx, licence); err != nil {
			return domain.Licence{}, fmt.Errorf("attach licence: %w", err)
		}
	}
	if project.Status != domain.ProjectLicensed && project.Status.CanTransition(domain.ProjectLicensed) {
		project.Status = domain.ProjectLicensed
		if _, err := s.store.UpdateProject(ctx, project); err != nil {
			return domain.Licence{}, fmt.Errorf("mark project licensed: %w", err)
		}
	}
	s.logger.Info("licence attached", "licence_id", licence.ID, "project_id", projectID)
	return licence, nil
}

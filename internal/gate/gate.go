// Package gate decides whether a project may advance to a target phase.
//
// The decision is a pure function of the project and its licence so the
// HTTP advance handler and the workflow steps that enqueue work cannot drift
// apart: both call CanAdvance, either directly or through a Checker that
// loads the licence first.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahrav/go-phaseflow/internal/domain"
	pipeerrors "github.com/ahrav/go-phaseflow/internal/errors"
)

// FreePhases is the number of leading phases that never need a licence.
const FreePhases = 2

// Decision is the gate outcome for one (project, target phase) pair.
type Decision string

const (
	Allowed         Decision = "allowed"
	RequiresLicence Decision = "requires_licence"
)

// CanAdvance decides whether project may advance to target.
//
// Phases 0 and 1 are always allowed. Later phases need a licence attached to
// the project with status active. Only the recorded status is consulted;
// expires_at is the licence-expiry sweeper's concern, so a licence past its
// expiry but not yet swept still passes.
func CanAdvance(project *domain.Project, licence *domain.Licence, target int) Decision {
	if target < FreePhases {
		return Allowed
	}
	if project == nil || licence == nil {
		return RequiresLicence
	}
	if licence.AttachedTo(project.ID) && licence.Status == domain.LicenceActive {
		return Allowed
	}
	return RequiresLicence
}

// Err converts a decision into an error for step code.
func (d Decision) Err() error {
	if d == Allowed {
		return nil
	}
	return pipeerrors.ErrLicenceRequired
}

// Reader is the persistence needed by Checker.
type Reader interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	GetLicenceForProject(ctx context.Context, projectID string) (domain.Licence, error)
}

// Checker loads the project and licence and applies CanAdvance.
type Checker struct {
	store Reader
}

// NewChecker creates a Checker over store.
func NewChecker(store Reader) *Checker {
	return &Checker{store: store}
}

// Check returns the gate decision for projectID advancing to target.
func (c *Checker) Check(ctx context.Context, projectID string, target int) (Decision, error) {
	project, err := c.store.GetProject(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("load project %s: %w", projectID, err)
	}
	return c.CheckProject(ctx, &project, target)
}

// CheckProject is Check for an already-loaded project.
func (c *Checker) CheckProject(ctx context.Context, project *domain.Project, target int) (Decision, error) {
	if target < FreePhases {
		return Allowed, nil
	}
	licence, err := c.store.GetLicenceForProject(ctx, project.ID)
	switch {
	case errors.Is(err, pipeerrors.ErrNotFound):
		return CanAdvance(project, nil, target), nil
	case err != nil:
		return "", fmt.Errorf("load licence for project %s: %w", project.ID, err)
	}
	return CanAdvance(project, &licence, target), nil
}

package domain

import (
	"strconv"
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectDraft     ProjectStatus = "draft"
	ProjectActive    ProjectStatus = "active"
	ProjectLicensed  ProjectStatus = "licensed"
	ProjectCompleted ProjectStatus = "completed"
	ProjectExpired   ProjectStatus = "expired"
)

// projectRank orders the monotonic part of the project lifecycle.
var projectRank = map[ProjectStatus]int{
	ProjectDraft:     0,
	ProjectActive:    1,
	ProjectLicensed:  2,
	ProjectCompleted: 3,
}

// CanTransition reports whether a project may move from s to next.
// Transitions are monotonic except attaching a licence to an active or
// expired project and expiring a licensed one.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	if s == next {
		return true
	}
	switch {
	case next == ProjectLicensed && (s == ProjectActive || s == ProjectExpired):
		return true
	case next == ProjectExpired:
		return s == ProjectLicensed
	case s == ProjectExpired:
		return next == ProjectCompleted
	}
	from, okFrom := projectRank[s]
	to, okTo := projectRank[next]
	return okFrom && okTo && to > from
}

// AllowsProgress reports whether workflows may move the project forward.
func (s ProjectStatus) AllowsProgress() bool {
	return s == ProjectActive || s == ProjectLicensed || s == ProjectExpired
}

// Project is one document-production effort owned by a user.
type Project struct {
	ID           string        `json:"id" validate:"required"`
	OwnerID      string        `json:"owner_id" validate:"required"`
	CurrentPhase int           `json:"current_phase" validate:"min=0"`
	Status       ProjectStatus `json:"status" validate:"required,oneof=draft active licensed completed expired"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Version      int64         `json:"version"`
}

// Validate checks the project fields.
func (p *Project) Validate() error { return validate.Struct(p) }

// PhaseStatus is the lifecycle state of a single phase.
type PhaseStatus string

const (
	PhaseDraft      PhaseStatus = "draft"
	PhaseGenerating PhaseStatus = "generating"
	PhaseReview     PhaseStatus = "review"
	PhaseApproved   PhaseStatus = "approved"
)

// Phase is one ordinal stage of a project's pipeline.
type Phase struct {
	ProjectID string      `json:"project_id" validate:"required"`
	Ordinal   int         `json:"ordinal" validate:"min=0"`
	Status    PhaseStatus `json:"status" validate:"required,oneof=draft generating review approved"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Version   int64       `json:"version"`
}

// Key returns the composite identity used in logs and errors.
func (p Phase) Key() string {
	return PhaseKey(p.ProjectID, p.Ordinal)
}

// PhaseKey formats a project/phase pair.
func PhaseKey(projectID string, ordinal int) string {
	return projectID + "/" + strconv.Itoa(ordinal)
}

// AwaitsApproval reports whether the phase is ready to be approved or
// already has been.
func (s PhaseStatus) AwaitsApproval() bool {
	return s == PhaseReview || s == PhaseApproved
}

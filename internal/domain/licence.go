package domain

import "time"

// LicenceStatus is the state of a time-bounded authorization.
type LicenceStatus string

const (
	LicenceActive  LicenceStatus = "active"
	LicenceExpired LicenceStatus = "expired"
	LicenceRevoked LicenceStatus = "revoked"
)

// Terminal reports whether the licence can never become active again
// without re-issuance.
func (s LicenceStatus) Terminal() bool {
	return s == LicenceExpired || s == LicenceRevoked
}

// Licence authorizes a project to progress past the early phases.
type Licence struct {
	ID        string        `json:"id" validate:"required"`
	OwnerID   string        `json:"owner_id" validate:"required"`
	ProjectID string        `json:"project_id,omitempty"`
	Status    LicenceStatus `json:"status" validate:"required,oneof=active expired revoked"`
	ExpiresAt time.Time     `json:"expires_at" validate:"required"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Version   int64         `json:"version"`
}

// Validate checks the licence fields.
func (l *Licence) Validate() error { return validate.Struct(l) }

// AttachedTo reports whether the licence is attached to the project.
func (l *Licence) AttachedTo(projectID string) bool {
	return l != nil && projectID != "" && l.ProjectID == projectID
}

// ExpiredAt reports whether an active licence is past its expiry at now.
func (l *Licence) ExpiredAt(now time.Time) bool {
	return l.Status == LicenceActive && l.ExpiresAt.Before(now)
}

package domain

import "time"

// AccountStatus is the lifecycle state of a user account.
type AccountStatus string

const (
	AccountActive          AccountStatus = "active"
	AccountPendingDeletion AccountStatus = "pending_deletion"
	AccountDeleted         AccountStatus = "deleted"
)

// Account owns projects and licences. Deletion is requested by the user and
// finalised by a sweeper once the grace period has elapsed.
type Account struct {
	ID                  string        `json:"id" validate:"required"`
	Email               string        `json:"email" validate:"required"`
	Status              AccountStatus `json:"status" validate:"required,oneof=active pending_deletion deleted"`
	DeletionRequestedAt *time.Time    `json:"deletion_requested_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	Version             int64         `json:"version"`
}

// Validate checks the account fields.
func (a *Account) Validate() error { return validate.Struct(a) }

// AnonymisedEmail is the placeholder written over a deleted account's email.
func AnonymisedEmail(accountID string) string {
	return "deleted+" + accountID + "@invalid"
}

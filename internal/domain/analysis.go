package domain

import "time"

// JobStatus is the state of an analysis job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AnalysisJob is one statistical-analysis run against the compute engine.
// While queued or running it owns exactly one semaphore ticket, whose owner
// id is the job id. RunID names the workflow run that created the job; no
// other run may drive it. Retryable marks a failure whose cause was
// transient, such as an engine 5xx or a timeout.
type AnalysisJob struct {
	ID             string     `json:"id" validate:"required"`
	ProjectID      string     `json:"project_id" validate:"required"`
	RunID          string     `json:"run_id,omitempty"`
	Status         JobStatus  `json:"status" validate:"required,oneof=queued running completed failed"`
	Retryable      bool       `json:"retryable,omitempty"`
	ResultRef      string     `json:"result_ref,omitempty"`
	Error          string     `json:"error,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int64      `json:"version"`
}

// Rerunnable reports whether a failed job may be sent to the engine again.
func (j *AnalysisJob) Rerunnable() bool {
	return j.Status == JobFailed && j.Retryable
}

// Validate checks the job fields.
func (j *AnalysisJob) Validate() error { return validate.Struct(j) }

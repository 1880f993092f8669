package domain

import (
	"encoding/json"
	"time"
)

// RunStatus is the overall state of a workflow run.
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunRunning      RunStatus = "running"
	RunSucceeded    RunStatus = "succeeded"
	RunFailed       RunStatus = "failed"
	RunDeadLettered RunStatus = "dead-lettered"
)

// Terminal reports whether the run will not execute again without an
// operator redrive.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunDeadLettered
}

// ParseRunStatus validates a status string from an operator surface.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch st := RunStatus(s); st {
	case RunPending, RunRunning, RunSucceeded, RunFailed, RunDeadLettered:
		return st, true
	}
	return "", false
}

// CheckpointStatus is the state of one step within a run.
type CheckpointStatus string

const (
	CheckpointPending CheckpointStatus = "pending"
	CheckpointDone    CheckpointStatus = "done"
	CheckpointFailed  CheckpointStatus = "failed"
)

// StepCheckpoint records progress of one named step.
type StepCheckpoint struct {
	Name        string           `json:"name"`
	Status      CheckpointStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	Error       string           `json:"error,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// WorkflowRun is one execution of a workflow triggered by one event.
type WorkflowRun struct {
	ID          string           `json:"id"`
	EventID     string           `json:"event_id"`
	EventName   string           `json:"event_name"`
	Workflow    string           `json:"workflow"`
	SubjectID   string           `json:"subject_id"`
	Payload     json.RawMessage  `json:"payload"`
	Steps       []StepCheckpoint `json:"steps"`
	RetryCount  int              `json:"retry_count"`
	Deferrals   int              `json:"deferrals"`
	Status      RunStatus        `json:"status"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	HeartbeatAt time.Time        `json:"heartbeat_at"`
	Version     int64            `json:"version"`
}

// Checkpoint returns the checkpoint for a step name.
func (r *WorkflowRun) Checkpoint(name string) (*StepCheckpoint, bool) {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i], true
		}
	}
	return nil, false
}

// NextPending returns the index of the first checkpoint that is not done,
// or -1 if every step is done.
func (r *WorkflowRun) NextPending() int {
	for i := range r.Steps {
		if r.Steps[i].Status != CheckpointDone {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate checkpoints safely.
func (r WorkflowRun) Clone() WorkflowRun {
	out := r
	out.Steps = make([]StepCheckpoint, len(r.Steps))
	copy(out.Steps, r.Steps)
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return out
}

package domain

// EventName identifies a domain event for routing to exactly one workflow.
type EventName string

// Inbound events that trigger workflows.
const (
	// EventPhaseApproved is emitted when a reviewer approves a phase.
	EventPhaseApproved EventName = "thesis/phase.approved"

	// EventCompileRequested is emitted when a user asks for a document build.
	EventCompileRequested EventName = "thesis/compile.requested"

	// EventAnalysisRequested is emitted when a user asks for a statistical analysis.
	EventAnalysisRequested EventName = "analysis/run.requested"
)

// Outbound notifications emitted by workflow steps for downstream consumers.
const (
	EventGenerationRequested EventName = "thesis/phase.generation.requested"
	EventCompileEnqueued     EventName = "thesis/compile.enqueued"
	EventAnalysisCompleted   EventName = "analysis/run.completed"
	EventRunDeadLettered     EventName = "workflow/run.dead_lettered"
	EventRunFailed           EventName = "workflow/run.failed"
	EventSweepCompleted      EventName = "maintenance/sweep.completed"
)

// PhaseApprovedPayload is the data of EventPhaseApproved.
type PhaseApprovedPayload struct {
	ProjectID string `json:"project_id" validate:"required"`
	Phase     int    `json:"phase" validate:"min=0"`
}

// Validate checks the payload.
func (p *PhaseApprovedPayload) Validate() error { return validate.Struct(p) }

// CompileRequestedPayload is the data of EventCompileRequested.
type CompileRequestedPayload struct {
	ProjectID string `json:"project_id" validate:"required"`
	Phase     int    `json:"phase" validate:"min=0"`
}

// Validate checks the payload.
func (p *CompileRequestedPayload) Validate() error { return validate.Struct(p) }

// AnalysisRequestedPayload is the data of EventAnalysisRequested.
type AnalysisRequestedPayload struct {
	AnalysisID string `json:"analysis_id" validate:"required"`
	ProjectID  string `json:"project_id" validate:"required"`
}

// Validate checks the payload.
func (p *AnalysisRequestedPayload) Validate() error { return validate.Struct(p) }

// GenerationRequestedPayload is the data of EventGenerationRequested.
type GenerationRequestedPayload struct {
	ProjectID string `json:"project_id"`
	Phase     int    `json:"phase"`
}

// CompileEnqueuedPayload is the data of EventCompileEnqueued.
type CompileEnqueuedPayload struct {
	ProjectID string `json:"project_id"`
	Phase     int    `json:"phase"`
	RunID     string `json:"run_id"`
}

// AnalysisCompletedPayload is the data of EventAnalysisCompleted.
type AnalysisCompletedPayload struct {
	AnalysisID string `json:"analysis_id"`
	ProjectID  string `json:"project_id"`
	ResultRef  string `json:"result_ref"`
}

// RunTerminalPayload is the data of EventRunDeadLettered and EventRunFailed.
type RunTerminalPayload struct {
	RunID      string    `json:"run_id"`
	Workflow   string    `json:"workflow"`
	EventName  string    `json:"event_name"`
	Status     RunStatus `json:"status"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
}

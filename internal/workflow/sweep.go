package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-phaseflow/internal/activity"
	"github.com/ahrav/go-phaseflow/internal/domain"
)

// DefaultSweepTimeout bounds one sweep activity when SweepInput.Timeout is
// zero.
const DefaultSweepTimeout = 10 * time.Minute

// SweepInput starts a SweepWorkflow.
type SweepInput struct {
	Name    string        `json:"name"`
	Timeout time.Duration `json:"timeout"`
}

// SweepWorkflow runs one sweep pass. It is started with a cron schedule, so
// each firing is a fresh execution.
func SweepWorkflow(ctx workflow.Context, in SweepInput) (domain.SweepResult, error) {
	if in.Name == "" {
		return domain.SweepResult{}, temporal.NewNonRetryableApplicationError(
			"sweep name is required", activity.ErrTypeInvalidInput, nil)
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    DefaultHeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: activity.NonRetryableTypes(),
		},
	})

	var acts *activity.Activities
	var res domain.SweepResult
	if err := workflow.ExecuteActivity(ctx, acts.Sweep, activity.SweepInput{Name: in.Name}).Get(ctx, &res); err != nil {
		return domain.SweepResult{}, err
	}
	workflow.GetLogger(ctx).Info("sweep pass done",
		"sweep", res.Name, "scanned", res.Scanned, "affected", res.Affected, "failed", res.Failed)
	return res, nil
}

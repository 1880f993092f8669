package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-phaseflow/internal/activity"
	"github.com/ahrav/go-phaseflow/internal/executor"
)

// QueryProgress is the query type that returns a RunResult snapshot.
const QueryProgress = "progress"

// Defaults for RunInput fields left zero.
const (
	DefaultActivityTimeout    = 15 * time.Minute
	DefaultHeartbeatTimeout   = time.Minute
	DefaultDeferDelay         = 5 * time.Second
	DefaultMaxDeferDelay      = 5 * time.Minute
	DefaultMaxDeferrals       = 100
	DefaultContinueAsNewAfter = 50
)

// DeferPolicy controls how a run deferred by backpressure is retried.
type DeferPolicy struct {
	// Delay before the first retry; it doubles with each deferral.
	Delay    time.Duration `json:"delay"`
	MaxDelay time.Duration `json:"max_delay"`
	// MaxDeferrals ends the workflow with the run still pending. The
	// stale-run sweeper relaunches it later.
	MaxDeferrals int `json:"max_deferrals"`
	// ContinueAsNewAfter bounds history: after this many activity calls the
	// workflow continues as new with its counters carried over.
	ContinueAsNewAfter int `json:"continue_as_new_after"`
}

// RunInput starts a RunWorkflow.
type RunInput struct {
	RunID            string        `json:"run_id"`
	Defer            DeferPolicy   `json:"defer"`
	ActivityTimeout  time.Duration `json:"activity_timeout"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	// Deferrals already spent by earlier incarnations of this workflow.
	Deferrals int `json:"deferrals"`
}

// RunResult is the workflow's result and its progress query answer.
type RunResult struct {
	RunID      string           `json:"run_id"`
	Outcome    executor.Outcome `json:"outcome,omitempty"`
	Deferrals  int              `json:"deferrals"`
	Superseded bool             `json:"superseded,omitempty"`
}

func (in RunInput) withDefaults() RunInput {
	if in.ActivityTimeout <= 0 {
		in.ActivityTimeout = DefaultActivityTimeout
	}
	if in.HeartbeatTimeout <= 0 {
		in.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if in.Defer.Delay <= 0 {
		in.Defer.Delay = DefaultDeferDelay
	}
	if in.Defer.MaxDelay < in.Defer.Delay {
		in.Defer.MaxDelay = max(DefaultMaxDeferDelay, in.Defer.Delay)
	}
	if in.Defer.MaxDeferrals <= 0 {
		in.Defer.MaxDeferrals = DefaultMaxDeferrals
	}
	if in.Defer.ContinueAsNewAfter <= 0 {
		in.Defer.ContinueAsNewAfter = DefaultContinueAsNewAfter
	}
	return in
}

// delay returns the wait before the attempt following the n-th deferral.
func (p DeferPolicy) delay(n int) time.Duration {
	shift := min(max(n-1, 0), 10)
	d := p.Delay << shift
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// RunWorkflow executes one run to an outcome, sleeping durably between
// attempts the executor deferred.
func RunWorkflow(ctx workflow.Context, in RunInput) (RunResult, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "run.v", workflow.DefaultVersion, currentVersion)

	if in.RunID == "" {
		return RunResult{}, temporal.NewNonRetryableApplicationError(
			"run id is required", activity.ErrTypeInvalidInput, nil)
	}
	in = in.withDefaults()
	logger := workflow.GetLogger(ctx)

	progress := RunResult{RunID: in.RunID, Deferrals: in.Deferrals}
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (RunResult, error) {
		return progress, nil
	}); err != nil {
		return progress, fmt.Errorf("register query handler: %w", err)
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.ActivityTimeout,
		HeartbeatTimeout:    in.HeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: activity.NonRetryableTypes(),
		},
	})

	var acts *activity.Activities
	for calls := 1; ; calls++ {
		var out activity.ExecuteRunOutput
		err := workflow.ExecuteActivity(ctx, acts.ExecuteRun, activity.ExecuteRunInput{RunID: in.RunID}).Get(ctx, &out)
		if err != nil {
			logger.Error("run execution failed", "run_id", in.RunID, "error", err)
			return progress, err
		}
		progress.Outcome = out.Outcome
		progress.Superseded = out.Superseded
		if out.Superseded || out.Outcome != executor.OutcomeDeferred {
			logger.Info("run finished", "run_id", in.RunID, "outcome", out.Outcome, "superseded", out.Superseded)
			return progress, nil
		}

		progress.Deferrals++
		if progress.Deferrals >= in.Defer.MaxDeferrals {
			logger.Warn("deferral limit reached, run left pending", "run_id", in.RunID, "deferrals", progress.Deferrals)
			return progress, nil
		}
		if err := workflow.Sleep(ctx, in.Defer.delay(progress.Deferrals)); err != nil {
			return progress, err
		}
		if calls >= in.Defer.ContinueAsNewAfter {
			next := in
			next.Deferrals = progress.Deferrals
			return progress, workflow.NewContinueAsNewError(ctx, RunWorkflow, next)
		}
	}
}

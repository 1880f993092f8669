package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-phaseflow/internal/activity"
	"github.com/ahrav/go-phaseflow/internal/sweep"
	"github.com/ahrav/go-phaseflow/internal/workflow"
)

// Config holds the Temporal connection and workflow settings.
type Config struct {
	HostPort         string        `json:"host_port" mapstructure:"host_port" yaml:"host_port" validate:"required"`
	Namespace        string        `json:"namespace" mapstructure:"namespace" yaml:"namespace" validate:"required"`
	TaskQueue        string        `json:"task_queue" mapstructure:"task_queue" yaml:"task_queue" validate:"required"`
	ActivityTimeout  time.Duration `json:"activity_timeout" mapstructure:"activity_timeout" yaml:"activity_timeout" validate:"min=0"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout" validate:"min=0"`
	// HeartbeatInterval is how often activities heartbeat; keep it well
	// under HeartbeatTimeout.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" validate:"min=0"`
	DeferDelay        time.Duration `json:"defer_delay" mapstructure:"defer_delay" yaml:"defer_delay" validate:"min=0"`
	MaxDeferDelay     time.Duration `json:"max_defer_delay" mapstructure:"max_defer_delay" yaml:"max_defer_delay" validate:"min=0"`
	MaxDeferrals      int           `json:"max_deferrals" mapstructure:"max_deferrals" yaml:"max_deferrals" validate:"min=0"`
}

// DefaultConfig returns settings for a local Temporal dev server.
func DefaultConfig() Config {
	return Config{
		HostPort:          client.DefaultHostPort,
		Namespace:         client.DefaultNamespace,
		TaskQueue:         "phaseflow",
		ActivityTimeout:   workflow.DefaultActivityTimeout,
		HeartbeatTimeout:  workflow.DefaultHeartbeatTimeout,
		HeartbeatInterval: 15 * time.Second,
		DeferDelay:        workflow.DefaultDeferDelay,
		MaxDeferDelay:     workflow.DefaultMaxDeferDelay,
		MaxDeferrals:      workflow.DefaultMaxDeferrals,
	}
}

// Dial connects to Temporal, logging through logger.
func Dial(cfg Config, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(logger.With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// New creates a worker on cfg.TaskQueue with every workflow and activity
// registered.
func New(c client.Client, cfg Config, acts *activity.Activities) sdkworker.Worker {
	w := sdkworker.New(c, cfg.TaskQueue, sdkworker.Options{})
	RegisterAll(w, acts)
	return w
}

// RunWorkflowID is the Temporal workflow id that owns a run.
func RunWorkflowID(runID string) string { return "run-" + runID }

// SweepWorkflowID is the Temporal workflow id of a sweep's cron workflow.
func SweepWorkflowID(name string) string { return "sweep-" + name }

// Launcher starts a RunWorkflow per run. It satisfies dispatch.Launcher.
type Launcher struct {
	client client.Client
	cfg    Config
	logger *slog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(c client.Client, cfg Config) *Launcher {
	return &Launcher{client: c, cfg: cfg, logger: slog.Default().With("component", "temporal-launcher")}
}

// Launch starts the workflow owning runID. If that workflow is already
// running the call attaches to it; a finished one is started again.
func (l *Launcher) Launch(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	opts := client.StartWorkflowOptions{
		ID:                       RunWorkflowID(runID),
		TaskQueue:                l.cfg.TaskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	if _, err := l.client.ExecuteWorkflow(ctx, opts, workflow.RunWorkflow, l.runInput(runID)); err != nil {
		return fmt.Errorf("start workflow for run %s: %w", runID, err)
	}
	l.logger.Debug("run workflow started", "run_id", runID, "workflow_id", opts.ID)
	return nil
}

func (l *Launcher) runInput(runID string) workflow.RunInput {
	return workflow.RunInput{
		RunID:            runID,
		ActivityTimeout:  l.cfg.ActivityTimeout,
		HeartbeatTimeout: l.cfg.HeartbeatTimeout,
		Defer: workflow.DeferPolicy{
			Delay:        l.cfg.DeferDelay,
			MaxDelay:     l.cfg.MaxDeferDelay,
			MaxDeferrals: l.cfg.MaxDeferrals,
		},
	}
}

// StartSweeps starts one cron SweepWorkflow per scheduled sweep. Sweeps
// missing from schedules use sweep.DefaultSchedules; an empty expression
// skips the sweep. A cron workflow that already exists is left as is.
func StartSweeps(ctx context.Context, c client.Client, cfg Config, schedules map[string]string, budget time.Duration) error {
	if err := sweep.ValidateSchedules(schedules); err != nil {
		return err
	}
	defaults := sweep.DefaultSchedules()
	for _, name := range sweep.Names() {
		spec, ok := schedules[name]
		if !ok {
			spec = defaults[name]
		}
		if spec == "" {
			continue
		}
		opts := client.StartWorkflowOptions{
			ID:                       SweepWorkflowID(name),
			TaskQueue:                cfg.TaskQueue,
			CronSchedule:             spec,
			WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		}
		// The activity timeout leaves room past the pass's own budget for
		// recording its result.
		in := workflow.SweepInput{Name: name, Timeout: budget + time.Minute}
		if _, err := c.ExecuteWorkflow(ctx, opts, workflow.SweepWorkflow, in); err != nil {
			return fmt.Errorf("start %s cron workflow: %w", name, err)
		}
	}
	return nil
}

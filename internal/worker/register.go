// Package worker wires the Temporal worker, the launcher that starts run
// workflows, and the cron workflows that drive the sweepers.
package worker

import (
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-phaseflow/internal/activity"
	"github.com/ahrav/go-phaseflow/internal/workflow"
)

// RegisterAll registers every workflow and activity with w. Call it once,
// before w.Start.
func RegisterAll(w sdkworker.Worker, acts *activity.Activities) {
	w.RegisterWorkflow(workflow.RunWorkflow)
	w.RegisterWorkflow(workflow.SweepWorkflow)

	w.RegisterActivity(acts.ExecuteRun)
	w.RegisterActivity(acts.Sweep)
}

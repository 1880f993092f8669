// Package workflow defines the Temporal workflows that give runs and sweeps
// durable execution.
//
// RunWorkflow owns one persisted run (workflow id "run-<run id>") and calls
// the ExecuteRun activity until the run reaches an outcome. A run deferred
// by admission backpressure is retried after a durable sleep, so a worker
// restart loses neither the run nor its place in the backoff. SweepWorkflow
// runs a single sweep pass and is started with a cron schedule.
//
// Workflow code must stay deterministic: time, randomness and I/O belong in
// activities.
package workflow

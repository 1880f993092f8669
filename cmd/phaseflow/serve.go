package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-phaseflow/internal/activity"
	"github.com/ahrav/go-phaseflow/internal/config"
	"github.com/ahrav/go-phaseflow/internal/gate"
	"github.com/ahrav/go-phaseflow/internal/server"
	"github.com/ahrav/go-phaseflow/internal/sweep"
	"github.com/ahrav/go-phaseflow/internal/worker"
	base "github.com/ahrav/go-phaseflow/pkg/activity"
)

func serveCmd() *cobra.Command {
	var noSweeps bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and launch runs",
		Long: `Serve the HTTP API. With the local launcher, runs execute in this
process and the sweeps run on an in-process cron scheduler. With the
temporal launcher, runs are started as Temporal workflows and the sweeps
belong to the worker.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), launchConfigured, func(ctx context.Context, a *app) error {
				if a.cfg.Launcher == config.LauncherLocal && !noSweeps {
					sched, err := sweep.NewScheduler(a.sweeper, a.cfg.Schedules)
					if err != nil {
						return err
					}
					sched.Start()
					defer func() {
						stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
						defer cancel()
						if err := sched.Stop(stopCtx); err != nil {
							a.logger.Warn("sweep scheduler did not stop cleanly", "error", err)
						}
					}()
				}

				srv := server.New(server.Deps{
					Dispatcher: a.dispatcher,
					Runs:       a.store,
					Commands:   a.service,
					Semaphore:  a.semaphore,
					Gate:       gate.NewChecker(a.store),
					Engine:     a.engine,
				})
				return srv.Run(ctx, a.cfg.Server)
			})
		},
	}
	cmd.Flags().BoolVar(&noSweeps, "no-sweeps", false, "do not schedule sweeps in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	var noSweeps bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker",
		Long: `Run a Temporal worker that executes run and sweep workflows. Unless
--no-sweeps is set, the sweep cron workflows are started first; ones that
already exist are left alone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), launchConfigured, func(ctx context.Context, a *app) error {
				if a.cfg.Launcher != config.LauncherTemporal {
					return fmt.Errorf("worker needs launcher %q, config has %q", config.LauncherTemporal, a.cfg.Launcher)
				}
				c, err := a.dialTemporal()
				if err != nil {
					return err
				}
				acts := activity.NewActivities(base.NewBaseActivities(a.sink), a.dispatcher, a.sweeper, a.cfg.Temporal.HeartbeatInterval)
				w := worker.New(c, a.cfg.Temporal, acts)

				if !noSweeps {
					if err := worker.StartSweeps(ctx, c, a.cfg.Temporal, a.cfg.Schedules, a.cfg.Sweep.Budget); err != nil {
						return err
					}
				}
				if err := w.Start(); err != nil {
					return fmt.Errorf("start worker: %w", err)
				}
				a.logger.Info("temporal worker started", "task_queue", a.cfg.Temporal.TaskQueue)
				<-ctx.Done()
				w.Stop()
				if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noSweeps, "no-sweeps", false, "do not start the sweep cron workflows")
	return cmd
}

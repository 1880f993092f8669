package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/go-phaseflow/internal/domain"
	"github.com/ahrav/go-phaseflow/internal/store"
	"github.com/ahrav/go-phaseflow/pkg/events"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect and redrive workflow runs"}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	cmd.AddCommand(runsStatsCmd())
	cmd.AddCommand(runsRedriveCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var (
		status string
		filter store.RunFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				st, ok := domain.ParseRunStatus(status)
				if !ok {
					return fmt.Errorf("unknown run status %q", status)
				}
				filter.Status = st
			}
			return withConfiguredStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				runs, err := st.ListRuns(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				renderRuns(stdout, runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, running, succeeded, failed, dead-lettered)")
	cmd.Flags().StringVar(&filter.Workflow, "workflow", "", "workflow filter")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum rows")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its step checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfiguredStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				run, err := st.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				renderRun(stdout, run)
				return nil
			})
		},
	}
}

func runsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count runs per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfiguredStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				counts, err := st.CountRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				renderStats(stdout, counts)
				return nil
			})
		},
	}
}

func runsRedriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <run-id>",
		Short: "Reset a failed or dead-lettered run and launch it again",
		Long: `Reset a failed or dead-lettered run to pending and launch it. Finished
steps are kept. With the local launcher the run executes in this process
and the command waits for it, up to server.shutdown_timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), launchConfigured, func(ctx context.Context, a *app) error {
				run, err := a.dispatcher.Redrive(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				renderRuns(stdout, []domain.WorkflowRun{run})
				return nil
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	var (
		file     string
		env      events.Envelope
		data     string
		noLaunch bool
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch an event and launch the run it creates",
		Long: `Dispatch one event. The envelope comes from --file (JSON, "-" for stdin)
or from --name, --id and --data. Redelivering an event id returns the run
it created the first time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			envelope, err := readEnvelope(file, env, data)
			if err != nil {
				return err
			}
			mode := launchConfigured
			if noLaunch {
				mode = launchNone
			}
			return withApp(cmd.Context(), mode, func(ctx context.Context, a *app) error {
				run, created, err := a.dispatcher.Dispatch(ctx, envelope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "created": created})
				}
				if !created {
					fmt.Fprintf(stdout, "event %s already dispatched\n", run.EventID)
				}
				renderRuns(stdout, []domain.WorkflowRun{run})
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", `envelope JSON file, "-" for stdin`)
	cmd.Flags().StringVar(&env.Name, "name", "", "event name, e.g. thesis/phase.approved")
	cmd.Flags().StringVar(&env.ID, "id", "", "event id (generated when empty)")
	cmd.Flags().StringVar(&env.Source, "source", "cli", "event source")
	cmd.Flags().StringVar(&data, "data", "{}", "event payload JSON")
	cmd.Flags().BoolVar(&noLaunch, "no-launch", false, "persist the run without starting it")
	return cmd
}

// readEnvelope builds the envelope from a file, or from flags when path is
// empty.
func readEnvelope(path string, flags events.Envelope, data string) (events.Envelope, error) {
	if path == "" {
		if flags.Name == "" {
			return events.Envelope{}, errors.New("--name or --file is required")
		}
		if !json.Valid([]byte(data)) {
			return events.Envelope{}, fmt.Errorf("--data is not valid JSON: %s", data)
		}
		flags.Data = json.RawMessage(data)
		return flags, nil
	}

	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return events.Envelope{}, fmt.Errorf("read envelope: %w", err)
	}
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return events.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// withConfiguredStore loads the config and opens only the database,
// applying pending migrations.
func withConfiguredStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	return withStore(ctx, cfg, fn)
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahrav/go-phaseflow/internal/domain"
	"github.com/ahrav/go-phaseflow/internal/store"
	"github.com/ahrav/go-phaseflow/internal/sweep"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sweep", Short: "Run and inspect maintenance sweeps"}
	cmd.AddCommand(sweepRunCmd())
	cmd.AddCommand(sweepListCmd())
	return cmd
}

func sweepRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [name|all]",
		Short: "Run one sweep, or all of them in order",
		Long: fmt.Sprintf(`Run a sweep once and record its result. Sweeps: %s.
Runs requeued by the stale-runs sweep are relaunched with the configured
launcher.`, strings.Join(sweep.Names(), ", ")),
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: append(sweep.Names(), "all"),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "all"
			if len(args) == 1 {
				name = args[0]
			}
			return withApp(cmd.Context(), launchConfigured, func(ctx context.Context, a *app) error {
				var (
					results []domain.SweepResult
					err     error
				)
				if name == "all" {
					results, err = a.sweeper.RunAll(ctx)
				} else {
					var res domain.SweepResult
					res, err = a.sweeper.Run(ctx, name)
					results = append(results, res)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				renderSweeps(stdout, results)
				return nil
			})
		},
	}
}

func sweepListCmd() *cobra.Command {
	var (
		name  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sweep results, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfiguredStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				results, err := st.ListSweeps(ctx, name, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				renderSweeps(stdout, results)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "sweep name filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-phaseflow/internal/store"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML, secrets omitted",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = stdout.Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "config ok")
			return nil
		},
	})
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConfiguredStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				version, err := st.SchemaVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "schema at version %d\n", version)
				return nil
			})
		},
	}
}

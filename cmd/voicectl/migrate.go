package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(root *rootOptions, deps voicectlDeps) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opened, err := deps.openStore(cmd.Context(), cfg, kind, root.logger)
			if err != nil {
				return err
			}
			defer opened.Close()
			if opened.kind == storeMemory {
				fmt.Fprintln(cmd.OutOrStdout(), "no database configured; nothing to migrate")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store is up to date\n", opened.kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "store", storeAuto, "store to migrate: auto|postgres|sqlite")
	return cmd
}

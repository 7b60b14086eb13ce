package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables and seed the schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		// Loading an empty backend publishes the embedded default.
		s, err := env.Registry.Load(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "store migrated (%s), active schema %s\n", cfg.Store.Driver, s.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

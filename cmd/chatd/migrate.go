package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/whisper/lounge/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), func(db dbHandle) error {
			if err := storage.Migrate(db.DB); err != nil {
				return err
			}
			db.log.Info().Msg("schema is current")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down N",
	Short: "Roll back N migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("N must be a positive integer, got %q", args[0])
		}
		return withDB(cmd.Context(), func(db dbHandle) error {
			if err := storage.MigrateDown(db.DB, n); err != nil {
				return err
			}
			db.log.Info().Int("steps", n).Msg("rolled back")
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd.Context(), func(db dbHandle) error {
			v, dirty, err := storage.Version(db.DB)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

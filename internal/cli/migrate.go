package cli

import (
	"fmt"

	"github.com/buildtall-systems/vendorder/internal/config"
	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() { _ = database.Close() }()

		if err := database.Migrate(); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}

		version, err := database.MigrationVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database %s at version %d\n", cfg.Database.Path, version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

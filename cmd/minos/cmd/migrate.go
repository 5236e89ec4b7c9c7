package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/minos/pkg/config"
	"github.com/tartarus-sandbox/minos/pkg/erebus"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := postgresConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		return erebus.Migrate(cfg.Database.DSN, logger)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := postgresConfig()
		if err != nil {
			return err
		}
		version, dirty, err := erebus.MigrationVersion(cfg.Database.DSN)
		if err != nil {
			return err
		}
		if dirty {
			fmt.Fprintf(cmd.OutOrStdout(), "%d (dirty)\n", version)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
}

// postgresConfig loads the config and requires a Postgres database. SQLite schemas are
// created on open.
func postgresConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver != string(erebus.DialectPostgres) {
		return nil, fmt.Errorf("migrations need database.driver postgres, got %q", cfg.Database.Driver)
	}
	return cfg, nil
}

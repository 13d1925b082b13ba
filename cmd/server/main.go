package main

import (
	"fmt"
	"os"

	"github.com/hiroki-koketsu/go-task-tree/internal/config"
	"github.com/hiroki-koketsu/go-task-tree/internal/repository"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Task tree service",
		Long: `Task tree service: owners keep trees of tasks whose completion and
deletion eligibility follow the status of their sub-tasks.

Configuration is read from the environment (SERVER_PORT, STORE_DRIVER,
DATABASE_DSN, TELEMETRY_ENABLED, OTEL_EXPORTER_OTLP_ENDPOINT, ...) and can be
overridden with flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return cfg.Validate()
		},
	}

	cmd.PersistentFlags().StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Storage driver: memory, postgres or sqlite")
	cmd.PersistentFlags().StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "Database DSN for the postgres and sqlite stores")

	cmd.AddCommand(serveCmd(cfg))
	cmd.AddCommand(migrateCmd(cfg))
	cmd.AddCommand(seedCmd(cfg))

	return cmd
}

// openStore opens the configured store. SQL stores are migrated first.
func openStore(cfg *config.Config) (repository.Store, error) {
	if cfg.StoreDriver == config.StoreMemory {
		return repository.NewTaskRepository(), nil
	}
	db, err := repository.Open(cfg.StoreDriver, cfg.DatabaseDSN, logger.Warn)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(db); err != nil {
		return nil, err
	}
	return repository.NewGormRepository(db), nil
}

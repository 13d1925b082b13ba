package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hiroki-koketsu/go-task-tree/internal/config"
	"github.com/hiroki-koketsu/go-task-tree/internal/service"
	"github.com/spf13/cobra"
)

func migrateCmd(cfg *config.Config) *cobra.Command {
	var reconcile bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Create or update the owners and tasks tables, their foreign keys and
indexes. With --reconcile, also recompute the derived flags of every task.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.StoreDriver == config.StoreMemory {
				return fmt.Errorf("migrate needs a SQL store, got %q", cfg.StoreDriver)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info("schema migrated", slog.String("store", cfg.StoreDriver))

			if !reconcile {
				return nil
			}
			mismatches, err := service.NewTaskService(store, logger, nil).Reconcile(ctx)
			if err != nil {
				return fmt.Errorf("failed to reconcile flags: %w", err)
			}
			for _, m := range mismatches {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d task(s)\n", len(mismatches))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "Recompute derived flags for every task")
	return cmd
}

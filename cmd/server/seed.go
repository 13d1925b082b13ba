package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hiroki-koketsu/go-task-tree/internal/config"
	"github.com/hiroki-koketsu/go-task-tree/internal/model"
	"github.com/hiroki-koketsu/go-task-tree/internal/service"
	"github.com/spf13/cobra"
)

func seedCmd(cfg *config.Config) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a demo owner and task tree",
		Long: `Create a demo owner with a finished task and an open task that has one
done and one open sub-task. Tasks go through the same operations as the API,
so their derived flags are computed the usual way.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.StoreDriver == config.StoreMemory {
				return fmt.Errorf("seed needs a SQL store, got %q", cfg.StoreDriver)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			owner, err := seedDemo(ctx, service.NewTaskService(store, logger, nil), name)
			if err != nil {
				return fmt.Errorf("failed to seed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded owner %s (%s)\n", owner.Name, owner.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "owner", "user1@example.com", "Name of the demo owner")
	return cmd
}

type seedTask struct {
	title    string
	priority int
	parent   int // index into the tasks created so far, -1 for a root
	done     bool
}

var demoTree = []seedTask{
	{title: "My First Task", priority: 2, parent: -1, done: true},
	{title: "My Second Task", priority: 1, parent: -1},
	{title: "My ToDo Sub Task", priority: 1, parent: 1},
	{title: "My Done Sub Task", priority: 1, parent: 1, done: true},
}

func seedDemo(ctx context.Context, svc *service.TaskService, name string) (*model.Owner, error) {
	owner, err := svc.CreateOwner(ctx, &model.CreateOwnerRequest{Name: name})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(demoTree))
	for _, st := range demoTree {
		req := &model.CreateTaskRequest{Title: st.title, Priority: st.priority}
		if st.parent >= 0 {
			parent := ids[st.parent]
			req.ParentID = &parent
		}
		v, err := svc.CreateTask(ctx, owner.ID, req)
		if err != nil {
			return nil, fmt.Errorf("create %q: %w", st.title, err)
		}
		if st.done {
			if _, err := svc.SetStatus(ctx, v.ID, model.StatusDone, owner.ID); err != nil {
				return nil, fmt.Errorf("complete %q: %w", st.title, err)
			}
		}
		ids = append(ids, v.ID)
	}
	return owner, nil
}

// Package service implements the task tree operations. Every mutation runs
// as a single store transaction: the write, any cascading delete and the
// full ancestor walk commit together or not at all.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hiroki-koketsu/go-task-tree/internal/authz"
	"github.com/hiroki-koketsu/go-task-tree/internal/model"
	"github.com/hiroki-koketsu/go-task-tree/internal/query"
	"github.com/hiroki-koketsu/go-task-tree/internal/repository"
	"github.com/hiroki-koketsu/go-task-tree/internal/telemetry"
	"github.com/hiroki-koketsu/go-task-tree/internal/tree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/go-task-tree/internal/service")

// TaskService applies task mutations and keeps derived flags consistent.
type TaskService struct {
	store   repository.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a TaskService.
type Option func(*TaskService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TaskService) { s.now = now }
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *TaskService) { s.newID = newID }
}

// NewTaskService creates a new TaskService. metrics may be nil.
func NewTaskService(store repository.Store, logger *slog.Logger, metrics *telemetry.Metrics, opts ...Option) *TaskService {
	s := &TaskService{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOwner registers a new owner.
func (s *TaskService) CreateOwner(ctx context.Context, req *model.CreateOwnerRequest) (*model.Owner, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o := &model.Owner{ID: s.newID(), Name: req.Name, CreatedAt: s.now()}
	if err := s.store.CreateOwner(ctx, o); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "owner created", slog.String("owner_id", o.ID))
	return o, nil
}

// GetOwner returns the owner with id. Only the owner itself may look it up.
func (s *TaskService) GetOwner(ctx context.Context, id, principal string) (*model.Owner, error) {
	if principal == "" || principal != id {
		return nil, model.ErrNotSelf
	}
	return s.store.GetOwner(ctx, id)
}

// CreateTask creates a ToDo task for ownerID, optionally under a parent
// task of the same owner, and refreshes the parent chain.
func (s *TaskService) CreateTask(ctx context.Context, ownerID string, req *model.CreateTaskRequest) (model.TaskView, error) {
	ctx, span := tracer.Start(ctx, "TaskService.CreateTask",
		trace.WithAttributes(attribute.String("owner.id", ownerID)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return model.TaskView{}, s.fail(span, err)
	}

	task := &model.Task{
		ID:          s.newID(),
		OwnerID:     ownerID,
		ParentID:    req.ParentID,
		Status:      model.StatusToDo,
		Priority:    req.Priority,
		Title:       req.Title,
		Description: req.Description,
		CanComplete: true,
		CanDelete:   true,
		CreatedAt:   s.now(),
	}

	var walk tree.Walk
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.GetOwner(ctx, ownerID); err != nil {
			return err
		}
		if task.ParentID != nil {
			parent, err := tx.LockTask(ctx, *task.ParentID)
			if errors.Is(err, model.ErrNotFound) {
				return model.InvalidParentf("parent task %s does not exist", *task.ParentID)
			}
			if err != nil {
				return err
			}
			if parent.OwnerID != ownerID {
				return model.InvalidParentf("parent task %s belongs to another owner", parent.ID)
			}
		}
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		var err error
		walk, err = tree.Propagate(ctx, tx, task.ParentID)
		return err
	})
	if err != nil {
		return model.TaskView{}, s.fail(span, err)
	}

	s.metrics.RecordPropagation(ctx, "create", walk.Steps, walk.Changed)
	span.SetAttributes(attribute.String("task.id", task.ID))
	s.logger.InfoContext(ctx, "task created",
		slog.String("id", task.ID),
		slog.Int("ancestors", walk.Steps),
	)
	return task.View(), nil
}

// GetTask returns a task visible to principal.
func (s *TaskService) GetTask(ctx context.Context, id, principal string) (model.TaskView, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return model.TaskView{}, err
	}
	if err := authz.Authorize(principal, task, authz.Edit); err != nil {
		return model.TaskView{}, err
	}
	return task.View(), nil
}

// UpdateTask edits title, description and priority.
func (s *TaskService) UpdateTask(ctx context.Context, id, principal string, req *model.UpdateTaskRequest) (model.TaskView, error) {
	ctx, span := tracer.Start(ctx, "TaskService.UpdateTask",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return model.TaskView{}, s.fail(span, err)
	}

	var task *model.Task
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		if task, err = tx.LockTask(ctx, id); err != nil {
			return err
		}
		if err := authz.Authorize(principal, task, authz.Edit); err != nil {
			return err
		}
		req.Apply(task)
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return model.TaskView{}, s.fail(span, err)
	}

	s.logger.InfoContext(ctx, "task updated", slog.String("id", id))
	return task.View(), nil
}

// SetStatus moves a task to status and refreshes its ancestors. Completing
// requires every direct child to be done.
func (s *TaskService) SetStatus(ctx context.Context, id string, status model.Status, principal string) (model.TaskView, error) {
	ctx, span := tracer.Start(ctx, "TaskService.SetStatus",
		trace.WithAttributes(
			attribute.String("task.id", id),
			attribute.String("task.status", string(status)),
		),
	)
	defer span.End()

	if status != model.StatusToDo && status != model.StatusDone {
		return model.TaskView{}, s.fail(span, model.InvalidArgumentf("unknown status %q", status))
	}

	var (
		task *model.Task
		walk tree.Walk
	)
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		if task, err = tx.LockTask(ctx, id); err != nil {
			return err
		}
		if err := authz.Authorize(principal, task, authz.ForStatus(status)); err != nil {
			return err
		}
		if task.Status == status {
			return nil
		}

		task.Status = status
		if status == model.StatusDone {
			at := s.now()
			task.CompletedAt = &at
		} else {
			task.CompletedAt = nil
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		walk, err = tree.Propagate(ctx, tx, task.ParentID)
		return err
	})
	if err != nil {
		return model.TaskView{}, s.fail(span, err)
	}

	s.metrics.RecordPropagation(ctx, "status", walk.Steps, walk.Changed)
	s.logger.InfoContext(ctx, "task status changed",
		slog.String("id", id),
		slog.String("status", string(status)),
		slog.Int("ancestors", walk.Steps),
		slog.Int("flags_changed", walk.Changed),
	)
	return task.View(), nil
}

// DeleteTask removes a task with its whole subtree and refreshes the former
// parent chain. The subtree is locked deepest level first, ending with the
// task itself, so the lock order matches a status change on any descendant
// (the task, then its ancestors) and the two cannot deadlock.
func (s *TaskService) DeleteTask(ctx context.Context, id, principal string) error {
	ctx, span := tracer.Start(ctx, "TaskService.DeleteTask",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	var (
		removed []string
		walk    tree.Walk
	)
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		current, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		// Ownership never changes, so reject strangers before taking locks.
		if err := authz.Authorize(principal, current, authz.Edit); err != nil {
			return err
		}
		if removed, err = tx.Subtree(ctx, id); err != nil {
			return err
		}
		task, err := lockDeepestFirst(ctx, tx, removed)
		if err != nil {
			return err
		}
		if err := authz.Authorize(principal, task, authz.Delete); err != nil {
			return err
		}
		if err := tx.DeleteTasks(ctx, removed); err != nil {
			return err
		}
		walk, err = tree.Propagate(ctx, tx, task.ParentID)
		return err
	})
	if err != nil {
		return s.fail(span, err)
	}

	s.metrics.RecordCascade(ctx, len(removed))
	s.metrics.RecordPropagation(ctx, "delete", walk.Steps, walk.Changed)
	span.SetAttributes(attribute.Int("task.deleted", len(removed)))
	s.logger.InfoContext(ctx, "task deleted",
		slog.String("id", id),
		slog.Int("cascaded", len(removed)-1),
		slog.Int("ancestors", walk.Steps),
	)
	return nil
}

// ListTasks returns the owner's tasks filtered and ordered by q.
func (s *TaskService) ListTasks(ctx context.Context, ownerID string, q query.Query) ([]model.TaskView, error) {
	if _, err := s.store.GetOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	tasks, err := s.store.List(ctx, ownerID, q)
	if err != nil {
		return nil, err
	}
	views := make([]model.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.View())
	}
	return views, nil
}

// Reconcile audits every stored task, recomputes the flags of those that
// disagree with their children and returns what it found.
func (s *TaskService) Reconcile(ctx context.Context) ([]tree.Mismatch, error) {
	var mismatches []tree.Mismatch
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		tasks, err := tx.Tasks(ctx)
		if err != nil {
			return err
		}
		mismatches = tree.Audit(tasks)
		ids := make([]string, 0, len(mismatches))
		for _, m := range mismatches {
			s.logger.WarnContext(ctx, "stale flags", slog.String("id", m.TaskID), slog.String("mismatch", m.String()))
			ids = append(ids, m.TaskID)
		}
		_, err = tree.Reconcile(ctx, tx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "flags reconciled", slog.Int("changed", len(mismatches)))
	return mismatches, nil
}

// lockDeepestFirst locks the ids of a Subtree result in reverse, so deeper
// levels are locked before shallower ones, and returns the subtree root.
func lockDeepestFirst(ctx context.Context, tx repository.Tx, subtree []string) (*model.Task, error) {
	var root *model.Task
	for i := len(subtree) - 1; i >= 0; i-- {
		t, err := tx.LockTask(ctx, subtree[i])
		if err != nil {
			return nil, err
		}
		root = t
	}
	return root, nil
}

func (s *TaskService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

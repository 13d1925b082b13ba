package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
	"github.com/hiroki-koketsu/go-task-tree/internal/query"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/go-task-tree/internal/repository")

// TaskRepository provides an in-memory storage for task trees.
// Transactions hold the write lock for their whole duration, which
// serializes every ancestor read-modify-write.
type TaskRepository struct {
	mu       sync.RWMutex
	tasks    map[string]*model.Task
	seq      map[string]uint64
	next     uint64
	children map[string][]string
	owners   map[string]*model.Owner
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{
		tasks:    make(map[string]*model.Task),
		seq:      make(map[string]uint64),
		children: make(map[string][]string),
		owners:   make(map[string]*model.Owner),
	}
}

// WithTx runs fn against a staged overlay and applies it only on success.
func (r *TaskRepository) WithTx(ctx context.Context, fn func(Tx) error) error {
	ctx, span := tracer.Start(ctx, "TaskRepository.WithTx")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		r:       r,
		staged:  make(map[string]*model.Task),
		deleted: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		span.SetAttributes(attribute.Bool("tx.committed", false))
		return err
	}
	if err := ctx.Err(); err != nil {
		span.SetAttributes(attribute.Bool("tx.committed", false))
		return err
	}
	tx.commit()
	span.SetAttributes(attribute.Bool("tx.committed", true))
	return nil
}

// Get retrieves a task by its ID.
func (r *TaskRepository) Get(ctx context.Context, id string) (*model.Task, error) {
	_, span := tracer.Start(ctx, "TaskRepository.Get",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		span.SetAttributes(attribute.Bool("task.found", false))
		return nil, model.ErrTaskNotFound
	}

	span.SetAttributes(attribute.Bool("task.found", true))
	return task.Clone(), nil
}

// List returns the owner's tasks matching q, in insertion order unless q
// orders them.
func (r *TaskRepository) List(ctx context.Context, ownerID string, q query.Query) ([]*model.Task, error) {
	_, span := tracer.Start(ctx, "TaskRepository.List",
		trace.WithAttributes(attribute.String("owner.id", ownerID)),
	)
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*model.Task, 0)
	for _, task := range r.tasks {
		if task.OwnerID == ownerID && q.Match(task) {
			tasks = append(tasks, task.Clone())
		}
	}
	slices.SortFunc(tasks, func(a, b *model.Task) int {
		return int(r.seq[a.ID]) - int(r.seq[b.ID])
	})
	q.Sort(tasks)

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	return tasks, nil
}

// CreateOwner stores a new owner.
func (r *TaskRepository) CreateOwner(ctx context.Context, o *model.Owner) error {
	_, span := tracer.Start(ctx, "TaskRepository.CreateOwner",
		trace.WithAttributes(attribute.String("owner.id", o.ID)),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[o.ID]; ok {
		return fmt.Errorf("owner %s already exists", o.ID)
	}
	c := *o
	r.owners[o.ID] = &c
	return nil
}

// GetOwner retrieves an owner by its ID.
func (r *TaskRepository) GetOwner(ctx context.Context, id string) (*model.Owner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner(id)
}

func (r *TaskRepository) owner(id string) (*model.Owner, error) {
	o, ok := r.owners[id]
	if !ok {
		return nil, model.ErrOwnerNotFound
	}
	c := *o
	return &c, nil
}

// Count returns the current number of tasks.
func (r *TaskRepository) Count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.tasks))
}

// Close is a no-op.
func (r *TaskRepository) Close() error { return nil }

// memoryTx stages writes over the committed maps. The repository's write
// lock is held for the transaction's lifetime.
type memoryTx struct {
	r       *TaskRepository
	staged  map[string]*model.Task
	added   []string
	deleted map[string]struct{}
}

func (tx *memoryTx) lookup(id string) (*model.Task, bool) {
	if _, gone := tx.deleted[id]; gone {
		return nil, false
	}
	if t, ok := tx.staged[id]; ok {
		return t, true
	}
	t, ok := tx.r.tasks[id]
	return t, ok
}

func (tx *memoryTx) childIDs(parentID string) []string {
	ids := make([]string, 0, len(tx.r.children[parentID]))
	for _, id := range tx.r.children[parentID] {
		if _, gone := tx.deleted[id]; !gone {
			ids = append(ids, id)
		}
	}
	for _, id := range tx.added {
		if t, ok := tx.lookup(id); ok && t.ParentID != nil && *t.ParentID == parentID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (tx *memoryTx) GetOwner(_ context.Context, id string) (*model.Owner, error) {
	return tx.r.owner(id)
}

func (tx *memoryTx) GetTask(_ context.Context, id string) (*model.Task, error) {
	t, ok := tx.lookup(id)
	if !ok {
		return nil, model.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// LockTask is GetTask: the whole store is already locked.
func (tx *memoryTx) LockTask(ctx context.Context, id string) (*model.Task, error) {
	return tx.GetTask(ctx, id)
}

func (tx *memoryTx) ChildStatuses(_ context.Context, parentID string) ([]model.Status, error) {
	ids := tx.childIDs(parentID)
	statuses := make([]model.Status, 0, len(ids))
	for _, id := range ids {
		t, _ := tx.lookup(id)
		statuses = append(statuses, t.Status)
	}
	return statuses, nil
}

func (tx *memoryTx) SaveFlags(_ context.Context, id string, canComplete, canDelete bool) error {
	t, ok := tx.lookup(id)
	if !ok {
		return model.ErrTaskNotFound
	}
	if _, staged := tx.staged[id]; !staged {
		t = t.Clone()
		tx.staged[id] = t
	}
	t.CanComplete, t.CanDelete = canComplete, canDelete
	return nil
}

func (tx *memoryTx) InsertTask(_ context.Context, t *model.Task) error {
	if _, ok := tx.lookup(t.ID); ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	tx.staged[t.ID] = t.Clone()
	tx.added = append(tx.added, t.ID)
	return nil
}

func (tx *memoryTx) UpdateTask(_ context.Context, t *model.Task) error {
	cur, ok := tx.lookup(t.ID)
	if !ok {
		return model.ErrTaskNotFound
	}
	next := t.Clone()
	next.CanComplete, next.CanDelete = cur.CanComplete, cur.CanDelete
	tx.staged[t.ID] = next
	return nil
}

func (tx *memoryTx) Subtree(_ context.Context, id string) ([]string, error) {
	if _, ok := tx.lookup(id); !ok {
		return nil, model.ErrTaskNotFound
	}
	out := []string{id}
	for i := 0; i < len(out); i++ {
		out = append(out, tx.childIDs(out[i])...)
	}
	return out, nil
}

func (tx *memoryTx) DeleteTasks(_ context.Context, ids []string) error {
	for _, id := range ids {
		if _, ok := tx.lookup(id); !ok {
			return model.ErrTaskNotFound
		}
		tx.deleted[id] = struct{}{}
		delete(tx.staged, id)
	}
	return nil
}

func (tx *memoryTx) Tasks(_ context.Context) ([]*model.Task, error) {
	ids := make([]string, 0, len(tx.r.tasks)+len(tx.added))
	for id := range tx.r.tasks {
		if _, gone := tx.deleted[id]; !gone {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		return int(tx.r.seq[a]) - int(tx.r.seq[b])
	})
	ids = append(ids, tx.added...)

	tasks := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := tx.lookup(id); ok {
			tasks = append(tasks, t.Clone())
		}
	}
	return tasks, nil
}

func (tx *memoryTx) commit() {
	r := tx.r
	for id := range tx.deleted {
		t, ok := r.tasks[id]
		if !ok {
			continue
		}
		if t.ParentID != nil {
			r.children[*t.ParentID] = slices.DeleteFunc(r.children[*t.ParentID], func(c string) bool { return c == id })
			if len(r.children[*t.ParentID]) == 0 {
				delete(r.children, *t.ParentID)
			}
		}
		delete(r.children, id)
		delete(r.tasks, id)
		delete(r.seq, id)
	}
	for _, id := range tx.added {
		t, ok := tx.staged[id]
		if !ok {
			continue
		}
		r.next++
		r.seq[id] = r.next
		if t.ParentID != nil {
			r.children[*t.ParentID] = append(r.children[*t.ParentID], id)
		}
	}
	for id, t := range tx.staged {
		r.tasks[id] = t
	}
}

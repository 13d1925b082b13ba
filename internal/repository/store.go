package repository

import (
	"context"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
	"github.com/hiroki-koketsu/go-task-tree/internal/query"
	"github.com/hiroki-koketsu/go-task-tree/internal/tree"
)

// Store persists owners and task trees.
type Store interface {
	// WithTx runs fn as one atomic unit. Writes made through the Tx become
	// visible together when fn returns nil and are discarded otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Get(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, ownerID string, q query.Query) ([]*model.Task, error)

	CreateOwner(ctx context.Context, o *model.Owner) error
	GetOwner(ctx context.Context, id string) (*model.Owner, error)

	Count() int64
	Close() error
}

// Tx is the view of the store inside WithTx. Tasks returned are copies;
// changes are written back with UpdateTask or SaveFlags.
type Tx interface {
	tree.Store

	GetOwner(ctx context.Context, id string) (*model.Owner, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	InsertTask(ctx context.Context, t *model.Task) error
	// UpdateTask writes the task's own fields. Derived flags are only
	// written by SaveFlags.
	UpdateTask(ctx context.Context, t *model.Task) error
	// Subtree returns id followed by every descendant, level by level.
	// Within a level, SQL stores order ids by creation time then id, so two
	// transactions walking overlapping subtrees see them in the same order.
	Subtree(ctx context.Context, id string) ([]string, error)
	DeleteTasks(ctx context.Context, ids []string) error
	// Tasks returns every stored task in creation order.
	Tasks(ctx context.Context) ([]*model.Task, error)
}

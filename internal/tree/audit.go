package tree

import (
	"context"
	"fmt"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
)

// Mismatch describes a task whose cached flags disagree with its children.
type Mismatch struct {
	TaskID          string
	CanComplete     bool
	CanDelete       bool
	WantCanComplete bool
	WantCanDelete   bool
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: canComplete=%t (want %t) canDelete=%t (want %t)",
		m.TaskID, m.CanComplete, m.WantCanComplete, m.CanDelete, m.WantCanDelete)
}

// Audit checks a snapshot of tasks and returns every flag mismatch, in the
// order the tasks were given. Children are derived from ParentID; parents
// outside the snapshot are ignored.
func Audit(tasks []*model.Task) []Mismatch {
	children := make(map[string][]model.Status, len(tasks))
	for _, t := range tasks {
		if t.ParentID != nil {
			children[*t.ParentID] = append(children[*t.ParentID], t.Status)
		}
	}

	var out []Mismatch
	for _, t := range tasks {
		canComplete, canDelete := Flags(children[t.ID])
		if canComplete != t.CanComplete || canDelete != t.CanDelete {
			out = append(out, Mismatch{
				TaskID:          t.ID,
				CanComplete:     t.CanComplete,
				CanDelete:       t.CanDelete,
				WantCanComplete: canComplete,
				WantCanDelete:   canDelete,
			})
		}
	}
	return out
}

// Reconcile recomputes the flags of every listed task and returns how many
// were rewritten. Order does not matter: flags depend on child statuses only.
func Reconcile(ctx context.Context, s Store, ids []string) (int, error) {
	ctx, span := tracer.Start(ctx, "tree.Reconcile")
	defer span.End()

	changed := 0
	for _, id := range ids {
		_, ok, err := Recompute(ctx, s, id)
		if err != nil {
			span.RecordError(err)
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// Package tree keeps the derived completion and deletion flags of a task
// tree consistent with the statuses of each task's direct children.
package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/go-task-tree/internal/tree")

// ErrCycle is returned when a parent chain revisits a task.
var ErrCycle = errors.New("cycle in parent chain")

// Store is the transactional view the engine reads and writes through.
// LockTask must hold the task's row for writing until the enclosing
// transaction ends, so concurrent walks over a shared ancestor serialize.
type Store interface {
	LockTask(ctx context.Context, id string) (*model.Task, error)
	ChildStatuses(ctx context.Context, parentID string) ([]model.Status, error)
	SaveFlags(ctx context.Context, id string, canComplete, canDelete bool) error
}

// Flags computes the derived flags from the statuses of direct children.
// With no children both flags are true.
func Flags(children []model.Status) (canComplete, canDelete bool) {
	canComplete, canDelete = true, true
	for _, s := range children {
		if s == model.StatusDone {
			canDelete = false
		} else {
			canComplete = false
		}
	}
	return canComplete, canDelete
}

// Walk reports the outcome of one propagation.
type Walk struct {
	// Steps is the number of ancestors recomputed.
	Steps int
	// Changed is the number of ancestors whose flags were rewritten.
	Changed int
}

// Recompute refreshes a single task's flags from its current children.
// It returns the locked task with the fresh flags and whether they changed.
func Recompute(ctx context.Context, s Store, id string) (*model.Task, bool, error) {
	t, err := s.LockTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	statuses, err := s.ChildStatuses(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load children of %s: %w", id, err)
	}
	canComplete, canDelete := Flags(statuses)
	if canComplete == t.CanComplete && canDelete == t.CanDelete {
		return t, false, nil
	}
	if err := s.SaveFlags(ctx, id, canComplete, canDelete); err != nil {
		return nil, false, fmt.Errorf("save flags of %s: %w", id, err)
	}
	t.CanComplete, t.CanDelete = canComplete, canDelete
	return t, true, nil
}

// Propagate walks from parentID to the root, recomputing every ancestor on
// the way. Pass the parent of the task whose status changed, or the former
// parent of a deleted subtree. A nil parentID is a no-op.
//
// The whole chain is always walked. Each step only reads the ancestor's own
// direct children, so the result is independent of where the walk starts
// as long as it starts at or below the first affected ancestor.
func Propagate(ctx context.Context, s Store, parentID *string) (Walk, error) {
	var w Walk
	if parentID == nil {
		return w, nil
	}

	ctx, span := tracer.Start(ctx, "tree.Propagate",
		trace.WithAttributes(attribute.String("task.parent_id", *parentID)),
	)
	defer span.End()

	seen := make(map[string]struct{})
	for id := parentID; id != nil; {
		if _, ok := seen[*id]; ok {
			return w, fmt.Errorf("%w at %s", ErrCycle, *id)
		}
		seen[*id] = struct{}{}

		t, changed, err := Recompute(ctx, s, *id)
		if err != nil {
			span.RecordError(err)
			return w, err
		}
		w.Steps++
		if changed {
			w.Changed++
		}
		id = t.ParentID
	}

	span.SetAttributes(
		attribute.Int("tree.steps", w.Steps),
		attribute.Int("tree.changed", w.Changed),
	)
	return w, nil
}

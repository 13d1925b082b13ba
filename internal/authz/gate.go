// Package authz decides whether a principal may act on a task.
package authz

import (
	"fmt"

	"github.com/hiroki-koketsu/go-task-tree/internal/model"
)

// Operation is the action being authorized.
type Operation int

const (
	Edit Operation = iota
	Complete
	Delete
)

func (o Operation) String() string {
	switch o {
	case Edit:
		return "edit"
	case Complete:
		return "complete"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// rule decides eligibility for an owner; ownership is checked before it runs.
type rule func(t *model.Task) error

var rules = map[Operation]rule{
	Edit:     func(*model.Task) error { return nil },
	Complete: canComplete,
	Delete:   canDelete,
}

func canComplete(t *model.Task) error {
	if !t.CanComplete {
		return model.NotEligiblef("task %s has sub-tasks that are not done", t.ID)
	}
	return nil
}

func canDelete(t *model.Task) error {
	if t.Status == model.StatusDone {
		return model.NotEligiblef("task %s is done", t.ID)
	}
	if !t.CanDelete {
		return model.NotEligiblef("task %s has done sub-tasks", t.ID)
	}
	return nil
}

// Authorize returns nil if principal may perform op on t. A nil task is
// NotFound; a principal other than the owner is Forbidden whatever the
// task's state.
func Authorize(principal string, t *model.Task, op Operation) error {
	if t == nil {
		return model.ErrTaskNotFound
	}
	if principal == "" || principal != t.OwnerID {
		return model.ErrNotOwner
	}
	r, ok := rules[op]
	if !ok {
		return model.InvalidArgumentf("unknown operation %s", op)
	}
	return r(t)
}

// ForStatus maps a requested status transition to the operation that gates it.
// Moving into Done is a completion; anything else is an edit.
func ForStatus(s model.Status) Operation {
	if s == model.StatusDone {
		return Complete
	}
	return Edit
}

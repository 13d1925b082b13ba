package model

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusToDo Status = "ToDo"
	StatusDone Status = "Done"
)

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "todo":
		return StatusToDo, nil
	case "done":
		return StatusDone, nil
	}
	return "", InvalidArgumentf("unknown status %q", s)
}

const (
	MinPriority = 1
	MaxPriority = 5
)

// Task is a node in an owner's task tree. CanComplete and CanDelete cache a
// function of the direct children's statuses and are maintained by the
// propagation engine, never set directly by callers.
type Task struct {
	ID          string
	OwnerID     string
	ParentID    *string
	Status      Status
	Priority    int
	Title       string
	Description string
	CanComplete bool
	CanDelete   bool
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy safe to mutate.
func (t *Task) Clone() *Task {
	c := *t
	if t.ParentID != nil {
		p := *t.ParentID
		c.ParentID = &p
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// View projects the task, including its derived flags, for the boundary layer.
func (t *Task) View() TaskView {
	return TaskView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      t.Status,
		OwnerID:     t.OwnerID,
		ParentID:    t.ParentID,
		CanComplete: t.CanComplete,
		CanDelete:   t.CanDelete,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// TaskView is the JSON representation returned by the API.
type TaskView struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	OwnerID     string     `json:"owner_id"`
	ParentID    *string    `json:"parent_id,omitempty"`
	CanComplete bool       `json:"can_complete"`
	CanDelete   bool       `json:"can_delete"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateTaskRequest represents the request body for creating a task.
type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    int     `json:"priority"`
	ParentID    *string `json:"parent_id,omitempty"`
}

// Validate checks if the CreateTaskRequest is valid.
func (r *CreateTaskRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return ErrTitleRequired
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return ErrPriorityRange
	}
	if r.ParentID != nil && *r.ParentID == "" {
		r.ParentID = nil
	}
	return nil
}

// UpdateTaskRequest represents the request body for editing a task.
// Absent fields are left unchanged.
type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
}

// Validate checks if the UpdateTaskRequest is valid.
func (r *UpdateTaskRequest) Validate() error {
	if r.Title != nil && strings.TrimSpace(*r.Title) == "" {
		return ErrTitleRequired
	}
	if r.Priority != nil && (*r.Priority < MinPriority || *r.Priority > MaxPriority) {
		return ErrPriorityRange
	}
	return nil
}

// Apply copies the present fields onto t.
func (r *UpdateTaskRequest) Apply(t *Task) {
	if r.Title != nil {
		t.Title = *r.Title
	}
	if r.Description != nil {
		t.Description = *r.Description
	}
	if r.Priority != nil {
		t.Priority = *r.Priority
	}
}

// SetStatusRequest represents the request body for a status change.
type SetStatusRequest struct {
	Status string `json:"status"`
}

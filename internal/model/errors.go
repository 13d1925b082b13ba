package model

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrInvalidParent   = errors.New("invalid parent")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrNotEligible     = errors.New("not eligible")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// TaskError represents a domain error for tasks.
type TaskError struct {
	Kind    error
	Message string
}

func (e TaskError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e TaskError) Unwrap() error { return e.Kind }

var (
	ErrTaskNotFound  = TaskError{Kind: ErrNotFound, Message: "task not found"}
	ErrOwnerNotFound = TaskError{Kind: ErrNotFound, Message: "owner not found"}
	ErrTitleRequired = TaskError{Kind: ErrValidation, Message: "title is required"}
	ErrPriorityRange = TaskError{Kind: ErrValidation, Message: fmt.Sprintf("priority must be between %d and %d", MinPriority, MaxPriority)}
	ErrNameRequired  = TaskError{Kind: ErrValidation, Message: "name is required"}
	ErrNotOwner      = TaskError{Kind: ErrForbidden, Message: "task belongs to another owner"}
	ErrNotSelf       = TaskError{Kind: ErrForbidden, Message: "owners can only look up themselves"}
)

func InvalidParentf(format string, args ...any) error {
	return TaskError{Kind: ErrInvalidParent, Message: fmt.Sprintf(format, args...)}
}

func NotEligiblef(format string, args ...any) error {
	return TaskError{Kind: ErrNotEligible, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgumentf(format string, args ...any) error {
	return TaskError{Kind: ErrInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

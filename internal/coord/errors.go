package coord

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error categories. Every typed error below matches exactly one of these
// through errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTimeout    = errors.New("timeout")
	ErrValidation = errors.New("validation failed")
)

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NoEligibleAgentError means filtering left no candidate for a task.
type NoEligibleAgentError struct {
	TaskID string
}

func (e *NoEligibleAgentError) Error() string {
	return fmt.Sprintf("no eligible agent for task %q", e.TaskID)
}

func (e *NoEligibleAgentError) Is(target error) bool { return target == ErrNotFound }

type DuplicateAgentError struct {
	ID string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent %q already registered", e.ID)
}

func (e *DuplicateAgentError) Is(target error) bool { return target == ErrConflict }

type ResourceBusyError struct {
	Resource string
	Holder   string
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("resource %q is held by %q", e.Resource, e.Holder)
}

func (e *ResourceBusyError) Is(target error) bool { return target == ErrConflict }

type NotOwnerError struct {
	Resource string
	AgentID  string
	Holder   string
}

func (e *NotOwnerError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("agent %q does not hold resource %q (unallocated)", e.AgentID, e.Resource)
	}
	return fmt.Sprintf("agent %q does not hold resource %q (held by %q)", e.AgentID, e.Resource, e.Holder)
}

func (e *NotOwnerError) Is(target error) bool { return target == ErrConflict }

type AlreadyQueuedError struct {
	Resource string
	AgentID  string
}

func (e *AlreadyQueuedError) Error() string {
	return fmt.Sprintf("agent %q already waiting for resource %q", e.AgentID, e.Resource)
}

func (e *AlreadyQueuedError) Is(target error) bool { return target == ErrConflict }

// CircularDependencyError names every task on the offending cycle in
// traversal order.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return "circular dependency"
	}
	path := append(append([]string{}, e.Cycle...), e.Cycle[0])
	return "circular dependency: " + strings.Join(path, " -> ")
}

func (e *CircularDependencyError) Is(target error) bool { return target == ErrConflict }

// AssignmentRejectedError is returned when an agent answers an assignment
// with a refusal.
type AssignmentRejectedError struct {
	TaskID  string
	AgentID string
	Reason  string
}

func (e *AssignmentRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("agent %q rejected task %q", e.AgentID, e.TaskID)
	}
	return fmt.Sprintf("agent %q rejected task %q: %s", e.AgentID, e.TaskID, e.Reason)
}

func (e *AssignmentRejectedError) Is(target error) bool { return target == ErrConflict }

type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ValidationError carries every problem found, not only the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	switch len(e.Problems) {
	case 0:
		return "validation failed"
	case 1:
		return "validation failed: " + e.Problems[0]
	}
	return fmt.Sprintf("validation failed (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

package coord

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled, TaskPending},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled},
	TaskCompleted:  {},
	TaskFailed:     {},
	TaskCancelled:  {},
}

func (s TaskStatus) IsValid() bool {
	_, ok := taskTransitions[s]
	return ok
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ValidateTaskTransition returns a ValidationError when a task may not move
// from one status to the other.
func ValidateTaskTransition(from, to TaskStatus) error {
	if !to.IsValid() {
		return &ValidationError{Problems: []string{fmt.Sprintf("unknown task status %q", to)}}
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &ValidationError{Problems: []string{fmt.Sprintf("task cannot move from %s to %s", from, to)}}
}

// Task is a unit of work created by a caller and assigned by the orchestrator.
type Task struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Priority             float64        `json:"priority"`
	Deadline             *time.Time     `json:"deadline,omitempty"`
	Dependencies         []string       `json:"dependencies,omitempty"`
	RequiredCapabilities []Capability   `json:"required_capabilities,omitempty"`
	AssignedTo           string         `json:"assigned_to,omitempty"`
	Status               TaskStatus     `json:"status"`
	Payload              map[string]any `json:"payload,omitempty"`
}

func (t Task) Validate() error {
	var problems []string
	if t.ID == "" {
		problems = append(problems, "task id is required")
	}
	if t.Priority < 0 || t.Priority > 1 {
		problems = append(problems, fmt.Sprintf("task %s priority %.2f out of range [0,1]", t.ID, t.Priority))
	}
	if t.Status != "" && !t.Status.IsValid() {
		problems = append(problems, fmt.Sprintf("task %s has unknown status %q", t.ID, t.Status))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

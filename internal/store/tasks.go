package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Assignment records one delegation decision.
type Assignment struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	TaskType  string          `json:"task_type"`
	AgentID   string          `json:"agent_id"`
	Score     float64         `json:"score"`
	Scores    json.RawMessage `json:"scores,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveAssignment(a *Assignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var scores *string
	if len(a.Scores) > 0 {
		v := string(a.Scores)
		scores = &v
	}
	result, err := s.db.Exec(`
		INSERT INTO assignments (task_id, task_type, agent_id, score, scores, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.TaskType, a.AgentID, a.Score, scores, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save assignment: %w", err)
	}
	a.ID, _ = result.LastInsertId()
	return nil
}

// ListAssignments returns the most recent assignments, newest first.
func (s *Store) ListAssignments(limit int) ([]Assignment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+assignmentColumns+`
		FROM assignments
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	return collect(rows, scanAssignment)
}

const assignmentColumns = `id, task_id, task_type, agent_id, score, scores, created_at`

func scanAssignment(sc scanner) (Assignment, error) {
	var a Assignment
	var scores sql.NullString
	if err := sc.Scan(&a.ID, &a.TaskID, &a.TaskType, &a.AgentID, &a.Score, &scores, &a.CreatedAt); err != nil {
		return a, fmt.Errorf("scan assignment: %w", err)
	}
	if scores.Valid {
		a.Scores = json.RawMessage(scores.String)
	}
	return a, nil
}

func (s *Store) SaveTaskEvent(e *TaskEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO task_events (task_id, agent_id, status, created_at)
		VALUES (?, ?, ?, ?)`,
		e.TaskID, e.AgentID, e.Status, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save task event: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// GetTaskHistory returns the events of one task in chronological order.
func (s *Store) GetTaskHistory(taskID string) ([]TaskEvent, error) {
	rows, err := s.db.Query(`
		SELECT `+taskEventColumns+`
		FROM task_events
		WHERE task_id = ?
		ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task history: %w", err)
	}
	defer rows.Close()

	return collect(rows, scanTaskEvent)
}

const taskEventColumns = `id, task_id, agent_id, status, created_at`

func scanTaskEvent(sc scanner) (TaskEvent, error) {
	var e TaskEvent
	var agentID sql.NullString
	if err := sc.Scan(&e.ID, &e.TaskID, &agentID, &e.Status, &e.CreatedAt); err != nil {
		return e, fmt.Errorf("scan task event: %w", err)
	}
	e.AgentID = agentID.String
	return e, nil
}

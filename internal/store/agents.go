package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Agent is the persisted directory record of one agent.
type Agent struct {
	ID           string    `json:"id"`
	Role         string    `json:"role,omitempty"`
	Parent       string    `json:"parent,omitempty"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	Load         float64   `json:"load"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	status := a.Status
	if status == "" {
		status = "idle"
	}
	_, err := s.db.Exec(`
		INSERT INTO agents (id, role, parent, capabilities, status, load, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			parent = excluded.parent,
			capabilities = excluded.capabilities,
			status = excluded.status,
			load = excluded.load,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Role, a.Parent, marshalList(a.Capabilities), status, a.Load)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*Agent, error) {
	a := &Agent{}
	var role, parent, caps sql.NullString
	if err := scanner.Scan(&a.ID, &role, &parent, &caps, &a.Status, &a.Load, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Role = role.String
	a.Parent = parent.String
	a.Capabilities = unmarshalList(caps)
	return a, nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT id, role, parent, capabilities, status, load, created_at, updated_at FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT id, role, parent, capabilities, status, load, created_at, updated_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgentState records the live load and status reported by an agent.
func (s *Store) UpdateAgentState(id string, load float64, status string) error {
	_, err := s.db.Exec(`UPDATE agents SET load = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, load, status, id)
	if err != nil {
		return fmt.Errorf("update agent state: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteAgentsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	query := `DELETE FROM agents WHERE id NOT IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}

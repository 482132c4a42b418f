package coord

import "fmt"

// Role is a named priority level with the capabilities it specializes in.
type Role struct {
	Name         string        `json:"name"`
	Priority     float64       `json:"priority"`
	Capabilities CapabilitySet `json:"capabilities"`
}

func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	return &Role{Name: r.Name, Priority: r.Priority, Capabilities: r.Capabilities.Clone()}
}

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
)

func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentIdle, AgentBusy, AgentOffline, AgentError:
		return true
	}
	return false
}

// Agent is the directory record for an externally managed agent. The core
// never holds the agent's internal state, only what it needs to coordinate.
type Agent struct {
	ID           string        `json:"id"`
	Capabilities CapabilitySet `json:"capabilities"`
	Role         *Role         `json:"role,omitempty"`
	Load         float64       `json:"load"`
	Status       AgentStatus   `json:"status"`
}

func (a Agent) Clone() Agent {
	a.Capabilities = a.Capabilities.Clone()
	a.Role = a.Role.Clone()
	return a
}

// Available reports whether the agent can receive new work.
func (a Agent) Available() bool {
	return a.Status != AgentOffline && a.Status != AgentError
}

// RolePriority returns the role priority, or 0.5 for agents without a role.
func (a Agent) RolePriority() float64 {
	if a.Role == nil {
		return 0.5
	}
	return a.Role.Priority
}

// Validate checks the record fields a caller supplies.
func (a Agent) Validate() error {
	var problems []string
	if a.ID == "" {
		problems = append(problems, "agent id is required")
	}
	if a.Load < 0 || a.Load > 1 {
		problems = append(problems, fmt.Sprintf("agent %s load %.2f out of range [0,1]", a.ID, a.Load))
	}
	if a.Status != "" && !a.Status.IsValid() {
		problems = append(problems, fmt.Sprintf("agent %s has unknown status %q", a.ID, a.Status))
	}
	if a.Role != nil && (a.Role.Priority < 0 || a.Role.Priority > 1) {
		problems = append(problems, fmt.Sprintf("role %s priority %.2f out of range [0,1]", a.Role.Name, a.Role.Priority))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

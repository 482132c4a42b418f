package coord

import "time"

// ResourceStatus is a read-only view of one named resource.
type ResourceStatus struct {
	ID          string     `json:"id"`
	Allocated   bool       `json:"allocated"`
	Holder      string     `json:"holder,omitempty"`
	AllocatedAt *time.Time `json:"allocated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	WaitQueue   []string   `json:"wait_queue"`
}

// CoherenceMetrics is computed on demand for a group and never persisted by
// the core itself.
type CoherenceMetrics struct {
	GroupID             string        `json:"group_id"`
	AgentCount          int           `json:"agent_count"`
	SynchronizationRate float64       `json:"synchronization_rate"`
	CohesionIndex       float64       `json:"cohesion_index"`
	ResponseLatency     time.Duration `json:"response_latency"`
	ConflictRate        float64       `json:"conflict_rate"`
	EmergentBehaviors   []string      `json:"emergent_behaviors"`
	Degraded            bool          `json:"degraded"`
	Timestamp           time.Time     `json:"timestamp"`
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type BarrierOutcome struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"group_id,omitempty"`
	Action       string    `json:"action"`
	Participants []string  `json:"participants"`
	Completed    []string  `json:"completed"`
	Failed       []string  `json:"failed"`
	Success      bool      `json:"success"`
	TimedOut     bool      `json:"timed_out"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type CoherenceSnapshot struct {
	ID           int64     `json:"id"`
	GroupID      string    `json:"group_id"`
	AgentCount   int       `json:"agent_count"`
	SyncRate     float64   `json:"sync_rate"`
	Cohesion     float64   `json:"cohesion"`
	ConflictRate float64   `json:"conflict_rate"`
	LatencyMS    int64     `json:"latency_ms"`
	Tags         []string  `json:"tags"`
	Degraded     bool      `json:"degraded"`
	CreatedAt    time.Time `json:"created_at"`
}

type Behavior struct {
	ID         int64           `json:"id"`
	GroupID    string          `json:"group_id"`
	Type       string          `json:"type"`
	Strength   float64         `json:"strength"`
	Originator string          `json:"originator,omitempty"`
	Kind       string          `json:"kind"`
	Notified   int             `json:"notified"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Store) SaveBarrierOutcome(b *BarrierOutcome) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO barrier_outcomes (id, group_id, action, participants, completed, failed, success, timed_out, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		b.ID, b.GroupID, b.Action, marshalList(b.Participants), marshalList(b.Completed), marshalList(b.Failed),
		b.Success, b.TimedOut, b.LatencyMS, b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save barrier outcome: %w", err)
	}
	return nil
}

// ListBarrierOutcomes returns recent outcomes, newest first. An empty
// groupID lists every barrier.
func (s *Store) ListBarrierOutcomes(groupID string, limit int) ([]BarrierOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+barrierColumns+`
		FROM barrier_outcomes
		WHERE ? = '' OR group_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, groupID, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list barrier outcomes: %w", err)
	}
	defer rows.Close()

	return collect(rows, scanBarrierOutcome)
}

const barrierColumns = `id, group_id, action, participants, completed, failed, success, timed_out, latency_ms, created_at`

func scanBarrierOutcome(sc scanner) (BarrierOutcome, error) {
	var b BarrierOutcome
	var group, participants, completed, failed sql.NullString
	if err := sc.Scan(&b.ID, &group, &b.Action, &participants, &completed, &failed,
		&b.Success, &b.TimedOut, &b.LatencyMS, &b.CreatedAt); err != nil {
		return b, fmt.Errorf("scan barrier outcome: %w", err)
	}
	b.GroupID = group.String
	b.Participants = unmarshalList(participants)
	b.Completed = unmarshalList(completed)
	b.Failed = unmarshalList(failed)
	return b, nil
}

func (s *Store) SaveCoherenceSnapshot(c *CoherenceSnapshot) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO coherence_snapshots (group_id, agent_count, sync_rate, cohesion, conflict_rate, latency_ms, tags, degraded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.GroupID, c.AgentCount, c.SyncRate, c.Cohesion, c.ConflictRate, c.LatencyMS, marshalList(c.Tags), c.Degraded, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save coherence snapshot: %w", err)
	}
	c.ID, _ = result.LastInsertId()
	return nil
}

// GetCoherenceHistory returns the snapshots of a group in chronological
// order, limited to the most recent ones.
func (s *Store) GetCoherenceHistory(groupID string, limit int) ([]CoherenceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+snapshotColumns+`
		FROM coherence_snapshots
		WHERE group_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("get coherence history: %w", err)
	}
	defer rows.Close()

	out, err := collect(rows, scanCoherenceSnapshot)
	if err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

const snapshotColumns = `id, group_id, agent_count, sync_rate, cohesion, conflict_rate, latency_ms, tags, degraded, created_at`

func scanCoherenceSnapshot(sc scanner) (CoherenceSnapshot, error) {
	var c CoherenceSnapshot
	var tags sql.NullString
	if err := sc.Scan(&c.ID, &c.GroupID, &c.AgentCount, &c.SyncRate, &c.Cohesion, &c.ConflictRate,
		&c.LatencyMS, &tags, &c.Degraded, &c.CreatedAt); err != nil {
		return c, fmt.Errorf("scan coherence snapshot: %w", err)
	}
	c.Tags = unmarshalList(tags)
	return c, nil
}

func (s *Store) SaveBehavior(b *Behavior) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	var details *string
	if len(b.Details) > 0 {
		v := string(b.Details)
		details = &v
	}
	result, err := s.db.Exec(`
		INSERT INTO behaviors (group_id, type, strength, originator, kind, notified, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.GroupID, b.Type, b.Strength, b.Originator, b.Kind, b.Notified, details, b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save behavior: %w", err)
	}
	b.ID, _ = result.LastInsertId()
	return nil
}

func (s *Store) ListBehaviors(groupID string, limit int) ([]Behavior, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+behaviorColumns+`
		FROM behaviors
		WHERE group_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list behaviors: %w", err)
	}
	defer rows.Close()

	return collect(rows, scanBehavior)
}

const behaviorColumns = `id, group_id, type, strength, originator, kind, notified, details, created_at`

func scanBehavior(sc scanner) (Behavior, error) {
	var b Behavior
	var originator, details sql.NullString
	if err := sc.Scan(&b.ID, &b.GroupID, &b.Type, &b.Strength, &originator, &b.Kind, &b.Notified, &details, &b.CreatedAt); err != nil {
		return b, fmt.Errorf("scan behavior: %w", err)
	}
	b.Originator = originator.String
	if details.Valid {
		b.Details = json.RawMessage(details.String)
	}
	return b, nil
}

package coherence

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/synchrony"
)

const SenderID = "coherence"

// Emergent tags attached to metrics.
const (
	TagHighCohesion   = "high_cohesion"
	TagDesynchronized = "desynchronized"
	TagConflictProne  = "conflict_prone"
	TagStableRhythm   = "stable_rhythm"
)

// GroupSource is the part of the synchrony engine the monitor reads and
// steers.
type GroupSource interface {
	Group(id string) (synchrony.GroupState, error)
	Groups() []synchrony.GroupState
	Stats(id string) (synchrony.Stats, error)
	MarkDisruptedIfStale(id string, seen time.Time) (bool, error)
	SetMetrics(id string, m coord.CoherenceMetrics) error
}

type Messenger interface {
	SendMessage(ctx context.Context, msg coord.Message) error
}

type Journal interface {
	RecordCoherence(m coord.CoherenceMetrics)
	RecordBehavior(r Record)
}

type Monitor struct {
	groups    GroupSource
	messenger Messenger
	journal   Journal
	policy    Policy
	now       func() time.Time

	mu        sync.Mutex
	behaviors map[string][]Record
}

type Option func(*Monitor)

func WithPolicy(p Policy) Option {
	return func(m *Monitor) { m.policy = p }
}

func WithJournal(j Journal) Option {
	return func(m *Monitor) { m.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(groups GroupSource, messenger Messenger, opts ...Option) *Monitor {
	m := &Monitor{
		groups:    groups,
		messenger: messenger,
		policy:    DefaultPolicy(),
		now:       time.Now,
		behaviors: make(map[string][]Record),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Monitor) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy replaces the classification policy for behaviors handled from
// now on.
func (m *Monitor) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// MonitorGroupCoherence computes the current metrics of a group, attaches
// them to it and moves a degraded group to DISRUPTED.
func (m *Monitor) MonitorGroupCoherence(groupID string) (coord.CoherenceMetrics, error) {
	g, err := m.groups.Group(groupID)
	if err != nil {
		return coord.CoherenceMetrics{}, err
	}
	stats, err := m.groups.Stats(groupID)
	if err != nil {
		return coord.CoherenceMetrics{}, err
	}

	now := m.now()
	metrics := compute(g, stats, now)

	// A cycle finishing after the snapshot above wins over this verdict.
	if metrics.Degraded {
		marked, err := m.groups.MarkDisruptedIfStale(groupID, g.LastSync)
		switch {
		case err != nil && !errors.Is(err, coord.ErrNotFound):
			slog.Warn("mark group disrupted", "group", groupID, "error", err)
		case marked:
			slog.Info("group cohesion degraded", "group", groupID, "cohesion", metrics.CohesionIndex)
		}
	}
	if err := m.groups.SetMetrics(groupID, metrics); err != nil && !errors.Is(err, coord.ErrNotFound) {
		slog.Warn("attach coherence metrics", "group", groupID, "error", err)
	}
	if m.journal != nil {
		m.journal.RecordCoherence(metrics)
	}
	return metrics, nil
}

// MonitorAll measures every live group. Groups that vanish meanwhile are
// skipped.
func (m *Monitor) MonitorAll() []coord.CoherenceMetrics {
	var out []coord.CoherenceMetrics
	for _, g := range m.groups.Groups() {
		metrics, err := m.MonitorGroupCoherence(g.ID)
		if err != nil {
			if !errors.Is(err, coord.ErrNotFound) {
				slog.Warn("monitor group", "group", g.ID, "error", err)
			}
			continue
		}
		out = append(out, metrics)
	}
	return out
}

// OnCycle matches synchrony.CycleObserver.
func (m *Monitor) OnCycle(state synchrony.GroupState, _ bool) {
	if _, err := m.MonitorGroupCoherence(state.ID); err != nil && !errors.Is(err, coord.ErrNotFound) {
		slog.Warn("monitor after cycle", "group", state.ID, "error", err)
	}
}

func compute(g synchrony.GroupState, stats synchrony.Stats, now time.Time) coord.CoherenceMetrics {
	interval := g.Rhythm.Interval
	expected := 0
	if interval > 0 {
		expected = int(now.Sub(g.EstablishedAt) / interval)
	}

	syncRate := 1.0
	if expected > 0 {
		syncRate = math.Min(1, float64(g.CycleCount)/float64(expected))
	}

	ref := g.LastSync
	if ref.IsZero() {
		ref = g.EstablishedAt
	}
	since := now.Sub(ref)
	window := interval.Seconds() * 0.1

	cohesion := 1.0
	degraded := false
	if expected > 0 && window > 0 {
		cohesion = math.Max(0, 1-since.Seconds()/window)
		degraded = since.Seconds() > window
	}

	conflictRate := stats.ConflictRate()
	tags := []string{}
	if g.CycleCount >= 10 && cohesion > 0.9 {
		tags = append(tags, TagHighCohesion)
	}
	if degraded {
		tags = append(tags, TagDesynchronized)
	}
	if stats.Barriers >= 5 && conflictRate > 0.3 {
		tags = append(tags, TagConflictProne)
	}
	if g.CycleCount >= 5 && syncRate >= 0.95 {
		tags = append(tags, TagStableRhythm)
	}

	return coord.CoherenceMetrics{
		GroupID:             g.ID,
		AgentCount:          len(g.Members),
		SynchronizationRate: syncRate,
		CohesionIndex:       cohesion,
		ResponseLatency:     stats.MeanLatency,
		ConflictRate:        conflictRate,
		EmergentBehaviors:   tags,
		Degraded:            degraded,
		Timestamp:           now.UTC(),
	}
}

// HandleGroupEmergentBehavior classifies b and reacts: disruptive behavior
// sends MITIGATION to every member, beneficial behavior sends AMPLIFICATION
// to its originator, anything else is only recorded.
func (m *Monitor) HandleGroupEmergentBehavior(ctx context.Context, groupID string, b Behavior) (Record, error) {
	g, err := m.groups.Group(groupID)
	if err != nil {
		return Record{}, err
	}
	if err := b.Validate(); err != nil {
		return Record{}, err
	}

	rec := Record{
		GroupID:  groupID,
		Behavior: b,
		Kind:     m.Policy().Classify(b),
		At:       m.now().UTC(),
	}
	content := map[string]any{
		"group_id": groupID,
		"behavior": b.Type,
		"strength": b.Strength,
	}

	switch rec.Kind {
	case KindDisruptive:
		for _, member := range g.Members {
			msg := coord.NewMessage(coord.MsgMitigation, SenderID, member, content)
			if err := m.messenger.SendMessage(ctx, msg); err != nil {
				slog.Warn("mitigation not delivered", "group", groupID, "agent", member, "error", err)
				continue
			}
			rec.Notified++
		}
	case KindBeneficial:
		if b.Originator == "" {
			slog.Warn("beneficial behavior without originator", "group", groupID, "type", b.Type)
			break
		}
		msg := coord.NewMessage(coord.MsgAmplification, SenderID, b.Originator, content)
		if err := m.messenger.SendMessage(ctx, msg); err != nil {
			slog.Warn("amplification not delivered", "group", groupID, "agent", b.Originator, "error", err)
			break
		}
		rec.Notified = 1
	}

	m.mu.Lock()
	m.behaviors[groupID] = append(m.behaviors[groupID], rec)
	m.mu.Unlock()

	if m.journal != nil {
		m.journal.RecordBehavior(rec)
	}
	slog.Info("emergent behavior handled", "group", groupID, "type", b.Type, "kind", rec.Kind, "notified", rec.Notified)
	return rec, nil
}

// Behaviors lists the handled behaviors of a group, oldest first.
func (m *Monitor) Behaviors(groupID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record{}, m.behaviors[groupID]...)
}

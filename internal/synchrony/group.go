package synchrony

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/concord/internal/coord"
)

type GroupStatus string

const (
	GroupForming      GroupStatus = "FORMING"
	GroupActive       GroupStatus = "ACTIVE"
	GroupSynchronized GroupStatus = "SYNCHRONIZED"
	GroupDisrupted    GroupStatus = "DISRUPTED"
	GroupDissolving   GroupStatus = "DISSOLVING"
)

var groupTransitions = map[GroupStatus][]GroupStatus{
	GroupForming:      {GroupActive, GroupDissolving},
	GroupActive:       {GroupSynchronized, GroupDisrupted, GroupDissolving},
	GroupSynchronized: {GroupDisrupted, GroupDissolving},
	GroupDisrupted:    {GroupSynchronized, GroupDissolving},
	GroupDissolving:   {},
}

func (s GroupStatus) IsTerminal() bool { return s == GroupDissolving }

// ValidateGroupTransition allows staying in the same non-terminal status.
func ValidateGroupTransition(from, to GroupStatus) error {
	if from == to && !from.IsTerminal() {
		return nil
	}
	for _, next := range groupTransitions[from] {
		if next == to {
			return nil
		}
	}
	return coord.NewValidationError("group cannot move from %s to %s", from, to)
}

// GroupState is a copy of a group as seen by callers.
type GroupState struct {
	ID            string                  `json:"id"`
	Members       []string                `json:"members"`
	Rhythm        Rhythm                  `json:"rhythm"`
	Status        GroupStatus             `json:"status"`
	CycleCount    int                     `json:"cycle_count"`
	LastSync      time.Time               `json:"last_sync"`
	EstablishedAt time.Time               `json:"established_at"`
	Metrics       *coord.CoherenceMetrics `json:"metrics,omitempty"`
}

// group is the live record plus the handle of its cycle loop.
type group struct {
	state  GroupState
	stats  *rollingStats
	cancel context.CancelFunc
	done   chan struct{}
}

func (g *group) snapshot() GroupState {
	s := g.state
	s.Members = append([]string(nil), g.state.Members...)
	s.Rhythm.Phases = append([]Phase(nil), g.state.Rhythm.Phases...)
	if g.state.Metrics != nil {
		m := *g.state.Metrics
		m.EmergentBehaviors = append([]string(nil), m.EmergentBehaviors...)
		s.Metrics = &m
	}
	return s
}

func (g *group) transition(to GroupStatus) error {
	if err := ValidateGroupTransition(g.state.Status, to); err != nil {
		return fmt.Errorf("group %s: %w", g.state.ID, err)
	}
	g.state.Status = to
	return nil
}

// Stats are the rolling barrier counters kept per group.
type Stats struct {
	Barriers    int           `json:"barriers"`
	Failures    int           `json:"failures"`
	MeanLatency time.Duration `json:"mean_latency"`
}

func (s Stats) ConflictRate() float64 {
	if s.Barriers == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Barriers)
}

const statsWindow = 50

type outcome struct {
	ok      bool
	latency time.Duration
}

// rollingStats keeps the last statsWindow barrier outcomes of a group.
type rollingStats struct {
	outcomes []outcome
}

func (r *rollingStats) add(o outcome) {
	r.outcomes = append(r.outcomes, o)
	if len(r.outcomes) > statsWindow {
		r.outcomes = r.outcomes[len(r.outcomes)-statsWindow:]
	}
}

func (r *rollingStats) stats() Stats {
	var s Stats
	var total time.Duration
	for _, o := range r.outcomes {
		s.Barriers++
		if !o.ok {
			s.Failures++
		}
		total += o.latency
	}
	if s.Barriers > 0 {
		s.MeanLatency = total / time.Duration(s.Barriers)
	}
	return s
}

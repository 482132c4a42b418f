package synchrony

import (
	"sort"
	"sync"
	"time"
)

// ReportStatus is what a participant reports against a barrier.
type ReportStatus string

const (
	ReportArrived   ReportStatus = "arrived"
	ReportCompleted ReportStatus = "completed"
	ReportFailed    ReportStatus = "failed"
)

func (s ReportStatus) IsValid() bool {
	switch s {
	case ReportArrived, ReportCompleted, ReportFailed:
		return true
	}
	return false
}

// barrier resolves once every participant completed, any participant
// failed, or the caller's timer fires. done is closed exactly once, by the
// report that decides the outcome.
type barrier struct {
	id           string
	groupID      string
	action       string
	participants map[string]struct{}
	arrived      map[string]struct{}
	completed    map[string]struct{}
	failed       map[string]struct{}
	timeout      time.Duration
	createdAt    time.Time

	once    sync.Once
	done    chan struct{}
	success bool
}

func newBarrier(id, groupID, action string, participants []string, timeout time.Duration, now time.Time) *barrier {
	b := &barrier{
		id:           id,
		groupID:      groupID,
		action:       action,
		participants: make(map[string]struct{}, len(participants)),
		arrived:      make(map[string]struct{}),
		completed:    make(map[string]struct{}),
		failed:       make(map[string]struct{}),
		timeout:      timeout,
		createdAt:    now,
		done:         make(chan struct{}),
	}
	for _, p := range participants {
		b.participants[p] = struct{}{}
	}
	return b
}

func (b *barrier) resolve(success bool) {
	b.once.Do(func() {
		b.success = success
		close(b.done)
	})
}

// record applies one report. Callers hold the engine lock.
func (b *barrier) record(agentID string, status ReportStatus) {
	if _, ok := b.participants[agentID]; !ok {
		return
	}
	switch status {
	case ReportArrived:
		b.arrived[agentID] = struct{}{}
	case ReportCompleted:
		b.arrived[agentID] = struct{}{}
		b.completed[agentID] = struct{}{}
		if len(b.completed) == len(b.participants) {
			b.resolve(true)
		}
	case ReportFailed:
		b.arrived[agentID] = struct{}{}
		b.failed[agentID] = struct{}{}
		b.resolve(false)
	}
}

// BarrierState is a copy of a live barrier.
type BarrierState struct {
	ID           string        `json:"id"`
	GroupID      string        `json:"group_id,omitempty"`
	Action       string        `json:"action"`
	Participants []string      `json:"participants"`
	Arrived      []string      `json:"arrived"`
	Completed    []string      `json:"completed"`
	Failed       []string      `json:"failed"`
	Timeout      time.Duration `json:"timeout"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (b *barrier) snapshot() BarrierState {
	return BarrierState{
		ID:           b.id,
		GroupID:      b.groupID,
		Action:       b.action,
		Participants: sortedKeys(b.participants),
		Arrived:      sortedKeys(b.arrived),
		Completed:    sortedKeys(b.completed),
		Failed:       sortedKeys(b.failed),
		Timeout:      b.timeout,
		CreatedAt:    b.createdAt,
	}
}

// BarrierOutcome is what a resolved barrier leaves behind.
type BarrierOutcome struct {
	BarrierState
	Success  bool          `json:"success"`
	TimedOut bool          `json:"timed_out"`
	Latency  time.Duration `json:"latency"`
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package coordinator

import (
	"encoding/json"
	"log/slog"

	"github.com/mtzanidakis/concord/internal/coherence"
	"github.com/mtzanidakis/concord/internal/conflict"
	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/resource"
	"github.com/mtzanidakis/concord/internal/store"
	"github.com/mtzanidakis/concord/internal/synchrony"
)

// Event types published for every journaled decision.
const (
	EventTaskDelegated    = "task_delegated"
	EventTaskStatus       = "task_status"
	EventBarrierResolved  = "barrier_resolved"
	EventCoherence        = "coherence"
	EventBehavior         = "behavior"
	EventResourceTransfer = "resource_transfer"
)

// EventPublisher fans coordination events out to live subscribers.
type EventPublisher interface {
	PublishEvent(kind string, data any)
}

// Recorder writes coordination decisions to the store and publishes them as
// events. Either side may be nil. Store failures are logged and never reach
// the coordination path.
type Recorder struct {
	store  *store.Store
	events EventPublisher
}

func NewRecorder(s *store.Store, events EventPublisher) *Recorder {
	return &Recorder{store: s, events: events}
}

func (r *Recorder) publish(kind string, data any) {
	if r.events != nil {
		r.events.PublishEvent(kind, data)
	}
}

func (r *Recorder) RecordAssignment(task coord.Task, d conflict.Decision) {
	r.publish(EventTaskDelegated, map[string]any{"task": task, "decision": d})
	if r.store == nil {
		return
	}
	a := &store.Assignment{TaskID: task.ID, TaskType: task.Type, AgentID: d.Winner}
	if len(d.Scores) > 0 {
		a.Score = d.Scores[0].Score
		if data, err := json.Marshal(d.Scores); err == nil {
			a.Scores = data
		}
	}
	if err := r.store.SaveAssignment(a); err != nil {
		slog.Error("journal assignment", "task", task.ID, "error", err)
	}
	r.saveTaskEvent(task)
}

func (r *Recorder) RecordTaskStatus(task coord.Task) {
	r.publish(EventTaskStatus, task)
	if r.store != nil {
		r.saveTaskEvent(task)
	}
}

func (r *Recorder) saveTaskEvent(task coord.Task) {
	e := &store.TaskEvent{TaskID: task.ID, AgentID: task.AssignedTo, Status: string(task.Status)}
	if err := r.store.SaveTaskEvent(e); err != nil {
		slog.Error("journal task event", "task", task.ID, "status", task.Status, "error", err)
	}
}

func (r *Recorder) RecordBarrier(o synchrony.BarrierOutcome) {
	r.publish(EventBarrierResolved, o)
	if r.store == nil {
		return
	}
	err := r.store.SaveBarrierOutcome(&store.BarrierOutcome{
		ID:           o.ID,
		GroupID:      o.GroupID,
		Action:       o.Action,
		Participants: o.Participants,
		Completed:    o.Completed,
		Failed:       o.Failed,
		Success:      o.Success,
		TimedOut:     o.TimedOut,
		LatencyMS:    o.Latency.Milliseconds(),
	})
	if err != nil {
		slog.Error("journal barrier", "barrier", o.ID, "error", err)
	}
}

func (r *Recorder) RecordCoherence(m coord.CoherenceMetrics) {
	r.publish(EventCoherence, m)
	if r.store == nil {
		return
	}
	err := r.store.SaveCoherenceSnapshot(&store.CoherenceSnapshot{
		GroupID:      m.GroupID,
		AgentCount:   m.AgentCount,
		SyncRate:     m.SynchronizationRate,
		Cohesion:     m.CohesionIndex,
		ConflictRate: m.ConflictRate,
		LatencyMS:    m.ResponseLatency.Milliseconds(),
		Tags:         m.EmergentBehaviors,
		Degraded:     m.Degraded,
		CreatedAt:    m.Timestamp,
	})
	if err != nil {
		slog.Error("journal coherence", "group", m.GroupID, "error", err)
	}
}

func (r *Recorder) RecordBehavior(rec coherence.Record) {
	r.publish(EventBehavior, rec)
	if r.store == nil {
		return
	}
	b := &store.Behavior{
		GroupID:    rec.GroupID,
		Type:       rec.Behavior.Type,
		Strength:   rec.Behavior.Strength,
		Originator: rec.Behavior.Originator,
		Kind:       string(rec.Kind),
		Notified:   rec.Notified,
		CreatedAt:  rec.At,
	}
	if len(rec.Behavior.Details) > 0 {
		if data, err := json.Marshal(rec.Behavior.Details); err == nil {
			b.Details = data
		}
	}
	if err := r.store.SaveBehavior(b); err != nil {
		slog.Error("journal behavior", "group", rec.GroupID, "error", err)
	}
}

// RecordTransfer matches resource.TransferHandler.
func (r *Recorder) RecordTransfer(t resource.Transfer) {
	r.publish(EventResourceTransfer, t)
	if r.store == nil {
		return
	}
	err := r.store.SaveTransfer(&store.Transfer{
		Resource:  t.Resource,
		From:      t.From,
		To:        t.To,
		Reason:    string(t.Reason),
		CreatedAt: t.At,
	})
	if err != nil {
		slog.Error("journal transfer", "resource", t.Resource, "error", err)
	}
}

package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/concord/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &Agent{ID: "w1", Role: "worker", Parent: "boss", Capabilities: []string{"go", "sql"}}
	if err := s.SaveAgent(a); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := s.GetAgent("w1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.Role != "worker" || got.Parent != "boss" {
		t.Errorf("unexpected agent %+v", got)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[1] != "sql" {
		t.Errorf("expected capabilities [go sql], got %v", got.Capabilities)
	}
	if got.Status != "idle" {
		t.Errorf("expected default status idle, got %s", got.Status)
	}

	if err := s.UpdateAgentState("w1", 0.7, "busy"); err != nil {
		t.Fatalf("update agent state: %v", err)
	}
	got, _ = s.GetAgent("w1")
	if got.Load != 0.7 || got.Status != "busy" {
		t.Errorf("expected busy at 0.7, got %s at %v", got.Status, got.Load)
	}

	// Not found
	got, err = s.GetAgent("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent agent")
	}

	_ = s.SaveAgent(&Agent{ID: "boss", Role: "lead"})
	_ = s.SaveAgent(&Agent{ID: "w2", Role: "worker"})
	if err := s.DeleteAgentsNotIn([]string{"boss", "w1"}); err != nil {
		t.Fatalf("delete agents not in: %v", err)
	}
	agents, _ := s.ListAgents()
	if len(agents) != 2 || agents[0].ID != "boss" || agents[1].ID != "w1" {
		t.Errorf("expected [boss w1], got %+v", agents)
	}

	if err := s.DeleteAgent("boss"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	agents, _ = s.ListAgents()
	if len(agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(agents))
	}
}

func TestAssignmentsAndTaskHistory(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	scores, _ := json.Marshal([]map[string]any{{"agent_id": "w1", "score": 0.9}})
	for i, task := range []string{"t1", "t2", "t3"} {
		a := &Assignment{TaskID: task, TaskType: "build", AgentID: "w1", Score: 0.9, Scores: scores, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveAssignment(a); err != nil {
			t.Fatalf("save assignment: %v", err)
		}
		if a.ID == 0 {
			t.Error("expected assignment id to be set")
		}
	}

	list, err := s.ListAssignments(2)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(list) != 2 || list[0].TaskID != "t3" {
		t.Errorf("expected newest first, got %+v", list)
	}
	if string(list[0].Scores) != string(scores) {
		t.Errorf("expected scores to round trip, got %s", list[0].Scores)
	}

	for i, st := range []string{"assigned", "in_progress", "completed"} {
		_ = s.SaveTaskEvent(&TaskEvent{TaskID: "t1", AgentID: "w1", Status: st, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	history, err := s.GetTaskHistory("t1")
	if err != nil {
		t.Fatalf("get task history: %v", err)
	}
	if len(history) != 3 || history[0].Status != "assigned" || history[2].Status != "completed" {
		t.Errorf("expected chronological history, got %+v", history)
	}
}

func TestBarrierOutcomes(t *testing.T) {
	s := newTestStore(t)

	ok := &BarrierOutcome{ID: "b1", GroupID: "crew", Action: "pulse", Participants: []string{"a", "b"}, Completed: []string{"a", "b"}, Success: true, LatencyMS: 12}
	failed := &BarrierOutcome{ID: "b2", Action: "adhoc", Participants: []string{"a"}, TimedOut: true}
	for _, b := range []*BarrierOutcome{ok, failed} {
		if err := s.SaveBarrierOutcome(b); err != nil {
			t.Fatalf("save barrier outcome: %v", err)
		}
	}
	// Saving the same barrier twice is a no-op.
	if err := s.SaveBarrierOutcome(ok); err != nil {
		t.Fatalf("resave barrier outcome: %v", err)
	}

	crew, err := s.ListBarrierOutcomes("crew", 10)
	if err != nil {
		t.Fatalf("list barrier outcomes: %v", err)
	}
	if len(crew) != 1 || !crew[0].Success || len(crew[0].Completed) != 2 {
		t.Errorf("unexpected crew outcomes %+v", crew)
	}
	if len(crew[0].Failed) != 0 {
		t.Errorf("expected no failures, got %v", crew[0].Failed)
	}

	all, _ := s.ListBarrierOutcomes("", 10)
	if len(all) != 2 {
		t.Errorf("expected 2 outcomes, got %d", len(all))
	}
}

func TestCoherenceAndBehaviors(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		snap := &CoherenceSnapshot{
			GroupID:    "crew",
			AgentCount: 3,
			SyncRate:   1,
			Cohesion:   float64(i) / 2,
			Tags:       []string{"stable_rhythm"},
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveCoherenceSnapshot(snap); err != nil {
			t.Fatalf("save snapshot: %v", err)
		}
	}
	history, err := s.GetCoherenceHistory("crew", 2)
	if err != nil {
		t.Fatalf("get coherence history: %v", err)
	}
	if len(history) != 2 || history[0].Cohesion != 0.5 || history[1].Cohesion != 1 {
		t.Errorf("expected last two snapshots in order, got %+v", history)
	}
	if len(history[0].Tags) != 1 || history[0].Tags[0] != "stable_rhythm" {
		t.Errorf("expected tags to round trip, got %v", history[0].Tags)
	}

	details, _ := json.Marshal(map[string]any{"source": "monitor"})
	b := &Behavior{GroupID: "crew", Type: "conflict", Strength: 0.9, Originator: "a", Kind: "disruptive", Notified: 3, Details: details}
	if err := s.SaveBehavior(b); err != nil {
		t.Fatalf("save behavior: %v", err)
	}
	behaviors, err := s.ListBehaviors("crew", 10)
	if err != nil {
		t.Fatalf("list behaviors: %v", err)
	}
	if len(behaviors) != 1 || behaviors[0].Kind != "disruptive" || behaviors[0].Notified != 3 {
		t.Errorf("unexpected behaviors %+v", behaviors)
	}
}

func TestTransfers(t *testing.T) {
	s := newTestStore(t)

	_ = s.SaveTransfer(&Transfer{Resource: "gpu", To: "a", Reason: "allocated"})
	_ = s.SaveTransfer(&Transfer{Resource: "gpu", From: "a", To: "b", Reason: "released"})
	_ = s.SaveTransfer(&Transfer{Resource: "disk", To: "c", Reason: "allocated"})

	gpu, err := s.ListTransfers("gpu", 10)
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(gpu) != 2 || gpu[0].From != "a" || gpu[0].To != "b" {
		t.Errorf("expected newest gpu transfer first, got %+v", gpu)
	}
}

func TestExportAndPrune(t *testing.T) {
	s := newTestStore(t)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_ = s.SaveAssignment(&Assignment{TaskID: "t-old", TaskType: "x", AgentID: "a", CreatedAt: old})
	_ = s.SaveAssignment(&Assignment{TaskID: "t-new", TaskType: "x", AgentID: "a", CreatedAt: recent})
	_ = s.SaveTaskEvent(&TaskEvent{TaskID: "t-new", Status: "assigned", CreatedAt: recent})
	_ = s.SaveBarrierOutcome(&BarrierOutcome{ID: "b1", Action: "go", Participants: []string{"a"}, Success: true, CreatedAt: recent})
	_ = s.SaveCoherenceSnapshot(&CoherenceSnapshot{GroupID: "g", CreatedAt: old})
	_ = s.SaveBehavior(&Behavior{GroupID: "g", Type: "drift", Kind: "neutral", CreatedAt: recent})
	_ = s.SaveTransfer(&Transfer{Resource: "gpu", Reason: "expired", CreatedAt: recent})

	var kinds []string
	err := s.Export(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), func(r Record) error {
		kinds = append(kinds, r.Kind)
		if r.At.Before(recent) {
			t.Errorf("exported record older than since: %+v", r)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := []string{KindAssignment, KindTaskEvent, KindBarrier, KindBehavior, KindTransfer}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("expected kinds %v, got %v", want, kinds)
			break
		}
	}

	stop := errors.New("stop")
	calls := 0
	err = s.Export(time.Time{}, func(Record) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("expected export to stop after first error, got %v after %d calls", err, calls)
	}

	n, err := s.PruneBefore(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows pruned, got %d", n)
	}
	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[KindAssignment] != 1 || counts[KindCoherence] != 0 || counts[KindTransfer] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

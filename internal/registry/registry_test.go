package registry

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/concord/internal/agent"
	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/conflict"
	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/store"
	"github.com/mtzanidakis/concord/internal/synchrony"
)

type fakeGroups struct {
	established map[string]synchrony.Rhythm
	stopped     []string
}

func (f *fakeGroups) EstablishGroupRhythm(id string, members []string, r synchrony.Rhythm) (synchrony.GroupState, error) {
	if err := r.Validate(members); err != nil {
		return synchrony.GroupState{}, err
	}
	f.established[id] = r
	return synchrony.GroupState{ID: id, Members: members, Rhythm: r}, nil
}

func (f *fakeGroups) StopGroupRhythm(id string) (synchrony.GroupState, error) {
	if _, ok := f.established[id]; !ok {
		return synchrony.GroupState{}, &coord.NotFoundError{Kind: "group", ID: id}
	}
	delete(f.established, id)
	f.stopped = append(f.stopped, id)
	return synchrony.GroupState{ID: id}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Coordination: config.CoordinationConfig{BarrierTimeout: time.Second, AckTimeout: time.Second},
		Roles: map[string]config.RoleDefinition{
			"lead":   {Priority: 0.9, Capabilities: []string{"planning"}},
			"worker": {Priority: 0.4},
		},
		Agents: map[string]config.AgentDefinition{
			"boss":  {Role: "lead"},
			"w1":    {Role: "worker", Parent: "boss", Capabilities: []string{"go"}},
			"w2":    {Role: "worker", Parent: "w1", Capabilities: []string{"sql"}},
			"loose": {Capabilities: []string{"docs"}},
		},
		Groups: map[string]config.GroupDefinition{
			"pulse": {Members: []string{"w1", "w2"}, Pattern: "heartbeat", Interval: time.Second},
		},
	}
}

func newTestRegistry(t *testing.T, cfg *config.Config) (*Registry, *agent.Orchestrator, *store.Store, *fakeGroups) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	orch := agent.NewOrchestrator(conflict.NewResolver(), nil)
	groups := &fakeGroups{established: make(map[string]synchrony.Rhythm)}
	return New(s, orch, groups, cfg), orch, s, groups
}

func TestSync(t *testing.T) {
	reg, orch, s, groups := newTestRegistry(t, testConfig())

	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	h := orch.Hierarchy()
	if h.Root != "boss" {
		t.Errorf("expected root boss, got %q", h.Root)
	}
	want := map[string]string{"boss": "", "w1": "boss", "w2": "w1", "loose": "boss"}
	for id, parent := range want {
		if h.Parents[id] != parent {
			t.Errorf("expected parent of %s to be %q, got %q", id, parent, h.Parents[id])
		}
	}

	a, err := orch.Agent("w1")
	if err != nil {
		t.Fatalf("get w1: %v", err)
	}
	if a.Role == nil || a.Role.Name != "worker" || a.Role.Priority != 0.4 {
		t.Errorf("unexpected role %+v", a.Role)
	}
	if !a.Capabilities.Has("go") {
		t.Errorf("expected capability go, got %v", a.Capabilities.Slice())
	}

	rows, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 persisted agents, got %d", len(rows))
	}
	if rows[3].ID != "w2" || rows[3].Parent != "w1" || rows[3].Role != "worker" {
		t.Errorf("unexpected persisted agent %+v", rows[3])
	}

	if _, ok := groups.established["pulse"]; !ok {
		t.Error("expected group pulse to be established")
	}
}

func TestSyncDeletesStale(t *testing.T) {
	reg, _, s, _ := newTestRegistry(t, testConfig())
	_ = s.SaveAgent(&store.Agent{ID: "stale"})

	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	stale, err := s.GetAgent("stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale != nil {
		t.Error("expected stale agent to be deleted")
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	reg, orch, _, _ := newTestRegistry(t, testConfig())
	if err := reg.Sync(); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := reg.Sync(); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if n := len(orch.Agents()); n != 4 {
		t.Errorf("expected 4 agents, got %d", n)
	}
}

func TestValidate(t *testing.T) {
	cfg := testConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid roster, got %v", err)
	}

	cfg.Agents["a"] = config.AgentDefinition{Parent: "b"}
	cfg.Agents["b"] = config.AgentDefinition{Parent: "a"}
	cfg.Agents["c"] = config.AgentDefinition{Role: "ghost", Parent: "nowhere"}

	err := Validate(cfg)
	var ve *coord.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	joined := strings.Join(ve.Problems, "\n")
	for _, want := range []string{"unknown role ghost", "unknown parent nowhere", "cycle"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected a problem mentioning %q, got:\n%s", want, joined)
		}
	}
}

func TestSyncRejectsInvalidRoster(t *testing.T) {
	cfg := testConfig()
	cfg.Agents["w1"] = config.AgentDefinition{Parent: "w2"}
	reg, orch, _, _ := newTestRegistry(t, cfg)

	if err := reg.Sync(); !errors.Is(err, coord.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(orch.Agents()); n != 0 {
		t.Errorf("expected nothing loaded, got %d agents", n)
	}
}

func TestApply(t *testing.T) {
	old := testConfig()
	reg, orch, s, groups := newTestRegistry(t, old)
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	next := testConfig()
	delete(next.Agents, "loose")
	next.Agents["w3"] = config.AgentDefinition{Role: "worker", Parent: "w2"}
	next.Agents["w2"] = config.AgentDefinition{Role: "worker", Parent: "boss", Capabilities: []string{"sql", "etl"}}
	next.Roles["worker"] = config.RoleDefinition{Priority: 0.6}
	next.Groups["pulse"] = config.GroupDefinition{Members: []string{"w1", "w2", "w3"}, Pattern: "heartbeat", Interval: 2 * time.Second}

	d := config.Diff(old, next)
	if err := reg.Apply(next, d); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, err := orch.Agent("loose"); !errors.Is(err, coord.ErrNotFound) {
		t.Errorf("expected loose to be removed, got %v", err)
	}
	if got, _ := s.GetAgent("loose"); got != nil {
		t.Error("expected loose to be deleted from the store")
	}

	h := orch.Hierarchy()
	if h.Parents["w3"] != "w2" || h.Parents["w2"] != "boss" {
		t.Errorf("unexpected parents %v", h.Parents)
	}

	w2, _ := orch.Agent("w2")
	if !w2.Capabilities.Has("etl") {
		t.Errorf("expected w2 to gain etl, got %v", w2.Capabilities.Slice())
	}
	// w1 is untouched in the roster but its role changed.
	w1, _ := orch.Agent("w1")
	if w1.Role == nil || w1.Role.Priority != 0.6 {
		t.Errorf("expected w1 role priority 0.6, got %+v", w1.Role)
	}

	if !slices.Contains(groups.stopped, "pulse") {
		t.Error("expected changed group to be stopped first")
	}
	if r := groups.established["pulse"]; r.Interval != 2*time.Second {
		t.Errorf("expected pulse re-established at 2s, got %v", r.Interval)
	}
	if reg.Config() != next {
		t.Error("expected registry to hold the new config")
	}
}

func TestApplyRejectsInvalidRoster(t *testing.T) {
	old := testConfig()
	reg, _, _, _ := newTestRegistry(t, old)
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	next := testConfig()
	next.Agents["w1"] = config.AgentDefinition{Role: "nobody"}
	if err := reg.Apply(next, config.Diff(old, next)); !errors.Is(err, coord.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if reg.Config() != old {
		t.Error("expected the old config to be kept")
	}
}

func TestRoles(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t, testConfig())

	roles := reg.Roles()
	if len(roles) != 2 || roles[0].Name != "lead" || roles[1].Name != "worker" {
		t.Fatalf("unexpected roles %+v", roles)
	}
	if r := reg.Role("lead"); r == nil || !r.Capabilities.Has("planning") {
		t.Errorf("unexpected lead role %+v", r)
	}
	if reg.Role("ghost") != nil || reg.Role("") != nil {
		t.Error("expected nil for unknown roles")
	}
}

func TestRhythmFor(t *testing.T) {
	r := RhythmFor(config.GroupDefinition{
		Pattern:  "sequential",
		Interval: 5 * time.Second,
		Phases: []config.PhaseDefinition{
			{Name: "plan", Action: "plan", Duration: time.Second},
			{Name: "build", Action: "build", Agents: []string{"w1"}},
		},
	})
	if r.Pattern != synchrony.PatternSequential || r.Interval != 5*time.Second {
		t.Errorf("unexpected rhythm %+v", r)
	}
	if len(r.Phases) != 2 || r.Phases[1].Agents[0] != "w1" || r.Phases[0].Duration != time.Second {
		t.Errorf("unexpected phases %+v", r.Phases)
	}
}

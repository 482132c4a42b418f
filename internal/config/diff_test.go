package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := &Config{
		Agents: map[string]AgentDefinition{
			"boss": {Role: "lead"},
		},
		Roles:        map[string]RoleDefinition{"lead": {Priority: 0.9}},
		Coordination: CoordinationConfig{AckTimeout: time.Second},
	}
	d := Diff(cfg, cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
}

func TestDiff_Agents(t *testing.T) {
	old := &Config{
		Agents: map[string]AgentDefinition{
			"boss": {Role: "lead"},
			"w1":   {Role: "worker", Parent: "boss"},
			"w2":   {Role: "worker", Parent: "boss"},
		},
	}
	new := &Config{
		Agents: map[string]AgentDefinition{
			"boss": {Role: "lead"},
			"w1":   {Role: "worker", Parent: "boss", Capabilities: []string{"go"}},
			"w3":   {Role: "worker"},
			"w0":   {Role: "worker"},
		},
	}
	d := Diff(old, new)
	if len(d.AgentsAdded) != 2 || d.AgentsAdded[0] != "w0" || d.AgentsAdded[1] != "w3" {
		t.Errorf("expected w0,w3 added, got %v", d.AgentsAdded)
	}
	if len(d.AgentsRemoved) != 1 || d.AgentsRemoved[0] != "w2" {
		t.Errorf("expected w2 removed, got %v", d.AgentsRemoved)
	}
	if len(d.AgentsChanged) != 1 || d.AgentsChanged[0] != "w1" {
		t.Errorf("expected w1 changed, got %v", d.AgentsChanged)
	}
	if !d.HasChanges() {
		t.Error("expected changes")
	}
}

func TestDiff_RolesAndGroups(t *testing.T) {
	old := &Config{
		Roles:  map[string]RoleDefinition{"lead": {Priority: 0.9}, "old": {}},
		Groups: map[string]GroupDefinition{"crew": {Interval: time.Second}},
	}
	new := &Config{
		Roles:  map[string]RoleDefinition{"lead": {Priority: 0.8}, "fresh": {}},
		Groups: map[string]GroupDefinition{"crew": {Interval: 2 * time.Second}, "pod": {}},
	}
	d := Diff(old, new)
	want := []string{"fresh", "lead", "old"}
	if len(d.RolesChanged) != len(want) {
		t.Fatalf("expected %v, got %v", want, d.RolesChanged)
	}
	for i := range want {
		if d.RolesChanged[i] != want[i] {
			t.Errorf("expected %v, got %v", want, d.RolesChanged)
		}
	}
	if len(d.GroupsChanged) != 1 || d.GroupsChanged[0] != "crew" {
		t.Errorf("expected crew changed, got %v", d.GroupsChanged)
	}
	if len(d.GroupsAdded) != 1 || d.GroupsAdded[0] != "pod" {
		t.Errorf("expected pod added, got %v", d.GroupsAdded)
	}
}

func TestDiff_CoordinationAndScheduler(t *testing.T) {
	old := &Config{
		Coordination: CoordinationConfig{BarrierTimeout: time.Second},
		Scheduler:    SchedulerConfig{ResourceSweep: "@every 5s"},
	}
	new := &Config{
		Coordination: CoordinationConfig{BarrierTimeout: 2 * time.Second},
		Scheduler:    SchedulerConfig{ResourceSweep: "@every 10s"},
	}
	d := Diff(old, new)
	if !d.CoordinationChanged || d.NewCoordination.BarrierTimeout != 2*time.Second {
		t.Errorf("expected coordination change, got %+v", d)
	}
	if !d.SchedulerChanged || d.NewScheduler.ResourceSweep != "@every 10s" {
		t.Errorf("expected scheduler change, got %+v", d)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := &Config{
		Web:   WebConfig{Port: 8080},
		NATS:  NATSConfig{Port: 4222, DataDir: "/data/nats"},
		Store: StoreConfig{Path: "a.db"},
	}
	new := &Config{
		Web:   WebConfig{Port: 9090},
		NATS:  NATSConfig{Port: 4222, DataDir: "/other/nats"},
		Store: StoreConfig{Path: "b.db"},
	}
	d := Diff(old, new)
	if d.HasChanges() {
		t.Error("non-reloadable changes should not count as reloadable")
	}
	if len(d.NonReloadable) != 3 {
		t.Errorf("expected 3 non-reloadable, got %v", d.NonReloadable)
	}
}

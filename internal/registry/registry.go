package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mtzanidakis/concord/internal/agent"
	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/store"
	"github.com/mtzanidakis/concord/internal/synchrony"
)

// Directory is the live agent directory the roster is loaded into.
type Directory interface {
	AddAgent(a coord.Agent, opts ...agent.AddOption) error
	RemoveAgent(id string) error
	UpdateProfile(id string, caps coord.CapabilitySet, role *coord.Role) error
	Reparent(id, parentID string) error
	Agent(id string) (coord.Agent, error)
}

// Groups runs the configured group rhythms.
type Groups interface {
	EstablishGroupRhythm(groupID string, agentIDs []string, rhythm synchrony.Rhythm) (synchrony.GroupState, error)
	StopGroupRhythm(groupID string) (synchrony.GroupState, error)
}

// Registry loads the configured roster into the directory, mirrors it to
// the store and keeps both in line with config reloads. store and groups
// may be nil.
type Registry struct {
	store  *store.Store
	dir    Directory
	groups Groups

	mu  sync.RWMutex
	cfg *config.Config
}

func New(s *store.Store, dir Directory, groups Groups, cfg *config.Config) *Registry {
	return &Registry{
		store:  s,
		dir:    dir,
		groups: groups,
		cfg:    cfg,
	}
}

func (r *Registry) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Role resolves a configured role by name. Unknown and empty names give nil.
func (r *Registry) Role(name string) *coord.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return roleFrom(r.cfg, name)
}

// Roles lists the configured roles sorted by name.
func (r *Registry) Roles() []coord.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cfg.Roles))
	for name := range r.cfg.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]coord.Role, 0, len(names))
	for _, name := range names {
		out = append(out, *roleFrom(r.cfg, name))
	}
	return out
}

func (r *Registry) Definition(id string) (config.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.cfg.Agents[id]
	return def, ok
}

func roleFrom(cfg *config.Config, name string) *coord.Role {
	def, ok := cfg.Roles[name]
	if name == "" || !ok {
		return nil
	}
	return &coord.Role{Name: name, Priority: def.Priority, Capabilities: coord.ParseCapabilities(def.Capabilities)}
}

// Validate checks the roster as a whole: every field-level problem of the
// config plus the shape of the hierarchy it describes.
func Validate(cfg *config.Config) error {
	problems := cfg.Validate()
	parents := resolveParents(cfg)
	if err := agent.HierarchyFromParents(parents).Validate(); err != nil {
		var ve *coord.ValidationError
		if errors.As(err, &ve) {
			problems = append(problems, ve.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return &coord.ValidationError{Problems: problems}
	}
	return nil
}

// resolveParents maps every agent to its effective parent. The smallest
// agent without a parent is the root; the other parentless agents and
// agents with an unknown parent hang under it.
func resolveParents(cfg *config.Config) map[string]string {
	root := ""
	for _, name := range cfg.AgentNames() {
		if cfg.Agents[name].Parent == "" {
			root = name
			break
		}
	}
	parents := make(map[string]string, len(cfg.Agents))
	for name, def := range cfg.Agents {
		p := def.Parent
		if _, ok := cfg.Agents[p]; !ok {
			p = root
		}
		if name == root {
			p = ""
		}
		parents[name] = p
	}
	return parents
}

// addOrder lists agents so that every parent comes before its children,
// starting from the root. Siblings are visited in sorted order.
func addOrder(parents map[string]string) []string {
	children := make(map[string][]string)
	var roots []string
	for id, p := range parents {
		if p == "" {
			roots = append(roots, id)
			continue
		}
		children[p] = append(children[p], id)
	}
	sort.Strings(roots)

	order := make([]string, 0, len(parents))
	seen := make(map[string]bool, len(parents))
	var visit func(id string)
	visit = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
		kids := children[id]
		sort.Strings(kids)
		for _, c := range kids {
			visit(c)
		}
	}
	for _, id := range roots {
		visit(id)
	}
	return order
}

// Sync loads the whole roster and starts every configured group. It is
// used at startup; reloads go through Apply.
func (r *Registry) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := Validate(r.cfg); err != nil {
		return err
	}

	parents := resolveParents(r.cfg)
	ids := addOrder(parents)
	for _, id := range ids {
		if err := r.upsertLocked(id, parents[id]); err != nil {
			return err
		}
	}

	if r.store != nil {
		if err := r.store.DeleteAgentsNotIn(ids); err != nil {
			return fmt.Errorf("delete stale agents: %w", err)
		}
	}

	names := make([]string, 0, len(r.cfg.Groups))
	for name := range r.cfg.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.establishLocked(name, r.cfg.Groups[name]); err != nil {
			return err
		}
	}

	slog.Info("roster synced", "agents", len(ids), "groups", len(names))
	return nil
}

// Apply moves the live roster from the current config to next, touching
// only what d names. On error the registry keeps next as its config so a
// later reload diffs against what was asked for.
func (r *Registry) Apply(next *config.Config, d config.ConfigDiff) error {
	if err := Validate(next); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = next

	if r.groups != nil {
		for _, name := range append(append([]string{}, d.GroupsRemoved...), d.GroupsChanged...) {
			if _, err := r.groups.StopGroupRhythm(name); err != nil && !errors.Is(err, coord.ErrNotFound) {
				slog.Warn("stop group", "group", name, "error", err)
			}
		}
	}

	for _, id := range d.AgentsRemoved {
		if err := r.dir.RemoveAgent(id); err != nil && !errors.Is(err, coord.ErrNotFound) {
			return fmt.Errorf("remove agent %s: %w", id, err)
		}
		if r.store != nil {
			if err := r.store.DeleteAgent(id); err != nil {
				return fmt.Errorf("delete agent %s: %w", id, err)
			}
		}
	}

	touched := make(map[string]bool)
	for _, id := range d.AgentsAdded {
		touched[id] = true
	}
	for _, id := range d.AgentsChanged {
		touched[id] = true
	}
	if len(d.RolesChanged) > 0 {
		changed := make(map[string]bool, len(d.RolesChanged))
		for _, role := range d.RolesChanged {
			changed[role] = true
		}
		for id, def := range next.Agents {
			if changed[def.Role] {
				touched[id] = true
			}
		}
	}

	parents := resolveParents(next)
	for _, id := range addOrder(parents) {
		if !touched[id] {
			continue
		}
		if err := r.upsertLocked(id, parents[id]); err != nil {
			return err
		}
	}

	for _, name := range append(append([]string{}, d.GroupsAdded...), d.GroupsChanged...) {
		if err := r.establishLocked(name, next.Groups[name]); err != nil {
			return err
		}
	}

	slog.Info("roster reloaded",
		"added", len(d.AgentsAdded), "removed", len(d.AgentsRemoved), "changed", len(touched)-len(d.AgentsAdded),
		"groups_added", len(d.GroupsAdded), "groups_removed", len(d.GroupsRemoved), "groups_changed", len(d.GroupsChanged))
	return nil
}

func (r *Registry) upsertLocked(id, parent string) error {
	def := r.cfg.Agents[id]
	role := roleFrom(r.cfg, def.Role)
	caps := coord.ParseCapabilities(def.Capabilities)

	current, err := r.dir.Agent(id)
	switch {
	case errors.Is(err, coord.ErrNotFound):
		a := coord.Agent{ID: id, Capabilities: caps, Status: coord.AgentIdle}
		if err := r.dir.AddAgent(a, agent.WithRole(role), agent.WithParent(parent)); err != nil {
			return fmt.Errorf("add agent %s: %w", id, err)
		}
		current = a
	case err != nil:
		return fmt.Errorf("lookup agent %s: %w", id, err)
	default:
		if err := r.dir.UpdateProfile(id, caps, role); err != nil {
			return fmt.Errorf("update agent %s: %w", id, err)
		}
		if parent != "" {
			if err := r.dir.Reparent(id, parent); err != nil {
				slog.Warn("reparent agent", "agent", id, "parent", parent, "error", err)
			}
		}
	}

	if r.store == nil {
		return nil
	}
	rec := &store.Agent{
		ID:           id,
		Role:         def.Role,
		Parent:       parent,
		Capabilities: def.Capabilities,
		Status:       string(current.Status),
		Load:         current.Load,
	}
	if err := r.store.SaveAgent(rec); err != nil {
		return fmt.Errorf("save agent %s: %w", id, err)
	}
	return nil
}

func (r *Registry) establishLocked(name string, def config.GroupDefinition) error {
	if r.groups == nil {
		return nil
	}
	if _, err := r.groups.EstablishGroupRhythm(name, def.Members, RhythmFor(def)); err != nil {
		return fmt.Errorf("establish group %s: %w", name, err)
	}
	return nil
}

// RhythmFor turns a configured group into a rhythm. Custom rhythms cannot be
// configured and fail validation when established.
func RhythmFor(def config.GroupDefinition) synchrony.Rhythm {
	rh := synchrony.Rhythm{
		Pattern:  synchrony.Pattern(def.Pattern),
		Interval: def.Interval,
		Action:   def.Action,
		Rest:     def.Rest,
	}
	for _, p := range def.Phases {
		rh.Phases = append(rh.Phases, synchrony.Phase{
			Name:     p.Name,
			Action:   p.Action,
			Agents:   p.Agents,
			Duration: p.Duration,
			Params:   p.Params,
		})
	}
	return rh
}

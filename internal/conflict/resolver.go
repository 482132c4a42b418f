// Package conflict picks winners among competing agents and orders tasks.
package conflict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/concord/internal/coord"
)

const defaultFairnessHorizon = 10 * time.Minute

type Resolver struct {
	mu              sync.RWMutex
	strategies      map[string]ResourceStrategy
	history         *History
	fairnessHorizon time.Duration
	now             func() time.Time
}

type Option func(*Resolver)

// WithFairnessHorizon sets the time-since-last-access that earns the full
// fairness score.
func WithFairnessHorizon(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fairnessHorizon = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		strategies: map[string]ResourceStrategy{
			StrategyPriority:   priorityStrategy{},
			StrategyFairness:   fairnessStrategy{},
			StrategyCapability: capabilityStrategy{},
		},
		history:         NewHistory(),
		fairnessHorizon: defaultFairnessHorizon,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) History() *History {
	return r.history
}

// RegisterResourceStrategy adds or replaces a named strategy.
func (r *Resolver) RegisterResourceStrategy(name string, s ResourceStrategy) error {
	if name == "" || s == nil {
		return coord.NewValidationError("strategy needs a name and an implementation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
	return nil
}

// Strategies lists registered strategy names in sorted order.
func (r *Resolver) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type resolveOptions struct {
	strategy string
}

type ResolveOption func(*resolveOptions)

// WithStrategy selects a registered strategy by name.
func WithStrategy(name string) ResolveOption {
	return func(o *resolveOptions) {
		if name != "" {
			o.strategy = name
		}
	}
}

// ResolveResourceConflict returns the agent that should get the resource.
// A single requester wins without scoring. The priority strategy is used
// unless another is named.
func (r *Resolver) ResolveResourceConflict(res Resource, requesters []Requester, opts ...ResolveOption) (string, error) {
	o := resolveOptions{strategy: StrategyPriority}
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.RLock()
	strategy, ok := r.strategies[o.strategy]
	r.mu.RUnlock()
	if !ok {
		return "", &coord.NotFoundError{Kind: "strategy", ID: o.strategy}
	}

	if len(requesters) == 0 {
		return "", coord.NewValidationError("resource %s has no requesters", res.ID)
	}

	now := r.now()
	winner := requesters[0].AgentID
	if len(requesters) > 1 {
		var err error
		winner, err = strategy.Select(Contest{
			Resource:        res,
			Requesters:      requesters,
			History:         r.history,
			Now:             now,
			FairnessHorizon: r.fairnessHorizon,
		})
		if err != nil {
			return "", fmt.Errorf("strategy %s: %w", o.strategy, err)
		}
	}
	r.history.RecordAccess(winner, now)
	return winner, nil
}

// RecordOutcome feeds task results back into the success-rate term.
func (r *Resolver) RecordOutcome(agentID string, success bool) {
	r.history.RecordOutcome(agentID, success)
}

const (
	weightTaskCapability     = 0.40
	weightTaskLoad           = 0.20
	weightTaskAlignment      = 0.20
	weightTaskSpecialization = 0.20
)

// Score is one candidate's weighted result.
type Score struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
	Load    float64 `json:"load"`
}

// Decision is the outcome of a task contest, scores ranked best first.
type Decision struct {
	Winner string  `json:"winner"`
	Scores []Score `json:"scores"`
}

// ScoreTask weighs an agent for a task: capability match 40%, inverse load
// 20%, role priority alignment 20%, specialization 20%.
func ScoreTask(task coord.Task, a coord.Agent) float64 {
	capability := 1.0
	if n := len(task.RequiredCapabilities); n > 0 {
		capability = float64(a.Capabilities.Matches(task.RequiredCapabilities)) / float64(n)
	}

	alignment := 0.5
	if a.Role != nil {
		diff := a.Role.Priority - task.Priority
		if diff < 0 {
			diff = -diff
		}
		alignment = 1 - clamp01(diff)
	}

	specialization := 0.0
	if task.Type != "" {
		switch {
		case a.Role != nil && a.Role.Capabilities.Has(coord.Capability(task.Type)):
			specialization = 1
		case a.Capabilities.Has(coord.Capability(task.Type)):
			specialization = 0.5
		}
	}

	return weightTaskCapability*capability +
		weightTaskLoad*(1-clamp01(a.Load)) +
		weightTaskAlignment*alignment +
		weightTaskSpecialization*specialization
}

// ResolveTaskConflict ranks candidates for a task. Ties go to the lowest
// load, then the lexicographically smallest id.
func (r *Resolver) ResolveTaskConflict(task coord.Task, candidates []coord.Agent) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, &coord.NoEligibleAgentError{TaskID: task.ID}
	}
	scores := make([]Score, len(candidates))
	for i, a := range candidates {
		scores[i] = Score{AgentID: a.ID, Score: ScoreTask(task, a), Load: a.Load}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		return better(a.Score, a.Load, a.AgentID, b.Score, b.Load, b.AgentID)
	})
	return Decision{Winner: scores[0].AgentID, Scores: scores}, nil
}

// ResolvePriorityConflict orders tasks by priority descending, then deadline
// ascending. Tasks without a deadline follow those with one at equal
// priority. The input slice is not modified.
func (r *Resolver) ResolvePriorityConflict(tasks []coord.Task) []coord.Task {
	out := append([]coord.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.Deadline != nil && b.Deadline != nil:
			return a.Deadline.Before(*b.Deadline)
		case a.Deadline != nil:
			return true
		default:
			return false
		}
	})
	return out
}

// ResolveCircularDependency returns the tasks in dependency order,
// dependencies first. Dependencies on ids outside the set are treated as
// already satisfied.
func (r *Resolver) ResolveCircularDependency(tasks []coord.Task) ([]coord.Task, error) {
	byID := make(map[string]coord.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tasks))
	order := make([]coord.Task, 0, len(tasks))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch state[dep] {
			case visiting:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				return &coord.CircularDependencyError{Cycle: append([]string(nil), stack[start:]...)}
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		order = append(order, byID[id])
		return nil
	}

	for _, t := range tasks {
		if state[t.ID] == unvisited {
			if err := visit(t.ID); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

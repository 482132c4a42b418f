// Package agent owns the agent directory and hierarchy, delegates tasks and
// messages agents through a Transport.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/concord/internal/conflict"
	"github.com/mtzanidakis/concord/internal/coord"
)

// SenderID is the From field on every message the orchestrator sends.
const SenderID = "orchestrator"

const defaultAckTimeout = 10 * time.Second

// Transport delivers messages to agents. Request waits for the agent's reply.
type Transport interface {
	Send(ctx context.Context, msg coord.Message) error
	Request(ctx context.Context, msg coord.Message) (coord.Message, error)
}

// Resources is the slice of the resource manager the orchestrator needs.
type Resources interface {
	Enqueue(resource, agentID string, d time.Duration) (int, error)
	ReleaseAll(agentID string) []string
}

// Journal records coordination decisions. Implementations must not block.
type Journal interface {
	RecordAssignment(task coord.Task, decision conflict.Decision)
	RecordTaskStatus(task coord.Task)
}

type Orchestrator struct {
	mu        sync.RWMutex
	agents    map[string]*coord.Agent
	hierarchy *Hierarchy
	tasks     map[string]*coord.Task

	resolver   *conflict.Resolver
	transport  Transport
	resources  Resources
	journal    Journal
	activity   *ActivityTracker
	ackTimeout time.Duration
}

type Option func(*Orchestrator)

func WithResources(r Resources) Option {
	return func(o *Orchestrator) { o.resources = r }
}

func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithAckTimeout bounds how long delegation waits for an agent to
// acknowledge an assignment.
func WithAckTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.activity = NewActivityTracker(now) }
}

func NewOrchestrator(resolver *conflict.Resolver, transport Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agents:     make(map[string]*coord.Agent),
		hierarchy:  NewHierarchy(),
		tasks:      make(map[string]*coord.Task),
		resolver:   resolver,
		transport:  transport,
		activity:   NewActivityTracker(nil),
		ackTimeout: defaultAckTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type addOptions struct {
	role   *coord.Role
	parent string
}

type AddOption func(*addOptions)

func WithRole(role *coord.Role) AddOption {
	return func(o *addOptions) { o.role = role }
}

func WithParent(id string) AddOption {
	return func(o *addOptions) { o.parent = id }
}

// AddAgent registers an agent and places it in the hierarchy.
func (o *Orchestrator) AddAgent(a coord.Agent, opts ...AddOption) error {
	var ao addOptions
	for _, opt := range opts {
		opt(&ao)
	}
	if ao.role != nil {
		a.Role = ao.role
	}
	if a.Status == "" {
		a.Status = coord.AgentIdle
	}
	if a.Capabilities == nil {
		a.Capabilities = coord.NewCapabilitySet()
	}
	if err := a.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.agents[a.ID]; ok {
		return &coord.DuplicateAgentError{ID: a.ID}
	}
	stored := a.Clone()
	if err := o.hierarchy.Add(a.ID, ao.parent, stored.Role); err != nil {
		return err
	}
	o.agents[a.ID] = &stored
	o.activity.Touch(a.ID)

	slog.Info("agent added", "agent", a.ID, "parent", o.hierarchy.Parent(a.ID), "role", roleName(stored.Role))
	return nil
}

// RemoveAgent deregisters an agent. Its children move to its parent and any
// resources it holds or waits on are released.
func (o *Orchestrator) RemoveAgent(id string) error {
	o.mu.Lock()
	if _, ok := o.agents[id]; !ok {
		o.mu.Unlock()
		return &coord.NotFoundError{Kind: "agent", ID: id}
	}
	delete(o.agents, id)
	o.hierarchy.Remove(id)
	o.mu.Unlock()

	o.activity.Remove(id)
	o.resolver.History().Forget(id)
	if o.resources != nil {
		if released := o.resources.ReleaseAll(id); len(released) > 0 {
			slog.Info("released resources of removed agent", "agent", id, "resources", released)
		}
	}
	slog.Info("agent removed", "agent", id)
	return nil
}

func (o *Orchestrator) Agent(id string) (coord.Agent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[id]
	if !ok {
		return coord.Agent{}, &coord.NotFoundError{Kind: "agent", ID: id}
	}
	return a.Clone(), nil
}

// Agents returns every registered agent sorted by id.
func (o *Orchestrator) Agents() []coord.Agent {
	return o.filter(func(coord.Agent) bool { return true })
}

func (o *Orchestrator) AgentsByRole(role string) []coord.Agent {
	return o.filter(func(a coord.Agent) bool { return a.Role != nil && a.Role.Name == role })
}

func (o *Orchestrator) AgentsByCapability(c coord.Capability) []coord.Agent {
	return o.filter(func(a coord.Agent) bool { return a.Capabilities.Has(c) })
}

func (o *Orchestrator) filter(keep func(coord.Agent) bool) []coord.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]coord.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		if keep(*a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateAgent applies load and status feedback from the agent-management
// layer. An empty status leaves the current one.
func (o *Orchestrator) UpdateAgent(id string, load float64, status coord.AgentStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[id]
	if !ok {
		return &coord.NotFoundError{Kind: "agent", ID: id}
	}
	next := *a
	next.Load = load
	if status != "" {
		next.Status = status
	}
	if err := next.Validate(); err != nil {
		return err
	}
	a.Load, a.Status = next.Load, next.Status
	o.activity.Touch(id)
	return nil
}

// UpdateProfile replaces an agent's capabilities and role.
func (o *Orchestrator) UpdateProfile(id string, caps coord.CapabilitySet, role *coord.Role) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[id]
	if !ok {
		return &coord.NotFoundError{Kind: "agent", ID: id}
	}
	a.Capabilities = caps.Clone()
	a.Role = role.Clone()
	o.hierarchy.SetRole(id, a.Role)
	return nil
}

// Touch marks an agent as recently heard from.
func (o *Orchestrator) Touch(id string) {
	o.mu.RLock()
	_, ok := o.agents[id]
	o.mu.RUnlock()
	if ok {
		o.activity.Touch(id)
	}
}

// MarkIdleOffline sets agents silent for longer than timeout to offline and
// returns their ids.
func (o *Orchestrator) MarkIdleOffline(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	var marked []string
	idle := o.activity.ListIdle(timeout)
	o.mu.Lock()
	for _, id := range idle {
		a, ok := o.agents[id]
		if !ok || a.Status == coord.AgentOffline {
			continue
		}
		a.Status = coord.AgentOffline
		marked = append(marked, id)
	}
	o.mu.Unlock()
	for _, id := range marked {
		slog.Info("agent marked offline", "agent", id, "idle_timeout", timeout)
	}
	return marked
}

func (o *Orchestrator) Reparent(id, parentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hierarchy.Reparent(id, parentID)
}

func (o *Orchestrator) Hierarchy() HierarchySnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.hierarchy.Snapshot()
}

func (o *Orchestrator) ValidateHierarchy() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.hierarchy.Validate()
}

// Criteria narrows the candidate set for a delegation.
type Criteria struct {
	RequiredCapabilities []coord.Capability `json:"required_capabilities,omitempty"`
	PreferredRoles       []string           `json:"preferred_roles,omitempty"`
	ExcludedAgents       []string           `json:"excluded_agents,omitempty"`
}

func (c Criteria) admits(a coord.Agent, required []coord.Capability) bool {
	if !a.Available() || !a.Capabilities.HasAll(required) {
		return false
	}
	for _, id := range c.ExcludedAgents {
		if id == a.ID {
			return false
		}
	}
	if len(c.PreferredRoles) == 0 {
		return true
	}
	if a.Role == nil {
		return false
	}
	for _, r := range c.PreferredRoles {
		if r == a.Role.Name {
			return true
		}
	}
	return false
}

// DelegateTask picks the best agent for the task, sends it a
// TASK_ASSIGNMENT and waits for the acknowledgment.
func (o *Orchestrator) DelegateTask(ctx context.Context, task coord.Task, criteria Criteria) (coord.Task, error) {
	if err := task.Validate(); err != nil {
		return coord.Task{}, err
	}
	if task.Status != "" && task.Status != coord.TaskPending {
		return coord.Task{}, coord.NewValidationError("task %s is %s, only pending tasks can be delegated", task.ID, task.Status)
	}

	required := append(append([]coord.Capability(nil), task.RequiredCapabilities...), criteria.RequiredCapabilities...)
	candidates := o.filter(func(a coord.Agent) bool { return criteria.admits(a, required) })
	if len(candidates) == 0 {
		return coord.Task{}, &coord.NoEligibleAgentError{TaskID: task.ID}
	}

	decision, err := o.resolver.ResolveTaskConflict(task, candidates)
	if err != nil {
		return coord.Task{}, err
	}
	winner := decision.Winner

	content := map[string]any{
		"task_id":  task.ID,
		"type":     task.Type,
		"priority": task.Priority,
	}
	if task.Deadline != nil {
		content["deadline"] = task.Deadline.UTC().Format(time.RFC3339)
	}
	if len(task.Payload) > 0 {
		content["payload"] = task.Payload
	}
	msg := coord.NewMessage(coord.MsgTaskAssignment, SenderID, winner, content)

	ackCtx, cancel := context.WithTimeout(ctx, o.ackTimeout)
	defer cancel()
	reply, err := o.transport.Request(ackCtx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, coord.ErrTimeout) {
			return coord.Task{}, &coord.TimeoutError{Op: fmt.Sprintf("assignment of task %s to %s", task.ID, winner), After: o.ackTimeout}
		}
		return coord.Task{}, fmt.Errorf("send assignment to %s: %w", winner, err)
	}
	if !reply.BoolField("accepted", true) {
		return coord.Task{}, &coord.AssignmentRejectedError{TaskID: task.ID, AgentID: winner, Reason: reply.StringField("reason")}
	}

	task.AssignedTo = winner
	task.Status = coord.TaskAssigned
	stored := task
	o.mu.Lock()
	o.tasks[task.ID] = &stored
	o.mu.Unlock()
	o.activity.Touch(winner)

	if o.journal != nil {
		o.journal.RecordAssignment(task, decision)
	}
	slog.Info("task delegated", "task", task.ID, "agent", winner, "score", decision.Scores[0].Score)
	return task, nil
}

func (o *Orchestrator) Task(id string) (coord.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return coord.Task{}, &coord.NotFoundError{Kind: "task", ID: id}
	}
	return *t, nil
}

// Tasks returns tracked tasks sorted by id.
func (o *Orchestrator) Tasks() []coord.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]coord.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateTaskStatus applies caller feedback. Completed and failed outcomes
// feed the resolver's success history.
func (o *Orchestrator) UpdateTaskStatus(id string, status coord.TaskStatus) (coord.Task, error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return coord.Task{}, &coord.NotFoundError{Kind: "task", ID: id}
	}
	if err := coord.ValidateTaskTransition(t.Status, status); err != nil {
		o.mu.Unlock()
		return coord.Task{}, err
	}
	t.Status = status
	if status == coord.TaskPending {
		t.AssignedTo = ""
	}
	out := *t
	o.mu.Unlock()

	if out.AssignedTo != "" && (status == coord.TaskCompleted || status == coord.TaskFailed) {
		o.resolver.RecordOutcome(out.AssignedTo, status == coord.TaskCompleted)
	}
	if o.journal != nil {
		o.journal.RecordTaskStatus(out)
	}
	return out, nil
}

// SendMessage delivers a message to one registered agent.
func (o *Orchestrator) SendMessage(ctx context.Context, msg coord.Message) error {
	o.mu.RLock()
	_, ok := o.agents[msg.To]
	o.mu.RUnlock()
	if !ok {
		return &coord.NotFoundError{Kind: "agent", ID: msg.To}
	}
	if msg.ID == "" {
		msg = coord.NewMessage(msg.Type, msg.From, msg.To, msg.Content)
	}
	if msg.From == "" {
		msg.From = SenderID
	}
	if err := o.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, msg.To, err)
	}
	return nil
}

// Filter selects broadcast recipients. A nil Filter selects every agent.
type Filter func(coord.Agent) bool

// BroadcastMessage sends a copy of msg to every matching agent that is not
// offline. Delivery is best effort; the count of accepted sends is returned.
func (o *Orchestrator) BroadcastMessage(ctx context.Context, msg coord.Message, filter Filter) int {
	if msg.From == "" {
		msg.From = SenderID
	}
	recipients := o.filter(func(a coord.Agent) bool {
		return a.Status != coord.AgentOffline && (filter == nil || filter(a))
	})
	delivered := 0
	for _, a := range recipients {
		if err := o.transport.Send(ctx, msg.Readdress(a.ID)); err != nil {
			slog.Warn("broadcast delivery failed", "agent", a.ID, "type", msg.Type, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// ArbitrateResource settles a contest for a resource: the resolver picks a
// winner with the named strategy, the winner is queued first and the others
// follow in request order. The winner is notified when it gets the resource
// right away.
func (o *Orchestrator) ArbitrateResource(ctx context.Context, res conflict.Resource, agentIDs []string, strategy string, d time.Duration) (string, error) {
	if o.resources == nil {
		return "", errors.New("no resource manager configured")
	}
	requesters := make([]conflict.Requester, 0, len(agentIDs))
	for _, id := range agentIDs {
		a, err := o.Agent(id)
		if err != nil {
			return "", err
		}
		requesters = append(requesters, conflict.RequesterFromAgent(a))
	}

	winner, err := o.resolver.ResolveResourceConflict(res, requesters, conflict.WithStrategy(strategy))
	if err != nil {
		return "", err
	}

	pos, err := o.resources.Enqueue(res.ID, winner, d)
	if err != nil && !errors.Is(err, coord.ErrConflict) {
		return "", err
	}
	for _, id := range agentIDs {
		if id == winner {
			continue
		}
		if _, err := o.resources.Enqueue(res.ID, id, d); err != nil && !errors.Is(err, coord.ErrConflict) {
			return "", err
		}
	}

	if pos == 0 && err == nil {
		msg := coord.NewMessage(coord.MsgResourceGranted, SenderID, winner, map[string]any{"resource": res.ID})
		if err := o.transport.Send(ctx, msg); err != nil {
			slog.Warn("resource grant notification failed", "agent", winner, "resource", res.ID, "error", err)
		}
	}
	return winner, nil
}

func roleName(r *coord.Role) string {
	if r == nil {
		return ""
	}
	return r.Name
}

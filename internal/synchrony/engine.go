package synchrony

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/concord/internal/coord"
)

// SenderID is the From field of every message the engine sends.
const SenderID = "synchrony"

const (
	defaultBarrierTimeout = 30 * time.Second
	defaultHeartbeatRest  = 100 * time.Millisecond
)

var ErrClosed = errors.New("synchrony engine closed")

// Messenger delivers a message to one agent. The orchestrator satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, msg coord.Message) error
}

// BarrierJournal receives every resolved barrier.
type BarrierJournal interface {
	RecordBarrier(o BarrierOutcome)
}

// CycleObserver runs after every completed rhythm cycle.
type CycleObserver func(state GroupState, ok bool)

type Engine struct {
	messenger Messenger
	journal   BarrierJournal
	timeout   time.Duration
	rest      time.Duration
	now       func() time.Time

	mu        sync.Mutex
	barriers  map[string]*barrier
	groups    map[string]*group
	stats     map[string]*rollingStats
	observers []CycleObserver
	closed    bool

	wg sync.WaitGroup
}

type Option func(*Engine)

// WithBarrierTimeout sets the default barrier timeout.
func WithBarrierTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithHeartbeatRest sets the rest used by heartbeat rhythms that do not
// carry their own.
func WithHeartbeatRest(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.rest = d
		}
	}
}

func WithBarrierJournal(j BarrierJournal) Option {
	return func(e *Engine) { e.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(messenger Messenger, opts ...Option) *Engine {
	e := &Engine{
		messenger: messenger,
		timeout:   defaultBarrierTimeout,
		rest:      defaultHeartbeatRest,
		now:       time.Now,
		barriers:  make(map[string]*barrier),
		groups:    make(map[string]*group),
		stats:     make(map[string]*rollingStats),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ObserveCycles registers fn for every completed cycle of every group.
func (e *Engine) ObserveCycles(fn CycleObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

type syncOptions struct {
	timeout time.Duration
	groupID string
	stats   *rollingStats
}

type SyncOption func(*syncOptions)

// WithTimeout overrides the barrier timeout for one call.
func WithTimeout(d time.Duration) SyncOption {
	return func(o *syncOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// InGroup attributes the barrier to a group's rolling counters.
func InGroup(groupID string) SyncOption {
	return func(o *syncOptions) { o.groupID = groupID }
}

// intoStats pins the counters a barrier reports to, so a barrier started by
// a replaced group never lands in its successor's counters.
func intoStats(rs *rollingStats) SyncOption {
	return func(o *syncOptions) { o.stats = rs }
}

// SynchronizeAgentActions signals every participant and waits until all of
// them report completion. It returns false on timeout, on any reported
// failure or when a signal cannot be delivered. An error is returned for
// malformed input or when ctx ends first.
func (e *Engine) SynchronizeAgentActions(ctx context.Context, agentIDs []string, action string, params map[string]any, opts ...SyncOption) (bool, error) {
	participants := dedupe(agentIDs)
	var problems []string
	if len(participants) == 0 {
		problems = append(problems, "barrier needs at least one participant")
	}
	if action == "" {
		problems = append(problems, "barrier action is required")
	}
	if len(problems) > 0 {
		return false, &coord.ValidationError{Problems: problems}
	}

	so := syncOptions{timeout: e.timeout}
	for _, o := range opts {
		o(&so)
	}

	start := time.Now()
	b := newBarrier(uuid.NewString(), so.groupID, action, participants, so.timeout, e.now())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}
	e.barriers[b.id] = b
	if so.stats == nil && so.groupID != "" {
		so.stats = e.statsLocked(so.groupID)
	}
	e.mu.Unlock()

	undelivered := false
	for _, p := range participants {
		content := map[string]any{
			"barrier_id": b.id,
			"action":     action,
		}
		if len(params) > 0 {
			content["params"] = params
		}
		if so.groupID != "" {
			content["group_id"] = so.groupID
		}
		msg := coord.NewMessage(coord.MsgSyncSignal, SenderID, p, content)
		if err := e.messenger.SendMessage(ctx, msg); err != nil {
			slog.Warn("sync signal not delivered", "barrier", b.id, "agent", p, "error", err)
			undelivered = true
			b.resolve(false)
			break
		}
	}

	timer := time.NewTimer(so.timeout)
	defer timer.Stop()

	var ctxErr error
	select {
	case <-b.done:
	case <-timer.C:
		b.resolve(false)
	case <-ctx.Done():
		ctxErr = ctx.Err()
		b.resolve(false)
	}

	e.mu.Lock()
	delete(e.barriers, b.id)
	out := BarrierOutcome{
		BarrierState: b.snapshot(),
		Success:      b.success,
		Latency:      time.Since(start),
	}
	out.TimedOut = !out.Success && ctxErr == nil && !undelivered && len(out.Failed) == 0
	if so.stats != nil {
		so.stats.add(outcome{ok: out.Success, latency: out.Latency})
	}
	e.mu.Unlock()

	if e.journal != nil {
		e.journal.RecordBarrier(out)
	}
	if ctxErr != nil {
		return false, ctxErr
	}
	if !out.Success {
		slog.Debug("barrier failed", "barrier", b.id, "action", action, "timed_out", out.TimedOut, "failed", out.Failed)
	}
	return out.Success, nil
}

// Report records one participant's progress against a live barrier.
// Reports from non-participants are ignored.
func (e *Engine) Report(barrierID, agentID string, status ReportStatus) error {
	if !status.IsValid() {
		return coord.NewValidationError("unknown report status %q", status)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.barriers[barrierID]
	if !ok {
		return &coord.NotFoundError{Kind: "barrier", ID: barrierID}
	}
	b.record(agentID, status)
	return nil
}

func (e *Engine) Barrier(id string) (BarrierState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.barriers[id]
	if !ok {
		return BarrierState{}, &coord.NotFoundError{Kind: "barrier", ID: id}
	}
	return b.snapshot(), nil
}

// Barriers lists the live barriers ordered by id.
func (e *Engine) Barriers() []BarrierState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BarrierState, 0, len(e.barriers))
	for _, b := range e.barriers {
		out = append(out, b.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EstablishGroupRhythm creates or replaces a group and starts its cycle
// loop. A replaced group's loop is cancelled first.
func (e *Engine) EstablishGroupRhythm(groupID string, agentIDs []string, rhythm Rhythm) (GroupState, error) {
	members := dedupe(agentIDs)
	if groupID == "" {
		return GroupState{}, coord.NewValidationError("group id is required")
	}
	if err := rhythm.Validate(members); err != nil {
		return GroupState{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return GroupState{}, ErrClosed
	}
	if old, ok := e.groups[groupID]; ok {
		_ = old.transition(GroupDissolving)
		old.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rs := &rollingStats{}
	g := &group{
		stats: rs,
		state: GroupState{
			ID:            groupID,
			Members:       members,
			Rhythm:        rhythm,
			Status:        GroupForming,
			EstablishedAt: e.now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := g.transition(GroupActive); err != nil {
		e.mu.Unlock()
		cancel()
		return GroupState{}, err
	}
	e.groups[groupID] = g
	e.stats[groupID] = rs
	snap := g.snapshot()
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx, g)

	slog.Info("group rhythm established", "group", groupID, "pattern", rhythm.Pattern, "interval", rhythm.Interval, "members", len(members))
	return snap, nil
}

// StopGroupRhythm marks the group DISSOLVING and cancels its loop without
// waiting for an in-flight cycle. The group disappears once the loop exits.
func (e *Engine) StopGroupRhythm(groupID string) (GroupState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return GroupState{}, &coord.NotFoundError{Kind: "group", ID: groupID}
	}
	_ = g.transition(GroupDissolving)
	g.cancel()
	slog.Info("group rhythm stopped", "group", groupID, "cycles", g.state.CycleCount)
	return g.snapshot(), nil
}

// Wait blocks until the loop of groupID has exited or ctx ends.
func (e *Engine) Wait(ctx context.Context, groupID string) error {
	e.mu.Lock()
	g, ok := e.groups[groupID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Group(id string) (GroupState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[id]
	if !ok {
		return GroupState{}, &coord.NotFoundError{Kind: "group", ID: id}
	}
	return g.snapshot(), nil
}

func (e *Engine) Groups() []GroupState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]GroupState, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the rolling barrier counters of a group.
func (e *Engine) Stats(groupID string) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.groups[groupID]; !ok {
		return Stats{}, &coord.NotFoundError{Kind: "group", ID: groupID}
	}
	rs, ok := e.stats[groupID]
	if !ok {
		return Stats{}, nil
	}
	return rs.stats(), nil
}

// MarkStatus moves a group along its state machine. Setting the current
// status again is a no-op.
func (e *Engine) MarkStatus(groupID string, status GroupStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return &coord.NotFoundError{Kind: "group", ID: groupID}
	}
	return g.transition(status)
}

// SetMetrics attaches the latest coherence metrics to a group.
// MarkDisruptedIfStale moves an active or synchronized group to DISRUPTED
// unless it completed a cycle after seen. It reports whether it did.
func (e *Engine) MarkDisruptedIfStale(groupID string, seen time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return false, &coord.NotFoundError{Kind: "group", ID: groupID}
	}
	if !g.state.LastSync.Equal(seen) {
		return false, nil
	}
	if g.state.Status != GroupActive && g.state.Status != GroupSynchronized {
		return false, nil
	}
	return true, g.transition(GroupDisrupted)
}

func (e *Engine) SetMetrics(groupID string, m coord.CoherenceMetrics) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return &coord.NotFoundError{Kind: "group", ID: groupID}
	}
	m.EmergentBehaviors = append([]string(nil), m.EmergentBehaviors...)
	g.state.Metrics = &m
	return nil
}

// Close dissolves every group, fails live barriers and waits for all loops.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for _, g := range e.groups {
		_ = g.transition(GroupDissolving)
		g.cancel()
	}
	for _, b := range e.barriers {
		b.resolve(false)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, g *group) {
	defer e.wg.Done()
	defer close(g.done)
	defer e.drop(g)

	e.mu.Lock()
	id := g.state.ID
	rhythm := g.state.Rhythm
	members := append([]string(nil), g.state.Members...)
	e.mu.Unlock()

	// The next cycle is scheduled only once the current one has finished.
	timer := time.NewTimer(rhythm.Interval)
	defer timer.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		cycle++
		ok := e.runCycle(ctx, id, rhythm, members, cycle, g.stats)
		if ctx.Err() != nil {
			return
		}
		e.finishCycle(g, ok)
		timer.Reset(rhythm.Interval)
	}
}

func (e *Engine) statsLocked(groupID string) *rollingStats {
	rs, ok := e.stats[groupID]
	if !ok {
		rs = &rollingStats{}
		e.stats[groupID] = rs
	}
	return rs
}

func (e *Engine) finishCycle(g *group, ok bool) {
	e.mu.Lock()
	if e.groups[g.state.ID] != g || g.state.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}
	if ok {
		g.state.CycleCount++
		g.state.LastSync = e.now()
		_ = g.transition(GroupSynchronized)
	} else {
		_ = g.transition(GroupDisrupted)
	}
	snap := g.snapshot()
	observers := append([]CycleObserver(nil), e.observers...)
	e.mu.Unlock()

	for _, fn := range observers {
		fn(snap, ok)
	}
}

func (e *Engine) drop(g *group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := g.state.ID
	if e.groups[id] == g {
		delete(e.groups, id)
		delete(e.stats, id)
	}
}

func (e *Engine) runCycle(ctx context.Context, groupID string, r Rhythm, members []string, cycle int, rs *rollingStats) bool {
	// Barriers outlive a stop request and resolve on their own.
	bctx := context.WithoutCancel(ctx)
	in := []SyncOption{InGroup(groupID), intoStats(rs)}

	switch r.Pattern {
	case PatternSequential:
		for i, ph := range r.Phases {
			ok, err := e.SynchronizeAgentActions(bctx, phaseAgents(ph, members), ph.Action, ph.Params, in...)
			if err != nil || !ok {
				return false
			}
			if i < len(r.Phases)-1 && !sleep(ctx, ph.Duration) {
				return false
			}
		}
		return true

	case PatternParallel:
		results := make([]bool, len(r.Phases))
		var wg sync.WaitGroup
		for i, ph := range r.Phases {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := e.SynchronizeAgentActions(bctx, phaseAgents(ph, members), ph.Action, ph.Params, in...)
				results[i] = ok && err == nil
			}()
		}
		wg.Wait()
		for _, ok := range results {
			if !ok {
				return false
			}
		}
		return true

	case PatternWave:
		step := r.Interval / time.Duration(len(members))
		ok := true
		for i, m := range members {
			if i > 0 && !sleep(ctx, step) {
				return false
			}
			msg := coord.NewMessage(coord.MsgRhythmAction, SenderID, m, map[string]any{
				"group_id": groupID,
				"action":   r.Action,
				"cycle":    cycle,
				"index":    i,
			})
			if err := e.messenger.SendMessage(ctx, msg); err != nil {
				slog.Warn("wave action not delivered", "group", groupID, "agent", m, "error", err)
				ok = false
			}
		}
		return ok

	case PatternHeartbeat:
		action := r.Action
		if action == "" {
			action = "heartbeat"
		}
		ok, err := e.SynchronizeAgentActions(bctx, members, action, nil, in...)
		rest := r.Rest
		if rest <= 0 {
			rest = e.rest
		}
		if rest > r.Interval/2 {
			rest = r.Interval / 2
		}
		sleep(ctx, rest)
		return ok && err == nil

	case PatternCustom:
		return r.Custom(ctx, append([]string(nil), members...), cycle)
	}
	return false
}

func phaseAgents(ph Phase, members []string) []string {
	if len(ph.Agents) > 0 {
		return ph.Agents
	}
	return members
}

// sleep waits d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

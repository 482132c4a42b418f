package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/concord/internal/agent"
	"github.com/mtzanidakis/concord/internal/coherence"
	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/conflict"
	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/scheduler"
	"github.com/mtzanidakis/concord/internal/store"
	"github.com/mtzanidakis/concord/internal/synchrony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback acknowledges every assignment and completes every barrier.
type loopback struct {
	c *Coordinator

	mu   sync.Mutex
	sent []coord.Message
}

func (l *loopback) Send(_ context.Context, msg coord.Message) error {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()
	if msg.Type == coord.MsgSyncSignal {
		go func() { _ = l.c.Report(msg.StringField("barrier_id"), msg.To, "completed") }()
	}
	return nil
}

func (l *loopback) Request(_ context.Context, msg coord.Message) (coord.Message, error) {
	return coord.NewMessage(coord.MsgTaskAck, msg.To, msg.From, map[string]any{
		"task_id":  msg.StringField("task_id"),
		"accepted": true,
	}), nil
}

func (l *loopback) count(typ coord.MessageType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.sent {
		if m.Type == typ {
			n++
		}
	}
	return n
}

type memEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (m *memEvents) PublishEvent(kind string, _ any) {
	m.mu.Lock()
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()
}

func (m *memEvents) has(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func testCoordination() config.CoordinationConfig {
	return config.CoordinationConfig{
		BarrierTimeout:  time.Second,
		AckTimeout:      time.Second,
		HeartbeatRest:   time.Millisecond,
		FairnessHorizon: time.Minute,
		IdleTimeout:     time.Minute,
		DefaultStrategy: conflict.StrategyPriority,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *loopback, *store.Store, *memEvents) {
	t.Helper()
	s := newTestStore(t)
	events := &memEvents{}
	lb := &loopback{}
	c := New(testCoordination(), lb, append([]Option{WithStore(s), WithEvents(events)}, opts...)...)
	lb.c = c
	t.Cleanup(c.Close)
	return c, lb, s, events
}

func addAgents(t *testing.T, c *Coordinator, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, c.Orchestrator.AddAgent(coord.Agent{ID: id, Capabilities: coord.NewCapabilitySet("go")}))
	}
}

func TestDelegationIsJournaled(t *testing.T) {
	c, _, s, events := newTestCoordinator(t)
	addAgents(t, c, "a", "b")

	task, err := c.Orchestrator.DelegateTask(context.Background(), coord.Task{ID: "t1", Type: "build", Priority: 0.5}, agent.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, coord.TaskAssigned, task.Status)

	assignments, err := s.ListAssignments(10)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, task.AssignedTo, assignments[0].AgentID)
	assert.NotEmpty(t, assignments[0].Scores)

	_, err = c.Orchestrator.UpdateTaskStatus("t1", coord.TaskCompleted)
	require.NoError(t, err)

	history, err := s.GetTaskHistory("t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "assigned", history[0].Status)
	assert.Equal(t, "completed", history[1].Status)

	assert.True(t, events.has(EventTaskDelegated))
	assert.True(t, events.has(EventTaskStatus))
}

func TestSynchronizeIsJournaled(t *testing.T) {
	c, lb, s, events := newTestCoordinator(t)
	addAgents(t, c, "a", "b")

	ok, err := c.Synchronize(context.Background(), []string{"a", "b"}, "deploy", nil, "", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, lb.count(coord.MsgSyncSignal))

	outcomes, err := s.ListBarrierOutcomes("", 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, []string{"a", "b"}, outcomes[0].Completed)
	assert.True(t, events.has(EventBarrierResolved))
}

func TestSynchronizeUnknownAgentFails(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	addAgents(t, c, "a")

	// The orchestrator refuses to message an unregistered agent.
	ok, err := c.Synchronize(context.Background(), []string{"a", "ghost"}, "deploy", nil, "", 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArbitrateUsesDefaultStrategy(t *testing.T) {
	c, lb, s, events := newTestCoordinator(t)
	require.NoError(t, c.Orchestrator.AddAgent(coord.Agent{ID: "low"}, agent.WithRole(&coord.Role{Name: "worker", Priority: 0.2})))
	require.NoError(t, c.Orchestrator.AddAgent(coord.Agent{ID: "high"}, agent.WithRole(&coord.Role{Name: "lead", Priority: 0.9})))

	winner, err := c.Arbitrate(context.Background(), conflict.Resource{ID: "db"}, []string{"low", "high"}, "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "high", winner)
	assert.Equal(t, 1, lb.count(coord.MsgResourceGranted))

	st, err := c.Resources.Status("db")
	require.NoError(t, err)
	assert.Equal(t, "high", st.Holder)

	transfers, err := s.ListTransfers("db", 10)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "high", transfers[0].To)
	assert.Equal(t, "allocated", transfers[0].Reason)
	assert.True(t, events.has(EventResourceTransfer))

	// Removing the holder hands the resource to the next waiter.
	require.NoError(t, c.Orchestrator.RemoveAgent("high"))
	st, err = c.Resources.Status("db")
	require.NoError(t, err)
	assert.Equal(t, "low", st.Holder)
}

func TestGroupCyclesFeedCoherenceJournal(t *testing.T) {
	c, _, s, events := newTestCoordinator(t)
	addAgents(t, c, "a", "b")

	_, err := c.Synchrony.EstablishGroupRhythm("pulse", []string{"a", "b"}, synchrony.Rhythm{
		Pattern:  synchrony.PatternHeartbeat,
		Interval: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		history, err := s.GetCoherenceHistory("pulse", 10)
		return err == nil && len(history) > 0
	}, 2*time.Second, 10*time.Millisecond)

	g, err := c.Synchrony.Group("pulse")
	require.NoError(t, err)
	require.NotNil(t, g.Metrics)
	assert.Equal(t, 2, g.Metrics.AgentCount)
	assert.True(t, events.has(EventCoherence))

	require.NoError(t, c.SnapshotCoherence(context.Background()))
}

func TestBehaviorIsJournaled(t *testing.T) {
	c, lb, s, _ := newTestCoordinator(t)
	addAgents(t, c, "a", "b")
	_, err := c.Synchrony.EstablishGroupRhythm("pulse", []string{"a", "b"}, synchrony.Rhythm{
		Pattern:  synchrony.PatternHeartbeat,
		Interval: time.Hour,
	})
	require.NoError(t, err)

	rec, err := c.Monitor.HandleGroupEmergentBehavior(context.Background(), "pulse", coherence.Behavior{
		Type:     "deadlock",
		Strength: 0.95,
		Details:  map[string]any{"resource": "db"},
	})
	require.NoError(t, err)
	assert.Equal(t, coherence.KindDisruptive, rec.Kind)
	assert.Equal(t, 2, rec.Notified)
	assert.Equal(t, 2, lb.count(coord.MsgMitigation))

	behaviors, err := s.ListBehaviors("pulse", 10)
	require.NoError(t, err)
	require.Len(t, behaviors, 1)
	assert.Equal(t, "disruptive", behaviors[0].Kind)
	assert.JSONEq(t, `{"resource":"db"}`, string(behaviors[0].Details))
}

func TestUpdateAgentStatePersists(t *testing.T) {
	c, _, s, _ := newTestCoordinator(t)
	addAgents(t, c, "a")
	require.NoError(t, s.SaveAgent(&store.Agent{ID: "a"}))

	require.NoError(t, c.UpdateAgentState("a", 0.6, "busy"))
	a, err := c.Orchestrator.Agent("a")
	require.NoError(t, err)
	assert.Equal(t, coord.AgentBusy, a.Status)

	row, err := s.GetAgent("a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "busy", row.Status)
	assert.InDelta(t, 0.6, row.Load, 1e-9)

	assert.ErrorIs(t, c.UpdateAgentState("ghost", 0.1, "idle"), coord.ErrNotFound)
	assert.ErrorIs(t, c.UpdateAgentState("a", 2, "idle"), coord.ErrValidation)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestMarkIdleAgents(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	c, _, s, _ := newTestCoordinator(t, WithClock(clock.Now))
	addAgents(t, c, "quiet", "chatty")
	require.NoError(t, s.SaveAgent(&store.Agent{ID: "quiet"}))

	clock.Advance(50 * time.Second)
	c.Orchestrator.Touch("chatty")
	clock.Advance(20 * time.Second)

	require.NoError(t, c.MarkIdleAgents(context.Background()))

	quiet, _ := c.Orchestrator.Agent("quiet")
	chatty, _ := c.Orchestrator.Agent("chatty")
	assert.Equal(t, coord.AgentOffline, quiet.Status)
	assert.Equal(t, coord.AgentIdle, chatty.Status)

	row, err := s.GetAgent("quiet")
	require.NoError(t, err)
	assert.Equal(t, "offline", row.Status)
}

func TestPruneJournal(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	c, _, s, _ := newTestCoordinator(t, WithClock(clock.Now), WithRetention(24*time.Hour))

	require.NoError(t, s.SaveTaskEvent(&store.TaskEvent{TaskID: "old", Status: "completed", CreatedAt: clock.Now().Add(-48 * time.Hour)}))
	require.NoError(t, s.SaveTaskEvent(&store.TaskEvent{TaskID: "new", Status: "completed", CreatedAt: clock.Now().Add(-time.Hour)}))

	require.NoError(t, c.PruneJournal(context.Background()))

	old, err := s.GetTaskHistory("old")
	require.NoError(t, err)
	assert.Empty(t, old)
	recent, err := s.GetTaskHistory("new")
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRegisterJobs(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	sched := scheduler.New(config.SchedulerConfig{PollInterval: time.Second})

	err := c.RegisterJobs(sched, config.SchedulerConfig{
		ResourceSweep:     "@every 5s",
		CoherenceSnapshot: "* * * * *",
		IdleAgents:        "@every 1m",
		JournalPrune:      "0 3 * * *",
	})
	require.NoError(t, err)

	jobs := sched.Jobs()
	require.Len(t, jobs, 4)
	assert.Equal(t, JobCoherenceSnapshot, jobs[0].Name)
	assert.Equal(t, JobIdleAgents, jobs[1].Name)
	assert.Equal(t, JobJournalPrune, jobs[2].Name)
	assert.Equal(t, JobResourceSweep, jobs[3].Name)

	err = c.RegisterJobs(sched, config.SchedulerConfig{ResourceSweep: "often", IdleAgents: "@every nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobResourceSweep)
	assert.Contains(t, err.Error(), JobIdleAgents)
}

func TestUpdateConfigSwapsPolicy(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	assert.Equal(t, coherence.DefaultPolicy(), c.Monitor.Policy())

	cfg := testCoordination()
	cfg.DisruptiveThreshold = 0.5
	cfg.ConflictTypes = []string{"stampede"}
	cfg.DefaultStrategy = conflict.StrategyFairness
	c.UpdateConfig(cfg)

	p := c.Monitor.Policy()
	assert.Equal(t, 0.5, p.DisruptiveThreshold)
	assert.Equal(t, []string{"stampede"}, p.ConflictTypes)
	assert.Equal(t, coherence.DefaultPolicy().CooperationTypes, p.CooperationTypes)
	assert.Equal(t, conflict.StrategyFairness, c.Config().DefaultStrategy)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	c.Close()
	c.Close()
	_, err := c.Synchrony.EstablishGroupRhythm("late", []string{"a"}, synchrony.Rhythm{Pattern: synchrony.PatternHeartbeat, Interval: time.Second})
	assert.ErrorIs(t, err, synchrony.ErrClosed)
}

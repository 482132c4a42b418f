// Package coordinator owns one coordination context: the resolver, the
// resource manager, the orchestrator, the synchrony engine and the
// coherence monitor, wired to each other and to the journal.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/concord/internal/agent"
	"github.com/mtzanidakis/concord/internal/coherence"
	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/conflict"
	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/resource"
	"github.com/mtzanidakis/concord/internal/scheduler"
	"github.com/mtzanidakis/concord/internal/store"
	"github.com/mtzanidakis/concord/internal/synchrony"
)

// Maintenance job names.
const (
	JobResourceSweep     = "resource_sweep"
	JobCoherenceSnapshot = "coherence_snapshot"
	JobIdleAgents        = "idle_agents"
	JobJournalPrune      = "journal_prune"
)

type Coordinator struct {
	Resolver     *conflict.Resolver
	Resources    *resource.Manager
	Orchestrator *agent.Orchestrator
	Synchrony    *synchrony.Engine
	Monitor      *coherence.Monitor

	store     *store.Store
	recorder  *Recorder
	now       func() time.Time
	retention time.Duration

	mu  sync.RWMutex
	cfg config.CoordinationConfig

	closeOnce sync.Once
}

type options struct {
	store     *store.Store
	events    EventPublisher
	now       func() time.Time
	retention time.Duration
}

type Option func(*options)

// WithStore journals every decision to s.
func WithStore(s *store.Store) Option {
	return func(o *options) { o.store = s }
}

func WithEvents(p EventPublisher) Option {
	return func(o *options) { o.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetention sets how long journal rows are kept by the prune job.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

func New(cfg config.CoordinationConfig, transport agent.Transport, opts ...Option) *Coordinator {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	rec := NewRecorder(o.store, o.events)

	resolver := conflict.NewResolver(
		conflict.WithFairnessHorizon(cfg.FairnessHorizon),
		conflict.WithClock(o.now),
	)
	resources := resource.NewManager(resource.WithClock(o.now))
	resources.WatchTransfers(rec.RecordTransfer)

	orch := agent.NewOrchestrator(resolver, transport,
		agent.WithResources(resources),
		agent.WithJournal(rec),
		agent.WithAckTimeout(cfg.AckTimeout),
		agent.WithClock(o.now),
	)
	engine := synchrony.NewEngine(orch,
		synchrony.WithBarrierTimeout(cfg.BarrierTimeout),
		synchrony.WithHeartbeatRest(cfg.HeartbeatRest),
		synchrony.WithBarrierJournal(rec),
		synchrony.WithClock(o.now),
	)
	monitor := coherence.NewMonitor(engine, orch,
		coherence.WithPolicy(PolicyFrom(cfg)),
		coherence.WithJournal(rec),
		coherence.WithClock(o.now),
	)
	engine.ObserveCycles(monitor.OnCycle)

	return &Coordinator{
		Resolver:     resolver,
		Resources:    resources,
		Orchestrator: orch,
		Synchrony:    engine,
		Monitor:      monitor,
		store:        o.store,
		recorder:     rec,
		now:          o.now,
		retention:    o.retention,
		cfg:          cfg,
	}
}

// PolicyFrom builds the behavior policy from config. Unset fields keep the
// defaults.
func PolicyFrom(cfg config.CoordinationConfig) coherence.Policy {
	p := coherence.DefaultPolicy()
	if cfg.DisruptiveThreshold > 0 {
		p.DisruptiveThreshold = cfg.DisruptiveThreshold
	}
	if cfg.BeneficialThreshold > 0 {
		p.BeneficialThreshold = cfg.BeneficialThreshold
	}
	if len(cfg.ConflictTypes) > 0 {
		p.ConflictTypes = cfg.ConflictTypes
	}
	if len(cfg.CooperationTypes) > 0 {
		p.CooperationTypes = cfg.CooperationTypes
	}
	return p
}

func (c *Coordinator) Config() config.CoordinationConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig applies a reloaded coordination section. The behavior policy,
// the default strategy, the idle timeout and the barrier timeout of
// Synchronize calls change immediately; ack timeout, heartbeat rest and
// fairness horizon keep their startup values.
func (c *Coordinator) UpdateConfig(cfg config.CoordinationConfig) {
	c.mu.Lock()
	old := c.cfg
	c.cfg = cfg
	c.mu.Unlock()

	c.Monitor.SetPolicy(PolicyFrom(cfg))
	if old.AckTimeout != cfg.AckTimeout || old.HeartbeatRest != cfg.HeartbeatRest || old.FairnessHorizon != cfg.FairnessHorizon {
		slog.Warn("ack_timeout, heartbeat_rest and fairness_horizon take effect after restart")
	}
	slog.Info("coordination config reloaded")
}

// Synchronize runs one barrier with the configured timeout unless timeout
// is set.
func (c *Coordinator) Synchronize(ctx context.Context, agentIDs []string, action string, params map[string]any, groupID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = c.Config().BarrierTimeout
	}
	opts := []synchrony.SyncOption{synchrony.WithTimeout(timeout)}
	if groupID != "" {
		opts = append(opts, synchrony.InGroup(groupID))
	}
	return c.Synchrony.SynchronizeAgentActions(ctx, agentIDs, action, params, opts...)
}

// Arbitrate settles a resource contest, falling back to the configured
// default strategy.
func (c *Coordinator) Arbitrate(ctx context.Context, res conflict.Resource, agentIDs []string, strategy string, d time.Duration) (string, error) {
	if strategy == "" {
		strategy = c.Config().DefaultStrategy
	}
	return c.Orchestrator.ArbitrateResource(ctx, res, agentIDs, strategy, d)
}

// Report feeds a barrier report from an agent into the engine.
func (c *Coordinator) Report(barrierID, agentID, status string) error {
	c.Orchestrator.Touch(agentID)
	return c.Synchrony.Report(barrierID, agentID, synchrony.ReportStatus(status))
}

// UpdateAgentState applies an agent's self-reported load and status and
// mirrors it to the store.
func (c *Coordinator) UpdateAgentState(agentID string, load float64, status string) error {
	if err := c.Orchestrator.UpdateAgent(agentID, load, coord.AgentStatus(status)); err != nil {
		return err
	}
	if c.store != nil {
		a, err := c.Orchestrator.Agent(agentID)
		if err != nil {
			return err
		}
		if err := c.store.UpdateAgentState(agentID, a.Load, string(a.Status)); err != nil {
			return fmt.Errorf("persist agent state: %w", err)
		}
	}
	return nil
}

// SweepResources reclaims expired allocations.
func (c *Coordinator) SweepResources(context.Context) error {
	c.Resources.SweepExpired()
	return nil
}

// SnapshotCoherence measures every live group; the recorder journals each
// result.
func (c *Coordinator) SnapshotCoherence(context.Context) error {
	c.Monitor.MonitorAll()
	return nil
}

// MarkIdleAgents sets agents silent for longer than the idle timeout to
// offline.
func (c *Coordinator) MarkIdleAgents(context.Context) error {
	marked := c.Orchestrator.MarkIdleOffline(c.Config().IdleTimeout)
	if c.store == nil {
		return nil
	}
	var errs []error
	for _, id := range marked {
		a, err := c.Orchestrator.Agent(id)
		if err != nil {
			continue
		}
		if err := c.store.UpdateAgentState(id, a.Load, string(a.Status)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PruneJournal drops journal rows older than the retention window. A zero
// retention keeps everything.
func (c *Coordinator) PruneJournal(context.Context) error {
	if c.store == nil || c.retention <= 0 {
		return nil
	}
	n, err := c.store.PruneBefore(c.now().Add(-c.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("journal pruned", "rows", n, "retention", c.retention)
	}
	return nil
}

// RegisterJobs (re)registers the maintenance jobs with their configured
// schedules. Every invalid schedule is reported.
func (c *Coordinator) RegisterJobs(s *scheduler.Scheduler, cfg config.SchedulerConfig) error {
	jobs := []struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}{
		{JobResourceSweep, cfg.ResourceSweep, c.SweepResources},
		{JobCoherenceSnapshot, cfg.CoherenceSnapshot, c.SnapshotCoherence},
		{JobIdleAgents, cfg.IdleAgents, c.MarkIdleAgents},
		{JobJournalPrune, cfg.JournalPrune, c.PruneJournal},
	}
	var errs []error
	for _, j := range jobs {
		if err := s.Register(j.name, j.spec, j.fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops every group loop and resolves pending barriers. It is safe
// to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.Synchrony.Close()
		slog.Info("coordination context closed")
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/concord/internal/config"
	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/coordinator"
	"github.com/mtzanidakis/concord/internal/natsbus"
	"github.com/mtzanidakis/concord/internal/registry"
	"github.com/mtzanidakis/concord/internal/scheduler"
	"github.com/mtzanidakis/concord/internal/store"
	"github.com/mtzanidakis/concord/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("concord %s\n", version)
		return
	case "gateway":
		err = runGateway()
	case "validate":
		err = runValidate()
	case "export":
		err = runExport(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: concord <command>\n\nCommands:\n"+
		"  gateway    Start the coordination gateway\n"+
		"  validate   Check the configured roster and exit\n"+
		"  export     Write the journal as zstd-compressed JSON lines\n"+
		"  version    Print version\n")
}

func runValidate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := registry.Validate(cfg); err != nil {
		var ve *coord.ValidationError
		if errors.As(err, &ve) {
			for _, p := range ve.Problems {
				fmt.Fprintf(os.Stderr, "  - %s\n", p)
			}
			return fmt.Errorf("%d problems in %s", len(ve.Problems), config.Path())
		}
		return err
	}
	fmt.Printf("%s: %d roles, %d agents, %d groups OK\n", config.Path(), len(cfg.Roles), len(cfg.Agents), len(cfg.Groups))
	return nil
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting concord gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite journal
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := bus.Connect("concord-gateway")
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()
	transport := natsbus.NewTransport(client)

	// Coordination context
	cc := coordinator.New(cfg.Coordination, transport,
		coordinator.WithStore(db),
		coordinator.WithEvents(transport),
		coordinator.WithRetention(cfg.Store.Retention),
	)
	defer cc.Close()

	// Roster
	reg := registry.New(db, cc.Orchestrator, cc.Synchrony, cfg)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync roster: %w", err)
	}

	// Agent reports
	reports, err := transport.SubscribeReports(func(r natsbus.BarrierReport) {
		if err := cc.Report(r.BarrierID, r.AgentID, r.Status); err != nil {
			slog.Warn("barrier report rejected", "barrier", r.BarrierID, "agent", r.AgentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe barrier reports: %w", err)
	}
	defer reports.Unsubscribe()

	status, err := transport.SubscribeStatus(func(r natsbus.StatusReport) {
		if err := cc.UpdateAgentState(r.AgentID, r.Load, r.Status); err != nil {
			slog.Warn("status report rejected", "agent", r.AgentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe status reports: %w", err)
	}
	defer status.Unsubscribe()

	// Scheduler
	sched := scheduler.New(cfg.Scheduler, scheduler.WithEvents(transport))
	if err := cc.RegisterJobs(sched, cfg.Scheduler); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	go sched.Start(ctx)
	slog.Info("scheduler started", "jobs", len(sched.Jobs()))

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(cc, cfg.Web, version,
			web.WithRegistry(reg),
			web.WithStore(db),
			web.WithScheduler(sched),
			web.WithEvents(client),
		)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown, reloading on SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := reload(reg, cc, sched); err != nil {
				slog.Error("config reload failed", "error", err)
			}
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()
	return nil
}

// reload applies a changed config file to the running gateway. A roster
// that fails validation leaves everything as it was.
func reload(reg *registry.Registry, c *coordinator.Coordinator, sched *scheduler.Scheduler) error {
	next, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d := config.Diff(reg.Config(), next)
	for _, field := range d.NonReloadable {
		slog.Warn("config field changed, restart required", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, no changes")
		return nil
	}

	if err := reg.Apply(next, d); err != nil {
		return fmt.Errorf("apply roster: %w", err)
	}
	if d.CoordinationChanged {
		c.UpdateConfig(d.NewCoordination)
	}
	if d.SchedulerChanged {
		if err := c.RegisterJobs(sched, d.NewScheduler); err != nil {
			return fmt.Errorf("register jobs: %w", err)
		}
		sched.UpdateConfig(d.NewScheduler.PollInterval)
	}
	slog.Info("config reloaded",
		"agents_added", len(d.AgentsAdded),
		"agents_removed", len(d.AgentsRemoved),
		"agents_changed", len(d.AgentsChanged),
		"groups_changed", len(d.GroupsAdded)+len(d.GroupsRemoved)+len(d.GroupsChanged),
	)
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/concord/internal/coord"
	"github.com/mtzanidakis/concord/internal/natsbus"
)

// worker is a minimal agent: it accepts every assignment, completes every
// barrier and reports its status on a heartbeat.
type worker struct {
	id            string
	client        *natsbus.Client
	barrierStatus string
	load          float64

	assigned atomic.Int64
	actions  atomic.Int64
}

func newWorker(id string, client *natsbus.Client) *worker {
	return &worker{id: id, client: client, barrierStatus: "completed"}
}

func (w *worker) subscribe() (*nats.Subscription, error) {
	return w.client.Subscribe(natsbus.TopicAgentInbox(w.id), w.handle)
}

func (w *worker) handle(m *nats.Msg) {
	var msg coord.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		slog.Warn("malformed message", "subject", m.Subject, "error", err)
		return
	}

	switch msg.Type {
	case coord.MsgTaskAssignment:
		w.assigned.Add(1)
		slog.Info("task accepted", "task", msg.StringField("task_id"), "type", msg.StringField("type"))
		ack := coord.NewMessage(coord.MsgTaskAck, w.id, msg.From, map[string]any{
			"task_id":  msg.StringField("task_id"),
			"accepted": true,
		})
		data, err := json.Marshal(ack)
		if err != nil {
			return
		}
		if err := m.Respond(data); err != nil {
			slog.Warn("ack not sent", "task", msg.StringField("task_id"), "error", err)
		}

	case coord.MsgSyncSignal:
		barrierID := msg.StringField("barrier_id")
		slog.Info("sync signal", "barrier", barrierID, "action", msg.StringField("action"))
		report := natsbus.BarrierReport{BarrierID: barrierID, AgentID: w.id, Status: w.barrierStatus}
		if err := w.client.PublishJSON(natsbus.TopicBarrierReport(barrierID), report); err != nil {
			slog.Warn("barrier report not sent", "barrier", barrierID, "error", err)
		}

	case coord.MsgRhythmAction:
		w.actions.Add(1)
		slog.Debug("rhythm action", "group", msg.StringField("group_id"), "action", msg.StringField("action"))

	default:
		slog.Info("message received", "type", msg.Type, "from", msg.From)
	}
}

func (w *worker) reportStatus() error {
	return w.client.PublishJSON(natsbus.TopicAgentStatus(w.id), natsbus.StatusReport{
		AgentID: w.id,
		Load:    w.load,
		Status:  string(coord.AgentIdle),
	})
}

func (w *worker) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := w.reportStatus(); err != nil {
			slog.Warn("status report failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  concord-agent --id "..." [--heartbeat 30s] [--load 0.2] [--barrier-status completed|failed]`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("CONCORD_NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	args := parseArgs(os.Args[1:])
	if args["id"] == "" {
		usage()
	}

	every := 30 * time.Second
	if v := args["heartbeat"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			fatal("invalid --heartbeat %q", v)
		}
		every = d
	}

	client, err := natsbus.Dial(natsURL, "concord-agent-"+args["id"])
	if err != nil {
		fatal("%v", err)
	}
	defer client.Close()

	w := newWorker(args["id"], client)
	if v := args["load"]; v != "" {
		load, err := strconv.ParseFloat(v, 64)
		if err != nil || load < 0 || load > 1 {
			fatal("invalid --load %q", v)
		}
		w.load = load
	}
	if v := args["barrier-status"]; v != "" {
		w.barrierStatus = v
	}

	sub, err := w.subscribe()
	if err != nil {
		fatal("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("agent listening", "id", w.id, "nats", natsURL)
	w.heartbeat(ctx, every)
	slog.Info("agent stopped", "id", w.id, "assignments", w.assigned.Load(), "rhythm_actions", w.actions.Load())
}

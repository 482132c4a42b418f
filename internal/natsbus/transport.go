package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/concord/internal/coord"
)

// BarrierReport is what an agent publishes on TopicBarrierReport.
type BarrierReport struct {
	BarrierID string `json:"barrier_id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
}

// StatusReport is an agent's periodic self-report on TopicAgentStatus.
type StatusReport struct {
	AgentID string  `json:"agent_id"`
	Load    float64 `json:"load"`
	Status  string  `json:"status"`
}

// Event is a coordination event published on TopicEvents.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Transport carries coordination messages to agent inboxes.
type Transport struct {
	client *Client
}

func NewTransport(client *Client) *Transport {
	return &Transport{client: client}
}

// Send publishes msg on the recipient's inbox without waiting.
func (t *Transport) Send(_ context.Context, msg coord.Message) error {
	if msg.To == "" {
		return coord.NewValidationError("message %s has no recipient", msg.ID)
	}
	return t.client.PublishJSON(TopicAgentInbox(msg.To), msg)
}

// Request publishes msg on the recipient's inbox and waits for the reply
// until ctx ends.
func (t *Transport) Request(ctx context.Context, msg coord.Message) (coord.Message, error) {
	if msg.To == "" {
		return coord.Message{}, coord.NewValidationError("message %s has no recipient", msg.ID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return coord.Message{}, fmt.Errorf("marshal: %w", err)
	}

	var budget time.Duration
	if dl, ok := ctx.Deadline(); ok {
		budget = time.Until(dl).Round(time.Millisecond)
	}
	reply, err := t.client.request(ctx, TopicAgentInbox(msg.To), data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return coord.Message{}, &coord.TimeoutError{Op: fmt.Sprintf("request %s to %s", msg.Type, msg.To), After: budget}
		case errors.Is(err, nats.ErrNoResponders):
			return coord.Message{}, fmt.Errorf("agent %s is not listening: %w", msg.To, err)
		}
		return coord.Message{}, fmt.Errorf("request %s: %w", msg.To, err)
	}

	var out coord.Message
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return coord.Message{}, fmt.Errorf("decode reply from %s: %w", msg.To, err)
	}
	return out, nil
}

// SubscribeReports delivers every barrier report to handle. Malformed
// payloads are logged and dropped.
func (t *Transport) SubscribeReports(handle func(BarrierReport)) (*nats.Subscription, error) {
	return t.client.Subscribe(TopicBarrierReports, func(m *nats.Msg) {
		var r BarrierReport
		if err := json.Unmarshal(m.Data, &r); err != nil {
			slog.Warn("malformed barrier report", "subject", m.Subject, "error", err)
			return
		}
		handle(r)
	})
}

// SubscribeStatus delivers agent self-reports to handle.
func (t *Transport) SubscribeStatus(handle func(StatusReport)) (*nats.Subscription, error) {
	return t.client.Subscribe(TopicAgentStatusAll, func(m *nats.Msg) {
		var r StatusReport
		if err := json.Unmarshal(m.Data, &r); err != nil {
			slog.Warn("malformed status report", "subject", m.Subject, "error", err)
			return
		}
		handle(r)
	})
}

// PublishEvent publishes a coordination event. Failures are logged only.
func (t *Transport) PublishEvent(kind string, data any) {
	ev := Event{Type: kind, Timestamp: time.Now().UTC(), Data: data}
	if err := t.client.PublishJSON(TopicEvents(kind), ev); err != nil {
		slog.Warn("publish event", "type", kind, "error", err)
	}
}

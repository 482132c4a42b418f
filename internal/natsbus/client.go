package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	reconnectWait = time.Second
	closeFlush    = time.Second
)

// Client is a named bus connection. It keeps reconnecting after the server
// goes away and logs every change of connection state.
type Client struct {
	conn *nats.Conn
	name string
}

// Dial connects to the bus at url under the given connection name.
func Dial(url, name string) (*Client, error) {
	log := slog.With("connection", name)
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("nats async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Client{conn: conn, name: name}, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (c *Client) request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	return c.conn.RequestWithContext(ctx, subject, data)
}

// Flush blocks until the server has processed everything published so far.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close sends what is still buffered, then closes the connection.
func (c *Client) Close() {
	if c.conn.IsConnected() {
		if err := c.conn.FlushTimeout(closeFlush); err != nil {
			slog.Debug("flush on close", "connection", c.name, "error", err)
		}
	}
	c.conn.Close()
}

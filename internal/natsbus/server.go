package natsbus

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/mtzanidakis/concord/internal/config"
)

const readyTimeout = 5 * time.Second

// Bus is the embedded NATS server that the gateway and its agents meet on.
type Bus struct {
	server *natsserver.Server
	port   int
}

// New starts the embedded server. A negative port binds a free one. JetStream
// storage lives under DataDir when one is configured.
func New(cfg config.NATSConfig) (*Bus, error) {
	opts := &natsserver.Options{
		ServerName: "concord",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats data dir: %w", err)
		}
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	ns.SetLoggerV2(serverLog{}, false, false, false)
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready")
	}

	port := cfg.Port
	if addr, ok := ns.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return &Bus{server: ns, port: port}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port is the port actually bound, which differs from the configured one
// when that was negative.
func (b *Bus) Port() int {
	return b.port
}

// Connect opens a named client connection to this bus.
func (b *Bus) Connect(name string) (*Client, error) {
	return Dial(b.ClientURL(), name)
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

// serverLog routes the embedded server's log lines into slog.
type serverLog struct{}

func (serverLog) Noticef(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...), "component", "nats")
}

func (serverLog) Warnf(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...), "component", "nats")
}

func (serverLog) Fatalf(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...), "component", "nats")
}

func (serverLog) Errorf(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...), "component", "nats")
}

func (serverLog) Debugf(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...), "component", "nats")
}

func (serverLog) Tracef(string, ...any) {}

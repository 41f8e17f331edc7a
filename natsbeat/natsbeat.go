// Package natsbeat attaches a heartbeat monitor to a NATS connection.
//
// A round is a PING/PONG flush. When the server stops answering in time the
// socket is closed underneath nats.go, which then reconnects according to
// its own policy.
package natsbeat

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/internal/conntrack"
	"github.com/vinayprograms/kvbeat/logging"
)

// Config holds NATS connection configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Conn is a NATS connection with a heartbeat. It implements heartbeat.Conn.
type Conn struct {
	nc       *nats.Conn
	hb       heartbeat.Options
	interval time.Duration
	dialer   *conntrack.Dialer
	cfg      settings
	logger   *logging.Logger

	mu        sync.Mutex
	monitor   *heartbeat.Monitor
	listeners []func(heartbeat.Event)
	closed    bool
}

type settings struct {
	logger      *logging.Logger
	monitorOpts []heartbeat.Option
	noRearm     bool
}

// Option configures a Conn.
type Option func(*settings)

// WithLogger sets the logger for the connection and its monitors.
func WithLogger(l *logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMonitorOptions passes options to every monitor the connection starts.
func WithMonitorOptions(opts ...heartbeat.Option) Option {
	return func(s *settings) { s.monitorOpts = append(s.monitorOpts, opts...) }
}

// WithoutRearm leaves the connection unmonitored after its first heartbeat
// timeout.
func WithoutRearm() Option {
	return func(s *settings) { s.noRearm = true }
}

// Connect validates hb, connects to cfg.URL and starts the heartbeat.
func Connect(cfg Config, hb heartbeat.Options, options ...Option) (*Conn, error) {
	hbCfg, err := heartbeat.NewConfig(hb)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	s := settings{logger: logging.Discard()}
	for _, o := range options {
		o(&s)
	}

	// nats.go does not apply its connect timeout to a custom dialer.
	nd := &net.Dialer{Timeout: cfg.ConnectTimeout}

	c := &Conn{
		hb:       hb,
		interval: hbCfg.Interval(),
		dialer:   conntrack.New(nd.DialContext),
		cfg:      s,
		logger:   s.logger.WithComponent("natsbeat"),
	}

	nc, err := nats.Connect(cfg.URL, c.buildOptions(cfg)...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	c.nc = nc

	if err := c.attach(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// buildOptions constructs NATS connection options from config.
func (c *Conn) buildOptions(cfg Config) []nats.Option {
	opts := []nats.Option{
		nats.SetCustomDialer(c.dialer),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]any{}
			if err != nil {
				fields["error"] = err.Error()
			}
			c.logger.Warn("disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("reconnected", map[string]any{"url": nc.ConnectedUrlRedacted()})
		}),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// NATS returns the underlying connection.
func (c *Conn) NATS() *nats.Conn { return c.nc }

// Monitor returns the most recent monitor. It may be stopped.
func (c *Conn) Monitor() *heartbeat.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitor
}

// OnHeartbeatTimeout registers fn to run when the server misses a heartbeat,
// before the socket is torn down.
func (c *Conn) OnHeartbeatTimeout(fn func(heartbeat.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Close stops the heartbeat and closes the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	m := c.monitor
	c.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	c.nc.Close()
}

// Ping flushes a PING and waits for the PONG. nats.go needs a deadline, so
// the round is bounded by the heartbeat interval as well as by ctx.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()
	return c.nc.FlushWithContext(ctx)
}

// Destroy closes the socket under the NATS client.
func (c *Conn) Destroy(reason error) {
	n := c.dialer.CloseAll()
	c.logger.Warn("connection_destroyed", map[string]any{
		"closed": n,
		"code":   errors.Code(reason),
	})
}

// Emit hands ev to the registered listeners.
func (c *Conn) Emit(ev heartbeat.Event) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (c *Conn) attach() error {
	opts := append([]heartbeat.Option{
		heartbeat.WithLogger(c.cfg.logger),
		heartbeat.WithKill(c.kill),
	}, c.cfg.monitorOpts...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	m, err := heartbeat.Start(c, c.hb, opts...)
	if err != nil {
		return err
	}
	c.monitor = m
	return nil
}

// kill tears the connection down and, when the failure is retryable, starts
// watching the redialled one.
func (c *Conn) kill(reason *errors.Error) {
	c.Destroy(reason)
	if c.cfg.noRearm || !errors.IsRetryable(reason) {
		return
	}
	if err := c.attach(); err != nil {
		c.logger.Error("rearm_failed", map[string]any{"error": err.Error()})
	}
}

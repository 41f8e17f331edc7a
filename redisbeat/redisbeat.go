// Package redisbeat attaches a heartbeat monitor to a go-redis client.
//
// Each round sends PING. When the server stops answering in time the client's
// sockets are closed; go-redis dials a fresh connection on the next command
// and, unless disabled, a new monitor starts watching it.
package redisbeat

import (
	"context"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/internal/conntrack"
	"github.com/vinayprograms/kvbeat/logging"
)

// Client is a go-redis client with a heartbeat. It implements heartbeat.Conn.
type Client struct {
	rdb    *redis.Client
	opt    redis.Options // caller's options, before the tracking dialer
	hb     heartbeat.Options
	dialer *conntrack.Dialer
	cfg    settings
	logger *logging.Logger

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

// Option configures a Client.
type Option func(*settings)

// WithLogger sets the logger for the client and its monitors.
func WithLogger(l *logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMonitorOptions passes options to every monitor the client starts.
func WithMonitorOptions(opts ...heartbeat.Option) Option {
	return func(s *settings) { s.monitorOpts = append(s.monitorOpts, opts...) }
}

// WithoutRearm leaves the client unmonitored after its first heartbeat
// timeout.
func WithoutRearm() Option {
	return func(s *settings) { s.noRearm = true }
}

// NewClient validates hb, builds a go-redis client from opt and starts its
// heartbeat. On INVALID_CONFIG no client is created.
func NewClient(opt *redis.Options, hb heartbeat.Options, options ...Option) (*Client, error) {
	if opt == nil {
		return nil, errors.InvalidConfig("redis", "options must not be nil")
	}
	if _, err := heartbeat.NewConfig(hb); err != nil {
		return nil, err
	}

	cfg := settings{logger: logging.Discard()}
	for _, o := range options {
		o(&cfg)
	}

	c := &Client{
		opt:    *opt,
		hb:     hb,
		cfg:    cfg,
		logger: cfg.logger.WithComponent("redisbeat"),
	}

	tracked := *opt
	c.dialer = conntrack.New(opt.Dialer)
	tracked.Dialer = c.dialer.DialContext
	c.rdb = redis.NewClient(&tracked)

	if err := c.attach(); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Duplicate returns a new client with the same redis options and its own
// monitor. hb, if given, replaces the heartbeat options.
func (c *Client) Duplicate(hb ...heartbeat.Options) (*Client, error) {
	opts := c.hb
	if len(hb) > 0 {
		opts = hb[0]
	}
	opt := c.opt
	cfg := c.cfg
	cfg.monitorOpts = slices.Clone(c.cfg.monitorOpts)
	return NewClient(&opt, opts, func(s *settings) { *s = cfg })
}

// Redis returns the underlying go-redis client.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Monitor returns the most recent monitor. It may be stopped.
func (c *Client) Monitor() *heartbeat.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitor
}

// OnHeartbeatTimeout registers fn to run when the server misses a heartbeat,
// before the connection is torn down.
func (c *Client) OnHeartbeatTimeout(fn func(heartbeat.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Close stops the heartbeat and closes the client.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	m := c.monitor
	c.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	return c.rdb.Close()
}

// Ping sends PING on a pooled connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Destroy closes every socket the client has open. Commands in flight fail
// and the pool redials on demand.
func (c *Client) Destroy(reason error) {
	n := c.dialer.CloseAll()
	c.logger.Warn("connection_destroyed", map[string]any{
		"closed": n,
		"code":   errors.Code(reason),
	})
}

// Emit hands ev to the registered listeners.
func (c *Client) Emit(ev heartbeat.Event) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (c *Client) attach() error {
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
func (c *Client) kill(reason *errors.Error) {
	c.Destroy(reason)
	if c.cfg.noRearm || !errors.IsRetryable(reason) {
		return
	}
	if err := c.attach(); err != nil {
		c.logger.Error("rearm_failed", map[string]any{"error": err.Error()})
	}
}

// Package wsbeat watches a gorilla WebSocket connection with ping/pong
// control frames.
//
// Pong frames are only processed while the application reads from the
// connection, so the caller must keep a read loop running.
package wsbeat

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/logging"
)

// DefaultWriteTimeout bounds the write of a ping frame.
const DefaultWriteTimeout = 10 * time.Second

// attached maps each socket to the Conn whose monitor watches it.
var attached = xsync.NewMap[*websocket.Conn, *Conn]()

// Conn is a WebSocket connection with a heartbeat. It implements
// heartbeat.Conn.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	logger       *logging.Logger

	mu        sync.Mutex
	waiting   map[string]chan struct{}
	listeners []func(heartbeat.Event)
	monitor   *heartbeat.Monitor
}

type settings struct {
	logger       *logging.Logger
	writeTimeout time.Duration
	monitorOpts  []heartbeat.Option
}

// Option configures a Conn.
type Option func(*settings)

// WithLogger sets the logger for the connection and its monitor.
func WithLogger(l *logging.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithWriteTimeout bounds each ping write. Default: DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) { s.writeTimeout = d }
}

// WithMonitorOptions passes options to the monitor.
func WithMonitorOptions(opts ...heartbeat.Option) Option {
	return func(s *settings) { s.monitorOpts = append(s.monitorOpts, opts...) }
}

// Attach starts a heartbeat on ws. Any pong handler already installed keeps
// running after ours.
//
// While ws has an active monitor, Attach returns the existing Conn and
// ignores hb and options. After that monitor stops a new call watches ws
// afresh.
func Attach(ws *websocket.Conn, hb heartbeat.Options, options ...Option) (*Conn, error) {
	if ws == nil {
		return nil, errors.InvalidConfig("conn", "must not be nil")
	}

	s := settings{logger: logging.Discard(), writeTimeout: DefaultWriteTimeout}
	for _, o := range options {
		o(&s)
	}

	var (
		result    *Conn
		attachErr error
	)
	attached.Compute(ws, func(old *Conn, loaded bool) (*Conn, xsync.ComputeOp) {
		if loaded && old.Monitor().Active() {
			result = old
			return old, xsync.CancelOp
		}

		c, err := newConn(ws, hb, s)
		if err != nil {
			attachErr = err
			if loaded {
				return nil, xsync.DeleteOp
			}
			return nil, xsync.CancelOp
		}
		result = c
		return c, xsync.UpdateOp
	})
	if attachErr != nil {
		return nil, attachErr
	}
	return result, nil
}

func newConn(ws *websocket.Conn, hb heartbeat.Options, s settings) (*Conn, error) {
	c := &Conn{
		ws:           ws,
		writeTimeout: s.writeTimeout,
		logger:       s.logger.WithComponent("wsbeat"),
		waiting:      make(map[string]chan struct{}),
	}

	prev := ws.PongHandler()
	ws.SetPongHandler(func(appData string) error {
		c.pong(appData)
		return prev(appData)
	})

	opts := append([]heartbeat.Option{heartbeat.WithLogger(s.logger)}, s.monitorOpts...)
	m, err := heartbeat.Start(c, hb, opts...)
	if err != nil {
		ws.SetPongHandler(prev)
		return nil, err
	}
	c.mu.Lock()
	c.monitor = m
	c.mu.Unlock()

	go func() {
		<-m.Done()
		attached.Compute(ws, func(cur *Conn, loaded bool) (*Conn, xsync.ComputeOp) {
			if loaded && cur == c {
				return nil, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
	}()
	return c, nil
}

// NewUpgrader creates an upgrader for accepting WebSocket connections.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// WebSocket returns the underlying connection.
func (c *Conn) WebSocket() *websocket.Conn { return c.ws }

// Monitor returns the connection's monitor.
func (c *Conn) Monitor() *heartbeat.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitor
}

// OnHeartbeatTimeout registers fn to run when the peer misses a heartbeat,
// before the connection is closed.
func (c *Conn) OnHeartbeatTimeout(fn func(heartbeat.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Close stops the heartbeat and sends a close frame before closing.
func (c *Conn) Close() error {
	c.Monitor().Stop()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

// Ping writes a ping frame carrying a fresh nonce and waits for the pong that
// echoes it.
func (c *Conn) Ping(ctx context.Context) error {
	nonce := uuid.NewString()
	got := make(chan struct{})

	c.mu.Lock()
	c.waiting[nonce] = got
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, nonce)
		c.mu.Unlock()
	}()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.WriteControl(websocket.PingMessage, []byte(nonce), deadline); err != nil {
		return errors.Wrap(err, "write ping")
	}

	select {
	case <-got:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) pong(appData string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiting[appData]; ok {
		close(ch)
		delete(c.waiting, appData)
	}
}

// Destroy closes the network connection without a close handshake. The
// caller's read loop fails with a network error.
func (c *Conn) Destroy(reason error) {
	err := c.ws.NetConn().Close()
	fields := map[string]any{"code": errors.Code(reason)}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.logger.Warn("connection_destroyed", fields)
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

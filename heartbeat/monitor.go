package heartbeat

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/logging"
	"github.com/vinayprograms/kvbeat/metrics"
)

const tracerName = "github.com/vinayprograms/kvbeat/heartbeat"

// Stop reasons reported to metrics and logs.
const (
	reasonStopped = "stopped"
	reasonTimeout = "heartbeat_timeout"
)

// Monitor runs the ping/timeout race against one connection.
//
// All state transitions happen under mu. Pong and countdown callbacks run on
// their own goroutines and act only if the round they captured is still the
// current one.
type Monitor struct {
	id      string
	conn    Conn
	cfg     Config
	clock   clockwork.Clock
	kill    func(reason *errors.Error)
	logger  *logging.Logger
	metrics metrics.Collector
	tracer  trace.Tracer

	mu         sync.Mutex
	state      State
	round      uint64
	ticker     clockwork.Ticker
	countdown  clockwork.Timer
	cancelPing context.CancelFunc
	span       trace.Span
	reason     *errors.Error
	detach     func()

	stopCh chan struct{} // closed on entering StateStopped
	doneCh chan struct{} // closed when the tick loop exits
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used for the ticker and countdowns.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithLogger sets the logger. Default: discard.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics collector. Default: no-op.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Monitor) {
		m.metrics = c
	}
}

// WithTracer sets the tracer used for round spans.
// Default: the global otel tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(m *Monitor) {
		m.tracer = t
	}
}

// WithKill replaces the kill callback. Default: conn.Destroy(reason).
func WithKill(kill func(reason *errors.Error)) Option {
	return func(m *Monitor) {
		m.kill = kill
	}
}

// WithID sets the monitor id. Default: a random UUID.
func WithID(id string) Option {
	return func(m *Monitor) {
		m.id = id
	}
}

// New validates opts and returns an idle monitor for conn.
// Most callers want Start, which also keeps one monitor per connection.
func New(conn Conn, opts Options, options ...Option) (*Monitor, error) {
	if conn == nil {
		return nil, errors.InvalidConfig("conn", "must not be nil")
	}
	cfg, err := NewConfig(opts)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		id:      uuid.NewString(),
		conn:    conn,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  logging.Discard(),
		metrics: metrics.NewNop(),
		tracer:  otel.Tracer(tracerName),
		state:   StateIdle,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.kill == nil {
		m.kill = func(reason *errors.Error) { conn.Destroy(reason) }
	}
	m.logger = m.logger.WithComponent("heartbeat").WithMonitor(m.id)

	return m, nil
}

// ID returns the monitor id.
func (m *Monitor) ID() string { return m.id }

// Config returns the validated configuration.
func (m *Monitor) Config() Config { return m.cfg }

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Round returns the id of the latest round, 0 before the first tick.
func (m *Monitor) Round() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// Active reports whether the monitor has not stopped yet.
func (m *Monitor) Active() bool {
	return m.State() != StateStopped
}

// Done returns a channel closed when the monitor stops.
func (m *Monitor) Done() <-chan struct{} {
	return m.stopCh
}

// Reason returns the HEARTBEAT_TIMEOUT failure that stopped the monitor, or
// nil if it is still running or was stopped explicitly.
func (m *Monitor) Reason() *errors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Start arms the repeating timer. It only acts on an idle monitor.
func (m *Monitor) Start() *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return m
	}

	m.state = StateArmed
	m.ticker = m.clock.NewTicker(m.cfg.interval)
	m.doneCh = make(chan struct{})
	go m.run(m.ticker.Chan(), m.stopCh, m.doneCh)

	m.metrics.MonitorStarted()
	m.logger.MonitorStarted(m.cfg.interval, m.cfg.timeout)
	return m
}

// Stop cancels the repeating timer, any running countdown and the in-flight
// ping, then waits for the tick loop to exit. Safe from any state and
// idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	wasStarted := m.state != StateIdle
	span := m.span
	detach := m.halt()
	done := m.doneCh
	m.mu.Unlock()

	if span != nil {
		span.SetAttributes(attribute.String("heartbeat.outcome", reasonStopped))
		span.End()
	}
	if done != nil {
		<-done
	}
	if wasStarted {
		m.metrics.MonitorStopped(reasonStopped)
	}
	m.logger.MonitorStopped(reasonStopped)
	if detach != nil {
		detach()
	}
}

// halt moves to StateStopped and releases every timer. Caller holds mu.
// It returns the registry hook so it can run without the lock.
func (m *Monitor) halt() func() {
	m.state = StateStopped
	if m.ticker != nil {
		m.ticker.Stop()
	}
	if m.countdown != nil {
		m.countdown.Stop()
		m.countdown = nil
	}
	if m.cancelPing != nil {
		m.cancelPing()
		m.cancelPing = nil
	}
	m.span = nil
	close(m.stopCh)

	detach := m.detach
	m.detach = nil
	return detach
}

func (m *Monitor) run(ticks <-chan time.Time, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-ticks:
			m.beginRound()
		}
	}
}

// beginRound sends a ping and arms the countdown. A tick that finds the
// monitor anywhere but Armed is skipped.
func (m *Monitor) beginRound() {
	m.mu.Lock()
	if m.state != StateArmed {
		m.mu.Unlock()
		return
	}

	m.round++
	round := m.round
	m.state = StateAwaitingPong

	ctx, span := m.tracer.Start(context.Background(), "heartbeat.round",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("heartbeat.monitor_id", m.id),
			attribute.Int64("heartbeat.round", int64(round)),
			attribute.Int64("heartbeat.timeout_ms", m.cfg.timeout.Milliseconds()),
		))
	ctx, cancel := context.WithCancel(ctx)
	m.span = span
	m.cancelPing = cancel

	sent := m.clock.Now()
	m.countdown = m.clock.AfterFunc(m.cfg.timeout, func() { m.expire(round) })
	m.mu.Unlock()

	m.metrics.RoundStarted()

	go func() {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = errors.RecoverPanic(r)
				}
			}()
			err = m.conn.Ping(ctx)
		}()
		m.settle(round, sent, err)
	}()
}

// settle handles the ping result of round. Only a nil error on the current,
// still open round counts as a pong; errors leave the countdown running.
func (m *Monitor) settle(round uint64, sent time.Time, err error) {
	m.mu.Lock()
	current := round == m.round && m.state == StateAwaitingPong

	if err != nil {
		span := m.span
		m.mu.Unlock()
		if !current {
			return
		}
		if span != nil {
			span.RecordError(err)
		}
		m.metrics.PingFailed()
		m.logger.PingFailed(round, err)
		return
	}

	if !current {
		m.mu.Unlock()
		m.metrics.LatePong()
		m.logger.Debug("late_pong", map[string]any{"round": round})
		return
	}

	m.countdown.Stop()
	m.countdown = nil
	m.cancelPing()
	m.cancelPing = nil
	span := m.span
	m.span = nil
	m.state = StateArmed
	rtt := m.clock.Since(sent)
	m.mu.Unlock()

	span.SetAttributes(
		attribute.String("heartbeat.outcome", "ok"),
		attribute.Int64("heartbeat.rtt_us", rtt.Microseconds()),
	)
	span.SetStatus(codes.Ok, "")
	span.End()

	m.metrics.RoundSucceeded(rtt)
	m.logger.RoundSucceeded(round, rtt)
}

// expire declares the connection dead if round is still waiting for its pong.
func (m *Monitor) expire(round uint64) {
	m.mu.Lock()
	if round != m.round || m.state != StateAwaitingPong {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	reason := errors.HeartbeatTimeout(m.cfg.timeout,
		errors.WithTimestamp(now),
		errors.WithMetadata("monitor_id", m.id),
		errors.WithMetadata("round", strconv.FormatUint(round, 10)),
	)
	m.reason = reason
	span := m.span
	m.countdown = nil // already fired
	detach := m.halt()
	m.mu.Unlock()

	if span != nil {
		span.SetAttributes(attribute.String("heartbeat.outcome", reasonTimeout))
		span.RecordError(reason)
		span.SetStatus(codes.Error, reason.Message())
		span.End()
	}

	m.metrics.HeartbeatTimeout()
	m.metrics.MonitorStopped(reasonTimeout)
	m.logger.HeartbeatTimeout(round, m.cfg.timeout)

	m.guard("emit", func() {
		m.conn.Emit(Event{
			Name:      EventHeartbeatTimeout,
			MonitorID: m.id,
			Round:     round,
			At:        now,
			Err:       reason,
		})
	})
	m.guard("kill", func() { m.kill(reason) })

	m.logger.MonitorStopped(reasonTimeout)
	if detach != nil {
		detach()
	}
}

// guard runs a caller-supplied callback and logs a panic instead of letting
// it take down the timer goroutine.
func (m *Monitor) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("callback_panic", map[string]any{
				"callback": what,
				"error":    errors.RecoverPanic(r).Error(),
			})
		}
	}()
	fn()
}

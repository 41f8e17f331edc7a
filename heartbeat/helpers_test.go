package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeConn hands every ping to the test through pings; the test answers on
// the returned channel.
type fakeConn struct {
	pings chan chan error

	// ignoreCtx makes Ping wait for the test's answer even after its context
	// ends, so late pongs can be delivered.
	ignoreCtx bool
	panicPing bool

	mu        sync.Mutex
	log       []string
	events    []Event
	destroyed []error
	pingErrs  []error
}

func newFakeConn() *fakeConn {
	return &fakeConn{pings: make(chan chan error, 16)}
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.panicPing {
		panic("ping exploded")
	}
	reply := make(chan error, 1)
	c.pings <- reply

	var err error
	if c.ignoreCtx {
		err = <-reply
	} else {
		select {
		case err = <-reply:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	c.pingErrs = append(c.pingErrs, err)
	c.mu.Unlock()
	return err
}

func (c *fakeConn) Destroy(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, "destroy")
	c.destroyed = append(c.destroyed, reason)
}

func (c *fakeConn) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, "emit:"+event.Name)
	c.events = append(c.events, event)
}

func (c *fakeConn) destroyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.destroyed)
}

func (c *fakeConn) snapshot() (log []string, events []Event, destroyed []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...), append([]Event(nil), c.events...), append([]error(nil), c.destroyed...)
}

func (c *fakeConn) pingResults() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.pingErrs...)
}

// nextPing waits for the monitor to send a ping.
func (c *fakeConn) nextPing(t *testing.T) chan error {
	t.Helper()
	select {
	case reply := <-c.pings:
		return reply
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for ping")
		return nil
	}
}

// noPing asserts that no ping is sent for a short while.
func (c *fakeConn) noPing(t *testing.T) {
	t.Helper()
	select {
	case <-c.pings:
		t.Fatal("unexpected ping")
	case <-time.After(50 * time.Millisecond):
	}
}

// recorder counts metrics callbacks.
type recorder struct {
	started, stopped, rounds, ok, pingFailed, timeouts, late atomic.Int64

	mu      sync.Mutex
	rtts    []time.Duration
	reasons []string
}

func (r *recorder) MonitorStarted() { r.started.Add(1) }
func (r *recorder) MonitorStopped(reason string) {
	r.stopped.Add(1)
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}
func (r *recorder) RoundStarted() { r.rounds.Add(1) }
func (r *recorder) RoundSucceeded(rtt time.Duration) {
	r.ok.Add(1)
	r.mu.Lock()
	r.rtts = append(r.rtts, rtt)
	r.mu.Unlock()
}
func (r *recorder) PingFailed()       { r.pingFailed.Add(1) }
func (r *recorder) HeartbeatTimeout() { r.timeouts.Add(1) }
func (r *recorder) LatePong()         { r.late.Add(1) }

func (r *recorder) lastRTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rtts) == 0 {
		return 0
	}
	return r.rtts[len(r.rtts)-1]
}

func requireState(t *testing.T, m *Monitor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor, tick,
		"state = %s, want %s", m.State(), want)
}

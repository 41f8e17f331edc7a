package natsbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/heartbeat"
	"github.com/vinayprograms/kvbeat/internal/testnet"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var hbOpts = heartbeat.Options{Timeout: 100 * time.Millisecond, Interval: 500 * time.Millisecond}

func connectViaProxy(t *testing.T, options ...Option) (*Conn, *testnet.Proxy, *clockwork.FakeClock) {
	t.Helper()
	ns := testnet.StartNATS(t)
	p := testnet.NewProxy(t, ns.Addr().String())
	clock := clockwork.NewFakeClock()

	cfg := DefaultConfig()
	cfg.URL = p.URL()
	cfg.Name = "natsbeat-test"
	cfg.ReconnectWait = 200 * time.Millisecond
	cfg.ConnectTimeout = time.Second

	options = append([]Option{WithMonitorOptions(heartbeat.WithClock(clock))}, options...)
	c, err := Connect(cfg, hbOpts, options...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, p, clock
}

func TestConn_HealthyRound(t *testing.T) {
	c, _, clock := connectViaProxy(t)
	m := c.Monitor()
	require.True(t, c.NATS().IsConnected())

	clock.Advance(hbOpts.Interval)
	require.Eventually(t, func() bool {
		return m.Round() == 1 && m.State() == heartbeat.StateArmed
	}, waitFor, tick)
}

func TestConn_TimeoutDestroysSocketAndReconnects(t *testing.T) {
	c, p, clock := connectViaProxy(t)
	first := c.Monitor()

	var mu sync.Mutex
	var got []heartbeat.Event
	c.OnHeartbeatTimeout(func(ev heartbeat.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	p.Freeze()
	before := p.Dropped()
	clock.Advance(hbOpts.Interval)
	require.Eventually(t, func() bool { return p.Dropped() > before }, waitFor, tick, "PING should be swallowed")

	clock.Advance(hbOpts.Timeout)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	p.Thaw()

	require.Equal(t, heartbeat.StateStopped, first.State())
	require.True(t, errors.Is(got[0].Err, errors.ErrCodeHeartbeatTimeout))

	require.Eventually(t, func() bool {
		return p.Accepted() == 2 && c.NATS().IsConnected()
	}, waitFor, tick, "nats.go should reconnect after the socket is destroyed")
	require.EqualValues(t, 1, c.NATS().Stats().Reconnects)

	require.Eventually(t, func() bool { return c.Monitor() != first }, waitFor, tick)
	second := c.Monitor()
	clock.Advance(hbOpts.Interval)
	require.Eventually(t, func() bool {
		return second.Round() == 1 && second.State() == heartbeat.StateArmed
	}, waitFor, tick)
}

func TestConn_WithoutRearm(t *testing.T) {
	c, p, clock := connectViaProxy(t, WithoutRearm())
	m := c.Monitor()

	p.Freeze()
	clock.Advance(hbOpts.Interval)
	require.Eventually(t, func() bool { return p.Dropped() > 0 }, waitFor, tick)
	clock.Advance(hbOpts.Timeout)

	require.Eventually(t, func() bool { return m.State() == heartbeat.StateStopped }, waitFor, tick)
	require.Same(t, m, c.Monitor())
}

func TestConnect_InvalidConfig(t *testing.T) {
	ns := testnet.StartNATS(t)
	cfg := DefaultConfig()
	cfg.URL = ns.ClientURL()

	invalid := []heartbeat.Options{
		{Timeout: time.Second, Interval: time.Second},
		{Timeout: heartbeat.DefaultInterval},
		{Timeout: 1500 * time.Microsecond},
	}
	for _, hb := range invalid {
		c, err := Connect(cfg, hb)
		if c != nil {
			t.Cleanup(c.Close)
		}
		require.Nil(t, c, "%+v", hb)
		require.True(t, errors.Is(err, errors.ErrCodeInvalidConfig), "%+v: %v", hb, err)
	}
	require.Zero(t, ns.NumClients())

	// A missing interval takes its default, so a lone timeout below it is fine.
	c, err := Connect(cfg, heartbeat.Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.Equal(t, heartbeat.DefaultInterval, c.Monitor().Config().Interval())
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 200 * time.Millisecond

	_, err := Connect(cfg, hbOpts)
	require.Error(t, err)
	require.False(t, errors.Is(err, errors.ErrCodeInvalidConfig))
}

func TestConn_CloseStopsMonitor(t *testing.T) {
	c, _, _ := connectViaProxy(t)
	m := c.Monitor()

	c.Close()
	require.Equal(t, heartbeat.StateStopped, m.State())
	require.True(t, c.NATS().IsClosed())
}

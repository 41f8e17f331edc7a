// Package heartbeat provides connection liveness detection for
// request/response network clients.
//
// # Overview
//
// A Monitor is attached to one live connection. Every Interval it sends a
// ping and starts a countdown of Timeout. If the pong arrives first the
// countdown is cancelled and the monitor waits for the next tick. If the
// countdown fires first the connection is declared dead: a heartbeat-timeout
// Event is emitted, the kill callback tears the transport down, and the
// monitor stops for good.
//
//	  tick            ping ───────────── pong?
//	Armed ──> AwaitingPong ──┬── pong first ───> Armed
//	                         └── timeout first ─> Stopped (emit, kill)
//
// The monitor never reconnects and never retries a ping inside a round. The
// wrapped client owns reconnection; the next retry unit is simply the next
// tick on a fresh monitor.
//
// # Usage
//
//	mon, err := heartbeat.Start(conn, heartbeat.Options{
//	    Timeout:  time.Second,
//	    Interval: 5 * time.Second,
//	})
//	if err != nil {
//	    // errors.Is(err, errors.ErrCodeInvalidConfig)
//	}
//	defer mon.Stop()
//
// Start is idempotent per connection: while a monitor is active for conn,
// further calls return it unchanged.
//
// # Rounds
//
// Every round gets a new, increasing round id. Pong and countdown callbacks
// capture the id of the round that created them and do nothing unless it is
// still the current round and the monitor is still awaiting a pong. A ping
// that returns an error is not a pong: the round stays open and only the
// countdown can close it.
package heartbeat

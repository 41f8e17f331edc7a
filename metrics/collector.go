// Package metrics records heartbeat monitor activity.
//
// Collector is the hook the monitor calls on every state change. Nop is the
// default; Prometheus exports the same signals under the "kvbeat" namespace.
package metrics

import "time"

// Collector receives heartbeat monitor events.
//
// Implementations must be non-blocking and safe for concurrent use; the
// monitor calls them from its tick loop, ping goroutines and timer callbacks.
type Collector interface {
	// MonitorStarted records a monitor entering the armed state.
	MonitorStarted()

	// MonitorStopped records a monitor reaching its terminal state.
	// reason is "stopped" or "heartbeat_timeout".
	MonitorStopped(reason string)

	// RoundStarted records a ping being sent.
	RoundStarted()

	// RoundSucceeded records a pong that arrived before the timeout.
	RoundSucceeded(rtt time.Duration)

	// PingFailed records a ping that returned an error.
	PingFailed()

	// HeartbeatTimeout records a connection declared dead.
	HeartbeatTimeout()

	// LatePong records a pong ignored because its round had already ended.
	LatePong()
}

// Nop discards every event.
type Nop struct{}

var _ Collector = Nop{}

// NewNop returns a collector that records nothing.
func NewNop() Nop { return Nop{} }

func (Nop) MonitorStarted()              {}
func (Nop) MonitorStopped(string)        {}
func (Nop) RoundStarted()                {}
func (Nop) RoundSucceeded(time.Duration) {}
func (Nop) PingFailed()                  {}
func (Nop) HeartbeatTimeout()            {}
func (Nop) LatePong()                    {}

package heartbeat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vinayprograms/kvbeat/errors"
)

// EventHeartbeatTimeout is emitted just before a dead connection is killed.
const EventHeartbeatTimeout = "heartbeat-timeout"

// Conn is the set of capabilities a monitor needs from the connection it
// watches. Implementations must be comparable (use pointer receivers): the
// connection value is the key that keeps Start idempotent.
type Conn interface {
	// Ping sends a liveness probe and returns when the response arrives or
	// ctx ends. A nil error is a pong.
	Ping(ctx context.Context) error

	// Destroy forcibly terminates the underlying transport. reason carries
	// code HEARTBEAT_TIMEOUT when called by the default kill callback.
	Destroy(reason error)

	// Emit publishes a monitor notification to the connection's listeners.
	Emit(event Event)
}

// Event is a monitor notification.
type Event struct {
	// Name is the event name, e.g. EventHeartbeatTimeout.
	Name string `json:"name"`

	// MonitorID identifies the monitor that raised the event.
	MonitorID string `json:"monitor_id"`

	// Round is the round that produced the event.
	Round uint64 `json:"round"`

	// At is when the event was raised, on the monitor's clock.
	At time.Time `json:"at"`

	// Err is the structured failure, if any.
	Err *errors.Error `json:"error,omitempty"`
}

// Marshal serializes an event to JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an event from JSON.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// State is the lifecycle state of a Monitor.
type State int32

const (
	// StateIdle is a constructed monitor that has not been started.
	StateIdle State = iota
	// StateArmed means the repeating timer is scheduled and no ping is open.
	StateArmed
	// StateAwaitingPong means a ping was sent and its countdown is running.
	StateAwaitingPong
	// StateStopped is terminal: after a declared death or an explicit Stop.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateAwaitingPong:
		return "awaiting_pong"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

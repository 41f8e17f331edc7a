package heartbeat

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vinayprograms/kvbeat/errors"
)

// attached maps each connection to its active monitor.
var attached = xsync.NewMap[Conn, *Monitor]()

// Start attaches a running monitor to conn.
//
// If conn already has an active monitor, Start returns it and ignores opts.
// Otherwise it validates opts, registers a new monitor for conn and arms it.
// A monitor leaves the registry when it stops, so calling Start again after a
// heartbeat timeout watches the (reconnected) connection afresh.
//
// The only error is INVALID_CONFIG; on error nothing is registered or
// scheduled.
func Start(conn Conn, opts Options, options ...Option) (*Monitor, error) {
	if conn == nil {
		return nil, errors.InvalidConfig("conn", "must not be nil")
	}

	var (
		result   *Monitor
		startErr error
	)
	attached.Compute(conn, func(old *Monitor, loaded bool) (*Monitor, xsync.ComputeOp) {
		if loaded && old.Active() {
			result = old
			return old, xsync.CancelOp
		}

		fresh, err := New(conn, opts, options...)
		if err != nil {
			startErr = err
			if loaded {
				return nil, xsync.DeleteOp
			}
			return nil, xsync.CancelOp
		}

		fresh.detach = func() { detach(conn, fresh) }
		result = fresh.Start()
		return fresh, xsync.UpdateOp
	})

	if startErr != nil {
		return nil, startErr
	}
	return result, nil
}

// Lookup returns the active monitor attached to conn, if any.
func Lookup(conn Conn) (*Monitor, bool) {
	m, ok := attached.Load(conn)
	if !ok || !m.Active() {
		return nil, false
	}
	return m, true
}

// detach removes m from the registry unless a newer monitor replaced it.
func detach(conn Conn, m *Monitor) {
	attached.Compute(conn, func(cur *Monitor, loaded bool) (*Monitor, xsync.ComputeOp) {
		if loaded && cur == m {
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
}

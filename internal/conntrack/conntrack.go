// Package conntrack wraps a dialer so that every connection it opens can be
// closed from outside, whichever client library owns it.
package conntrack

import (
	"context"
	"net"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// DialFunc matches the dial hook of go-redis and net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer records the connections it opens until they are closed.
type Dialer struct {
	dial  DialFunc
	conns *xsync.Map[*conn, struct{}]
}

// New returns a tracking dialer around dial. A nil dial uses net.Dialer.
func New(dial DialFunc) *Dialer {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &Dialer{
		dial:  dial,
		conns: xsync.NewMap[*conn, struct{}](),
	}
}

// DialContext dials and tracks the resulting connection.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c, err := d.dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tc := &conn{Conn: c, owner: d}
	d.conns.Store(tc, struct{}{})
	return tc, nil
}

// Dial implements nats.CustomDialer.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// Len returns the number of open tracked connections.
func (d *Dialer) Len() int {
	return d.conns.Size()
}

// CloseAll closes every open tracked connection and returns how many it
// closed. Connections dialed afterwards are tracked as usual.
func (d *Dialer) CloseAll() int {
	var open []*conn
	d.conns.Range(func(c *conn, _ struct{}) bool {
		open = append(open, c)
		return true
	})

	n := 0
	for _, c := range open {
		if c.close() {
			n++
		}
	}
	return n
}

type conn struct {
	net.Conn
	owner *Dialer

	once sync.Once
	err  error
}

func (c *conn) Close() error {
	c.close()
	return c.err
}

// close reports whether this call was the one that closed the connection.
func (c *conn) close() bool {
	closed := false
	c.once.Do(func() {
		c.owner.conns.Delete(c)
		c.err = c.Conn.Close()
		closed = true
	})
	return closed
}

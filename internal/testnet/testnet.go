// Package testnet provides in-process network peers for adapter tests: a
// minimal RESP server and a TCP proxy that can silently drop traffic.
//
// Both can be frozen, which makes the peer look alive at the TCP level while
// never answering. That is the failure a heartbeat exists to detect.
package testnet

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// listener owns an accept loop and the connections it produced.
type listener struct {
	ln       net.Listener
	frozen   atomic.Bool
	accepted atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func newListener(t testing.TB) *listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &listener{ln: ln, conns: make(map[net.Conn]struct{})}
}

func (l *listener) serve(handle func(net.Conn)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			c, err := l.ln.Accept()
			if err != nil {
				return
			}
			l.accepted.Add(1)
			l.track(c, true)

			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer l.track(c, false)
				defer c.Close()
				handle(c)
			}()
		}
	}()
}

func (l *listener) track(c net.Conn, open bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if open {
		l.conns[c] = struct{}{}
	} else {
		delete(l.conns, c)
	}
}

func (l *listener) close() {
	_ = l.ln.Close()
	l.mu.Lock()
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Addr returns the host:port to dial.
func (l *listener) Addr() string { return l.ln.Addr().String() }

// Freeze stops all replies until Thaw. Connections stay open.
func (l *listener) Freeze() { l.frozen.Store(true) }

// Thaw resumes replies.
func (l *listener) Thaw() { l.frozen.Store(false) }

// Accepted returns the number of connections accepted so far.
func (l *listener) Accepted() int64 { return l.accepted.Load() }

// Open returns the number of connections the peer still holds open.
func (l *listener) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Proxy forwards TCP traffic to a target address.
type Proxy struct {
	*listener
	target  string
	dropped atomic.Int64
}

// NewProxy starts a proxy to target. It is closed when the test ends.
func NewProxy(t testing.TB, target string) *Proxy {
	t.Helper()
	p := &Proxy{listener: newListener(t), target: target}
	p.serve(p.handle)
	t.Cleanup(p.close)
	return p
}

// Dropped returns the number of bytes discarded while frozen.
func (p *Proxy) Dropped() int64 { return p.dropped.Load() }

// URL returns a nats:// URL pointing at the proxy.
func (p *Proxy) URL() string { return "nats://" + p.Addr() }

func (p *Proxy) handle(client net.Conn) {
	upstream, err := net.Dial("tcp", p.target)
	if err != nil {
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() { p.pipe(upstream, client); done <- struct{}{} }()
	go func() { p.pipe(client, upstream); done <- struct{}{} }()
	<-done
}

// pipe copies src to dst, discarding everything read while frozen.
func (p *Proxy) pipe(dst io.WriteCloser, src io.Reader) {
	defer dst.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if p.frozen.Load() {
				p.dropped.Add(int64(n))
			} else if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

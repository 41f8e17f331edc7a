package testnet

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
)

// RedisServer speaks just enough RESP2 for a client to connect and PING.
// PING gets +PONG, anything else an error reply.
type RedisServer struct {
	*listener
	pings atomic.Int64
}

// NewRedisServer starts a server. It is closed when the test ends.
func NewRedisServer(t testing.TB) *RedisServer {
	t.Helper()
	s := &RedisServer{listener: newListener(t)}
	s.serve(s.handle)
	t.Cleanup(s.close)
	return s
}

// Pings returns the number of PING commands received, answered or not.
func (s *RedisServer) Pings() int64 { return s.pings.Load() }

func (s *RedisServer) handle(c net.Conn) {
	r := bufio.NewReader(c)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}

		var reply string
		switch strings.ToUpper(args[0]) {
		case "PING":
			s.pings.Add(1)
			reply = "+PONG\r\n"
		case "QUIT":
			reply = "+OK\r\n"
		default:
			reply = fmt.Sprintf("-ERR unknown command '%s'\r\n", args[0])
		}

		if s.frozen.Load() {
			continue
		}
		if _, err := c.Write([]byte(reply)); err != nil {
			return
		}
	}
}

// readCommand reads one multibulk or inline command.
func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}

	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, 0, n)
	for range n {
		hdr, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(hdr, "$") {
			return nil, fmt.Errorf("bad bulk header %q", hdr)
		}
		size, err := strconv.Atoi(hdr[1:])
		if err != nil {
			return nil, fmt.Errorf("bad bulk header %q", hdr)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

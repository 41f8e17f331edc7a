package testnet

import (
	"bufio"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedisServer_PingAndFreeze(t *testing.T) {
	srv := NewRedisServer(t)

	c, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer c.Close()
	r := bufio.NewReader(c)

	_, err = c.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+PONG\r\n", line)

	_, err = c.Write([]byte("*2\r\n$5\r\nHELLO\r\n$1\r\n3\r\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "-ERR unknown command 'HELLO'")

	srv.Freeze()
	_, err = c.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = r.ReadString('\n')
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.Eventually(t, func() bool { return srv.Pings() == 2 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, srv.Accepted())
	require.Equal(t, 1, srv.Open())
}

func TestProxy_ForwardsAndDrops(t *testing.T) {
	srv := NewRedisServer(t)
	p := NewProxy(t, srv.Addr())

	c, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	defer c.Close()
	r := bufio.NewReader(c)

	_, err = c.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+PONG\r\n", line)

	p.Freeze()
	_, err = c.Write([]byte("PING\r\n"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = r.ReadString('\n')
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.EqualValues(t, 1, srv.Pings(), "dropped traffic never reaches the target")
	require.Eventually(t, func() bool { return p.Dropped() == int64(len("PING\r\n")) }, time.Second, 5*time.Millisecond)
}

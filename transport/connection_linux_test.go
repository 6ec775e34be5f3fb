//go:build linux

package transport

import (
	"bufio"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/internal/concurrency"
	"github.com/momentics/policyd/protocol"
)

func acceptOne(t *testing.T, l *Connection) *Connection {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := l.Accept()
		if errors.Is(err, ErrWouldBlock) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		return p
	}
	t.Fatal("no connection accepted")
	return nil
}

func readRequest(t *testing.T, c *Connection) *protocol.Request {
	t.Helper()
	buf := make([]byte, 512)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := c.Read(buf)
		if errors.Is(err, ErrWouldBlock) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		req, err := c.Feed(buf[:n])
		require.NoError(t, err)
		if req != nil {
			return req
		}
	}
	t.Fatal("no request assembled")
	return nil
}

func TestTCPRoundTrip(t *testing.T) {
	l, err := Listen(ListenConfig{Network: "tcp", Address: "127.0.0.1:0", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer l.Unref("test")
	assert.True(t, l.IsListener())
	assert.Equal(t, "127.0.0.1", l.Host())
	require.NotZero(t, l.Port())

	client, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer client.Close()

	peer := acceptOne(t, l)
	defer peer.Unref("test")
	assert.Equal(t, RolePeer, peer.Role())
	assert.Equal(t, "127.0.0.1", peer.Host())
	assert.Equal(t, client.LocalAddr().(*net.TCPAddr).Port, peer.Port())
	assert.Equal(t, l.Port(), peer.ListenerPort())

	_, err = client.Write([]byte("sender=a@b\n\n"))
	require.NoError(t, err)
	req := readRequest(t, peer)
	assert.Equal(t, "a@b", req.Sender())
	assert.Equal(t, protocol.StateRequestComplete, peer.State())
	assert.Equal(t, int64(1), peer.Served())

	require.NoError(t, peer.WriteVerdict(api.VerdictOK, ""))
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "action=OK\n", line)
}

func TestUnixListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.sock")
	l, err := Listen(ListenConfig{Network: "unix", Address: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer l.Unref("test")
	assert.Equal(t, path, l.Addr())
	assert.Equal(t, 0, l.Port())

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer client.Close()
	peer := acceptOne(t, l)
	defer peer.Unref("test")
	assert.Equal(t, 0, peer.ListenerPort())
}

func TestPeerEOFAndShutdown(t *testing.T) {
	l, err := Listen(ListenConfig{Address: "127.0.0.1:0", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer l.Unref("test")

	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port())))
	require.NoError(t, err)
	peer := acceptOne(t, l)
	require.NoError(t, client.Close())

	buf := make([]byte, 16)
	require.Eventually(t, func() bool {
		_, err := peer.Read(buf)
		return err != nil && !errors.Is(err, ErrWouldBlock)
	}, 2*time.Second, time.Millisecond)

	peer.Shutdown()
	assert.False(t, peer.IsOpen())
	assert.Equal(t, protocol.StateClosed, peer.State())
	_, err = peer.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrConnClosed)
	require.NoError(t, peer.Unref("test"))
}

func TestConnectionRefCounting(t *testing.T) {
	l, err := Listen(ListenConfig{Address: "127.0.0.1:0", Logger: zerolog.Nop()})
	require.NoError(t, err)

	released := false
	l.OnRelease(func(*Connection) { released = true })
	require.NoError(t, l.Ref("worker"))
	assert.Equal(t, 2, l.RefCount())
	require.NoError(t, l.Unref("worker"))
	assert.False(t, released)
	require.NoError(t, l.Unref("owner"))
	assert.True(t, released)

	assert.ErrorIs(t, l.Ref("late"), concurrency.ErrRefAfterRelease)
	assert.ErrorIs(t, l.Unref("late"), concurrency.ErrOverRelease)
}

func TestAcceptOnPeerFails(t *testing.T) {
	l, err := Listen(ListenConfig{Address: "127.0.0.1:0", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer l.Unref("test")
	_, err = l.Accept()
	assert.ErrorIs(t, err, ErrWouldBlock)

	client, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer client.Close()
	peer := acceptOne(t, l)
	defer peer.Unref("test")
	_, err = peer.Accept()
	assert.ErrorIs(t, err, ErrNotListener)
}

func TestConnectionData(t *testing.T) {
	c := newConnection(-1, RolePeer, "tcp", nil, 0, zerolog.Nop())
	c.SetData("k", 1)
	v, ok := c.Data("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	c.SetData("k", nil)
	_, ok = c.Data("k")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, c.IdleFor(time.Now().Add(time.Second)), time.Second)
}

func TestListenRejectsUnknownNetwork(t *testing.T) {
	_, err := Listen(ListenConfig{Network: "udp", Address: ":0"})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

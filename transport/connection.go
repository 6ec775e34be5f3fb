// File: transport/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/internal/concurrency"
	"github.com/momentics/policyd/protocol"
)

var (
	// ErrWouldBlock means the operation found no data or no pending peer.
	ErrWouldBlock = errors.New("transport: operation would block")
	// ErrNotListener is returned by Accept on a peer connection.
	ErrNotListener = errors.New("transport: not a listener")
	// ErrConnClosed is returned for I/O on a shut down connection.
	ErrConnClosed = errors.New("transport: connection closed")
)

// DefaultWriteTimeout bounds a verdict write on a slow peer.
const DefaultWriteTimeout = 5 * time.Second

var connSeq atomic.Uint64

// Role tells listeners from accepted peers.
type Role int

const (
	RoleListener Role = iota
	RolePeer
)

func (r Role) String() string {
	if r == RoleListener {
		return "listener"
	}
	return "peer"
}

// Connection is a listener or an accepted peer socket.
//
// The reader loop holds the creation reference while the connection is
// watched; each in-flight request holds another. The descriptor is closed
// when the last reference is dropped.
type Connection struct {
	id       uint64
	fd       int
	role     Role
	network  string
	listener *Connection
	maxLine  int
	log      zerolog.Logger

	refs   *concurrency.RefCount
	closed atomic.Bool
	state  atomic.Int32

	addrOnce sync.Once
	sockaddr any // peer address for peers, nil for listeners
	host     string
	port     int

	parser       *protocol.Parser
	created      time.Time
	lastActivity atomic.Int64
	served       atomic.Int64
	writeTimeout atomic.Int64

	data      sync.Map
	onRelease func(*Connection)
}

func newConnection(fd int, role Role, network string, listener *Connection, maxLine int, log zerolog.Logger) *Connection {
	c := &Connection{
		id:       connSeq.Add(1),
		fd:       fd,
		role:     role,
		network:  network,
		listener: listener,
		maxLine:  maxLine,
		refs:     concurrency.NewRefCount(),
		created:  time.Now(),
	}
	c.log = log.With().Uint64("conn_id", c.id).Str("role", role.String()).Logger()
	c.writeTimeout.Store(int64(DefaultWriteTimeout))
	c.lastActivity.Store(c.created.UnixNano())
	if role == RolePeer {
		c.parser = protocol.NewParser(maxLine)
	}
	return c
}

func (c *Connection) ID() uint64             { return c.id }
func (c *Connection) Fd() int                { return c.fd }
func (c *Connection) Role() Role             { return c.role }
func (c *Connection) IsListener() bool       { return c.role == RoleListener }
func (c *Connection) Network() string        { return c.network }
func (c *Connection) Listener() *Connection  { return c.listener }
func (c *Connection) Created() time.Time     { return c.created }
func (c *Connection) Logger() zerolog.Logger { return c.log }

// Host returns the peer IP for peers and the bound address for listeners.
// Unix sockets report their path.
func (c *Connection) Host() string {
	c.resolveAddr()
	return c.host
}

// Port returns the peer port for peers and the bound port for listeners.
// Unix sockets report 0.
func (c *Connection) Port() int {
	c.resolveAddr()
	return c.port
}

// Addr returns host:port, or the path for unix sockets.
func (c *Connection) Addr() string {
	if c.network == "unix" {
		return c.Host()
	}
	return net.JoinHostPort(c.Host(), strconv.Itoa(c.Port()))
}

// ListenerPort returns the port of the listener that accepted this peer, or
// the connection's own port for listeners.
func (c *Connection) ListenerPort() int {
	if c.listener != nil {
		return c.listener.Port()
	}
	return c.Port()
}

func (c *Connection) resolveAddr() {
	c.addrOnce.Do(func() {
		if c.role == RoleListener {
			c.host, c.port = localAddr(c.fd)
			return
		}
		c.host, c.port = formatSockaddr(c.sockaddr)
	})
}

// State returns the protocol state of the connection.
func (c *Connection) State() protocol.State {
	return protocol.State(c.state.Load())
}

// SetState records a protocol state transition. Closed is final.
func (c *Connection) SetState(s protocol.State) {
	for {
		cur := c.state.Load()
		if protocol.State(cur) == protocol.StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// IsOpen reports whether Shutdown has not been called.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// Valid reports whether the descriptor is still open at the OS level.
func (c *Connection) Valid() bool {
	return sysValid(c.fd)
}

// Ref takes a reference. It fails once the connection was released.
func (c *Connection) Ref(who string) error {
	if err := c.refs.Ref(who); err != nil {
		c.log.Error().Err(err).Msg("reference on released connection")
		return err
	}
	return nil
}

// Unref drops a reference and closes the descriptor on the last one.
func (c *Connection) Unref(who string) error {
	released, err := c.refs.Unref(who)
	if err != nil {
		c.log.Error().Err(err).Msg("connection over-released")
		return err
	}
	if released {
		c.closed.Store(true)
		c.SetState(protocol.StateClosed)
		if err := sysClose(c.fd); err != nil {
			c.log.Debug().Err(err).Msg("close descriptor")
		}
		c.log.Debug().Str("released_by", who).Msg("connection released")
		if c.onRelease != nil {
			c.onRelease(c)
		}
	}
	return nil
}

// RefCount returns the number of live references.
func (c *Connection) RefCount() int {
	return c.refs.Count()
}

// OnRelease installs a callback run after the descriptor is closed.
// It must be set before the connection is shared.
func (c *Connection) OnRelease(fn func(*Connection)) {
	c.onRelease = fn
}

// Shutdown marks the connection closed and shuts the socket down so the peer
// sees EOF. The descriptor stays valid until the last Unref.
func (c *Connection) Shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.SetState(protocol.StateClosed)
	if c.role == RolePeer {
		_ = sysShutdown(c.fd)
	}
}

// Feed passes freshly read bytes to the request parser. Only the reader
// goroutine may call it.
func (c *Connection) Feed(data []byte) (*protocol.Request, error) {
	if c.parser == nil || c.closed.Load() {
		return nil, ErrConnClosed
	}
	if len(data) > 0 {
		c.lastActivity.Store(time.Now().UnixNano())
	}
	req, err := c.parser.Feed(data)
	c.syncParserState(req)
	return req, err
}

// NextRequest assembles a request from already buffered bytes.
func (c *Connection) NextRequest() (*protocol.Request, error) {
	if c.parser == nil || c.closed.Load() {
		return nil, ErrConnClosed
	}
	req, err := c.parser.Next()
	c.syncParserState(req)
	return req, err
}

func (c *Connection) syncParserState(req *protocol.Request) {
	if c.parser == nil {
		return
	}
	if req != nil {
		c.served.Add(1)
	}
	c.SetState(c.parser.State())
}

// Read reads available bytes. It returns io.EOF when the peer closed and
// ErrWouldBlock when nothing is pending.
func (c *Connection) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrConnClosed
	}
	n, err := sysRead(c.fd, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// SetWriteTimeout bounds each Write. Zero restores the default.
func (c *Connection) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultWriteTimeout
	}
	c.writeTimeout.Store(int64(d))
}

// Write writes all of p, waiting for the socket to drain up to the write
// timeout.
func (c *Connection) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrConnClosed
	}
	return sysWriteAll(c.fd, p, time.Duration(c.writeTimeout.Load()))
}

// WriteVerdict sends the response for one request.
func (c *Connection) WriteVerdict(v api.Verdict, msg string) error {
	return protocol.WriteVerdict(c, v, msg)
}

// Served returns the number of requests assembled on this connection.
func (c *Connection) Served() int64 {
	return c.served.Load()
}

// IdleFor returns the time since the last received bytes.
func (c *Connection) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// SetData attaches a value to the connection.
func (c *Connection) SetData(key string, v any) {
	if v == nil {
		c.data.Delete(key)
		return
	}
	c.data.Store(key, v)
}

// Data returns a value attached with SetData.
func (c *Connection) Data(key string) (any, bool) {
	return c.data.Load(key)
}

// Accept returns the next pending peer, ErrWouldBlock when none is queued.
func (c *Connection) Accept() (*Connection, error) {
	if c.role != RoleListener {
		return nil, ErrNotListener
	}
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	fd, sa, err := sysAccept(c.fd, c.network)
	if err != nil {
		return nil, err
	}
	peer := newConnection(fd, RolePeer, c.network, c, c.maxLine, c.log)
	peer.sockaddr = sa
	return peer, nil
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s#%d(%s)", c.role, c.id, c.Addr())
}

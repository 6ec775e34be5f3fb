// File: server/reader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reader is the single event loop that owns the multiplexer: it accepts
// peers, reads and assembles requests and hands complete ones to the worker
// pool. Other goroutines talk to it only through its command queue.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/internal/concurrency"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/reactor"
	"github.com/momentics/policyd/transport"
)

var (
	// ErrReaderStopped is returned for commands sent after the loop exited.
	ErrReaderStopped = errors.New("server: reader stopped")
	// ErrReaderRunning is returned by a second Start.
	ErrReaderRunning = errors.New("server: reader already running")
)

const (
	readBufferSize  = 16 << 10
	acceptBatch     = 64
	maxWaitFailures = 2
	reapInterval    = time.Second
)

type commandKind int

const (
	cmdWatch commandKind = iota
	cmdRewatch
	cmdBackend
	cmdForeach
	cmdUnlisten
	cmdTerminate
)

type command struct {
	kind    commandKind
	conn    *transport.Connection
	backend reactor.Backend
	each    func(*transport.Connection) bool
	done    chan error
}

type peer struct {
	conn       *transport.Connection
	dispatched bool
}

// readerHooks connect the loop to the rest of the server. All of them run
// on the reader goroutine.
type readerHooks struct {
	// dispatch takes ownership of a complete request. An error closes the
	// connection.
	dispatch  func(*transport.Connection, *protocol.Request) error
	opened    func(*transport.Connection)
	refused   func(*transport.Connection)
	violation func(*transport.Connection, error)
}

// ReaderStats is a point-in-time view of the loop.
type ReaderStats struct {
	Backend    string `json:"backend"`
	Listeners  int    `json:"listeners"`
	Peers      int    `json:"peers"`
	Dispatched int    `json:"dispatched"`
	Iterations uint64 `json:"iterations"`
	WaitErrors uint64 `json:"wait_errors"`
	Blocked    bool   `json:"blocked"`
}

// Reader runs the event loop on one goroutine.
type Reader struct {
	log         zerolog.Logger
	hooks       readerHooks
	idleTimeout time.Duration
	maxConns    int

	commands *concurrency.Queue[command]
	exited   *concurrency.Queue[error] // shutdown rendezvous
	waker    *reactor.Waker
	started  atomic.Bool
	stopped  atomic.Bool

	// owned by the loop goroutine
	backend   reactor.Backend
	group     reactor.Group
	listeners map[int]*transport.Connection
	peers     map[int]*peer
	buf       []byte
	failures  int
	lastReap  time.Time

	backendName atomic.Value // string
	nListeners  atomic.Int32
	nPeers      atomic.Int32
	nDispatched atomic.Int32
	iterations  atomic.Uint64
	waitErrors  atomic.Uint64
	blocked     atomic.Bool
}

func newReader(backend reactor.Backend, hooks readerHooks, idle time.Duration, maxConns int, log zerolog.Logger) (*Reader, error) {
	waker, err := reactor.NewWaker()
	if err != nil {
		return nil, err
	}
	r := &Reader{
		log:         log.With().Str("component", "reader").Logger(),
		hooks:       hooks,
		idleTimeout: idle,
		maxConns:    maxConns,
		commands:    concurrency.NewQueue[command](),
		exited:      concurrency.NewQueue[error](),
		waker:       waker,
		backend:     backend,
		listeners:   make(map[int]*transport.Connection),
		peers:       make(map[int]*peer),
		buf:         make([]byte, readBufferSize),
	}
	r.backendName.Store(backend.Name())
	return r, nil
}

// Start launches the loop goroutine.
func (r *Reader) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrReaderRunning
	}
	g, err := r.backend.Create(reactor.EventRead)
	if err != nil {
		r.started.Store(false)
		return fmt.Errorf("server: create %s watch group: %w", r.backend.Name(), err)
	}
	r.group = g
	go r.run()
	return nil
}

// Watch hands a listener to the loop. The loop takes the caller's reference.
func (r *Reader) Watch(l *transport.Connection) error {
	return r.send(command{kind: cmdWatch, conn: l}, false)
}

// Rewatch returns a peer to the read set after its verdict was written.
func (r *Reader) Rewatch(c *transport.Connection) error {
	return r.send(command{kind: cmdRewatch, conn: c}, false)
}

// SetBackend swaps the multiplexer between two waits and reports whether the
// new backend could build its watch group.
func (r *Reader) SetBackend(ctx context.Context, b reactor.Backend) error {
	if b == nil {
		return fmt.Errorf("server: nil backend")
	}
	if !r.started.Load() {
		r.backend = b
		r.backendName.Store(b.Name())
		return nil
	}
	done := make(chan error, 1)
	if err := r.send(command{kind: cmdBackend, backend: b, done: done}, true); err != nil {
		return err
	}
	return r.await(ctx, done)
}

// Foreach runs fn on the loop goroutine for every watched peer until fn
// returns false.
func (r *Reader) Foreach(ctx context.Context, fn func(*transport.Connection) bool) error {
	done := make(chan error, 1)
	if err := r.send(command{kind: cmdForeach, each: fn, done: done}, false); err != nil {
		return err
	}
	return r.await(ctx, done)
}

// Unlisten closes every listener so that no new peer is accepted. Watched
// peers are kept.
func (r *Reader) Unlisten(ctx context.Context) error {
	done := make(chan error, 1)
	if err := r.send(command{kind: cmdUnlisten, done: done}, true); err != nil {
		return err
	}
	if !r.started.Load() {
		return nil
	}
	return r.await(ctx, done)
}

// Stop asks the loop to exit after the current iteration and waits for it.
func (r *Reader) Stop(ctx context.Context) error {
	if r.started.CompareAndSwap(false, true) {
		// never ran: release what was handed over
		r.stopped.Store(true)
		r.commands.Close()
		r.teardown()
		_ = r.exited.Push(nil)
		return nil
	}
	if r.stopped.CompareAndSwap(false, true) {
		_ = r.commands.PushPriority(command{kind: cmdTerminate})
		_ = r.waker.Wake()
	}
	return r.Wait(ctx)
}

// Wait blocks until the loop exited and returns its exit error.
func (r *Reader) Wait(ctx context.Context) error {
	err, perr := r.exited.PopContext(ctx)
	if perr != nil {
		return perr
	}
	// leave the result for the next waiter
	_ = r.exited.Push(err)
	return err
}

// Stats reports loop counters.
func (r *Reader) Stats() ReaderStats {
	name, _ := r.backendName.Load().(string)
	return ReaderStats{
		Backend:    name,
		Listeners:  int(r.nListeners.Load()),
		Peers:      int(r.nPeers.Load()),
		Dispatched: int(r.nDispatched.Load()),
		Iterations: r.iterations.Load(),
		WaitErrors: r.waitErrors.Load(),
		Blocked:    r.blocked.Load(),
	}
}

func (r *Reader) send(cmd command, priority bool) error {
	if r.stopped.Load() {
		return ErrReaderStopped
	}
	var err error
	if priority {
		err = r.commands.PushPriority(cmd)
	} else {
		err = r.commands.Push(cmd)
	}
	if err != nil {
		return ErrReaderStopped
	}
	if r.started.Load() {
		return r.waker.Wake()
	}
	return nil
}

func (r *Reader) await(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reader) run() {
	r.log.Info().Str("backend", r.backend.Name()).Msg("reader started")
	err := r.loop()
	if err != nil {
		r.log.Error().Err(err).Msg("reader failed")
	}
	r.stopped.Store(true)
	r.commands.Close()
	r.teardown()
	r.log.Info().Msg("reader stopped")
	_ = r.exited.Push(err)
}

func (r *Reader) loop() error {
	for {
		if stop := r.drainCommands(); stop {
			return nil
		}

		maxFD, err := r.arm()
		if err != nil {
			return err
		}

		r.blocked.Store(true)
		n, err := r.backend.Wait(r.group, maxFD)
		r.blocked.Store(false)
		r.iterations.Add(1)

		if err != nil {
			if err := r.waitFailed(err); err != nil {
				return err
			}
			continue
		}
		r.failures = 0

		if n > 0 {
			if r.backend.HasDispatch(r.group) {
				r.backend.Dispatch(r.group, n, r.ready)
			} else {
				r.scan()
			}
		}
		r.reapIdle(time.Now())
	}
}

// arm rebuilds the watch set for the next wait.
func (r *Reader) arm() (int, error) {
	b, g := r.backend, r.group
	b.Clear(g)

	maxFD := r.waker.Fd()
	if !b.Add(g, r.waker.Fd(), reactor.EventRead, nil) {
		return 0, fmt.Errorf("server: %s backend cannot watch the control pipe: %w", b.Name(), reactor.ErrFatal)
	}
	for fd, l := range r.listeners {
		if !b.Add(g, fd, reactor.EventRead, l) {
			r.log.Error().Int("fd", fd).Msg("listener cannot be watched")
			continue
		}
		maxFD = max(maxFD, fd)
	}
	for fd, p := range r.peers {
		if p.dispatched {
			// only hangup and error are of interest until the verdict is out
			if b.Add(g, fd, reactor.EventError, p.conn) {
				maxFD = max(maxFD, fd)
			}
			continue
		}
		if !b.Add(g, fd, reactor.EventRead, p.conn) {
			r.drop(p.conn, "descriptor cannot be watched")
			continue
		}
		maxFD = max(maxFD, fd)
	}
	return maxFD + 1, nil
}

func (r *Reader) waitFailed(err error) error {
	switch {
	case errors.Is(err, reactor.ErrInterrupted):
		return nil
	case errors.Is(err, reactor.ErrFatal):
		return err
	case errors.Is(err, reactor.ErrBadDescriptor):
		r.waitErrors.Add(1)
		r.log.Warn().Err(err).Msg("probing watched descriptors")
		r.pruneInvalid()
		return nil
	}
	r.waitErrors.Add(1)
	r.failures++
	r.log.Warn().Err(err).Int("consecutive", r.failures).Msg("wait failed")
	if r.failures >= maxWaitFailures {
		return fmt.Errorf("server: giving up after %d wait failures: %w", r.failures, err)
	}
	return nil
}

func (r *Reader) pruneInvalid() {
	for fd, l := range r.listeners {
		if !l.Valid() {
			r.log.Error().Int("fd", fd).Msg("dropping invalid listener")
			delete(r.listeners, fd)
			r.nListeners.Add(-1)
			_ = l.Unref("reader")
		}
	}
	for _, p := range r.peers {
		if !p.conn.Valid() {
			r.drop(p.conn, "invalid descriptor")
		}
	}
}

// ready handles one descriptor reported by a dispatching backend.
func (r *Reader) ready(fd int, _ reactor.FDEventType, v any) {
	if fd == r.waker.Fd() {
		r.waker.Drain()
		return
	}
	conn, _ := v.(*transport.Connection)
	if conn == nil {
		return
	}
	if conn.IsListener() {
		if l, ok := r.listeners[fd]; ok && l == conn {
			r.accept(l)
		}
		return
	}
	if p, ok := r.peers[fd]; ok && p.conn == conn {
		r.service(p)
	}
}

// scan handles readiness for backends without dispatch support.
func (r *Reader) scan() {
	b, g := r.backend, r.group
	if b.IsSet(g, r.waker.Fd()) {
		r.waker.Drain()
	}
	for fd, l := range r.listeners {
		if b.IsSet(g, fd) {
			r.accept(l)
		}
	}
	for fd, p := range r.peers {
		if b.IsSet(g, fd) {
			r.service(p)
		}
	}
}

func (r *Reader) accept(l *transport.Connection) {
	for i := 0; i < acceptBatch; i++ {
		c, err := l.Accept()
		if err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) {
				r.log.Error().Err(err).Str("listener", l.Addr()).Msg("accept failed")
			}
			return
		}
		if r.maxConns > 0 && len(r.peers) >= r.maxConns {
			c.Logger().Warn().Int("max_connections", r.maxConns).Msg("connection limit reached")
			if r.hooks.refused != nil {
				r.hooks.refused(c)
			}
			c.Shutdown()
			_ = c.Unref("reader")
			continue
		}
		if r.hooks.opened != nil {
			r.hooks.opened(c)
		}
		r.peers[c.Fd()] = &peer{conn: c}
		r.nPeers.Add(1)
		c.Logger().Debug().Str("remote", c.Addr()).Int("port", c.ListenerPort()).Msg("accepted")
	}
}

// service performs one read on a ready peer.
func (r *Reader) service(p *peer) {
	c := p.conn
	if p.dispatched {
		// error-only interest fired
		r.drop(c, "peer hung up while dispatched")
		return
	}
	n, err := c.Read(r.buf)
	switch {
	case errors.Is(err, transport.ErrWouldBlock):
		return
	case errors.Is(err, io.EOF):
		r.drop(c, "peer closed")
		return
	case err != nil:
		r.drop(c, err.Error())
		return
	}
	req, err := c.Feed(r.buf[:n])
	r.handleRequest(p, req, err)
}

func (r *Reader) handleRequest(p *peer, req *protocol.Request, err error) {
	c := p.conn
	if err != nil {
		c.Logger().Warn().Err(err).Str("remote", c.Addr()).Msg("protocol violation")
		if r.hooks.violation != nil {
			r.hooks.violation(c, err)
		}
		r.drop(c, "protocol violation")
		return
	}
	if req == nil {
		return
	}
	p.dispatched = true
	r.nDispatched.Add(1)
	c.SetState(protocol.StateDispatched)
	if err := r.hooks.dispatch(c, req); err != nil {
		c.Logger().Error().Err(err).Str("request_id", req.ID).Msg("dispatch failed")
		r.drop(c, "dispatch failed")
	}
}

func (r *Reader) rewatch(c *transport.Connection) {
	p, ok := r.peers[c.Fd()]
	if !ok || p.conn != c {
		// dropped while the worker held it
		return
	}
	if p.dispatched {
		p.dispatched = false
		r.nDispatched.Add(-1)
	}
	if !c.IsOpen() {
		r.drop(c, "closed by worker")
		return
	}
	req, err := c.NextRequest()
	r.handleRequest(p, req, err)
}

func (r *Reader) drop(c *transport.Connection, reason string) {
	p, ok := r.peers[c.Fd()]
	if !ok || p.conn != c {
		return
	}
	delete(r.peers, c.Fd())
	r.nPeers.Add(-1)
	if p.dispatched {
		r.nDispatched.Add(-1)
	}
	c.Logger().Debug().Str("reason", reason).Int64("served", c.Served()).Msg("closing connection")
	c.Shutdown()
	_ = c.Unref("reader")
}

func (r *Reader) reapIdle(now time.Time) {
	if r.idleTimeout <= 0 || now.Sub(r.lastReap) < reapInterval {
		return
	}
	r.lastReap = now
	for _, p := range r.peers {
		if !p.dispatched && p.conn.IdleFor(now) > r.idleTimeout {
			r.drop(p.conn, "idle timeout")
		}
	}
}

// drainCommands applies queued commands and reports whether to stop.
func (r *Reader) drainCommands() bool {
	for {
		cmd, ok := r.commands.TryPop()
		if !ok {
			return false
		}
		switch cmd.kind {
		case cmdTerminate:
			return true
		case cmdWatch:
			r.listeners[cmd.conn.Fd()] = cmd.conn
			r.nListeners.Add(1)
			r.log.Info().Str("listen", cmd.conn.Addr()).Msg("watching listener")
		case cmdRewatch:
			r.rewatch(cmd.conn)
		case cmdBackend:
			cmd.done <- r.swapBackend(cmd.backend)
		case cmdForeach:
			for _, p := range r.peers {
				if !cmd.each(p.conn) {
					break
				}
			}
			cmd.done <- nil
		case cmdUnlisten:
			r.closeListeners()
			cmd.done <- nil
		}
	}
}

func (r *Reader) swapBackend(b reactor.Backend) error {
	g, err := b.Create(reactor.EventRead)
	if err != nil {
		r.log.Error().Err(err).Str("backend", b.Name()).Msg("backend change rejected")
		return fmt.Errorf("server: create %s watch group: %w", b.Name(), err)
	}
	r.backend.Destroy(r.group)
	r.log.Info().Str("from", r.backend.Name()).Str("to", b.Name()).Msg("backend changed")
	r.backend, r.group = b, g
	r.backendName.Store(b.Name())
	r.failures = 0
	return nil
}

func (r *Reader) closeListeners() {
	for fd, l := range r.listeners {
		delete(r.listeners, fd)
		l.Shutdown()
		_ = l.Unref("reader")
		r.log.Info().Str("listen", l.Addr()).Msg("listener closed")
	}
	r.nListeners.Store(0)
}

func (r *Reader) teardown() {
	for {
		cmd, ok := r.commands.TryPop()
		if !ok {
			break
		}
		switch cmd.kind {
		case cmdWatch:
			r.listeners[cmd.conn.Fd()] = cmd.conn
		case cmdBackend, cmdForeach, cmdUnlisten:
			cmd.done <- ErrReaderStopped
		}
	}
	if r.group != nil {
		r.backend.Destroy(r.group)
		r.group = nil
	}
	r.closeIdle()
	_ = r.waker.Close()
}

// closeIdle releases everything the loop owns.
func (r *Reader) closeIdle() {
	r.closeListeners()
	for _, p := range r.peers {
		r.drop(p.conn, "reader stopped")
	}
}

// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server is the policy daemon aggregate. It is built in a fixed order
// (shared data, reader, worker pool, handler registry) and torn down in
// reverse: listeners first, then in-flight requests, then the reader and
// finally the pool.

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/adapters"
	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/control"
	"github.com/momentics/policyd/internal/concurrency"
	"github.com/momentics/policyd/pipeline"
	"github.com/momentics/policyd/reactor"
	"github.com/momentics/policyd/transport"
)

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrServerClosed   = errors.New("server closed")
)

// Server accepts policy requests and answers them through the handler
// registry.
type Server struct {
	cfg        *Config
	log        zerolog.Logger
	metrics    *control.Metrics
	middleware []pipeline.Middleware
	backend    reactor.Backend

	data     *concurrency.Map[any]
	reader   *Reader
	pool     *concurrency.Pool
	executor *adapters.ExecutorAdapter
	registry *pipeline.Registry

	mu       sync.RWMutex // guards closing against new dispatches
	closing  bool
	inflight sync.WaitGroup
	active   atomic.Int64
	served   atomic.Int64

	started  atomic.Bool
	shutOnce sync.Once
	shutErr  error
}

// NewServer builds the server. Handlers may be registered until Start.
func NewServer(cfg *Config, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{cfg: cfg, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "server").Logger()

	s.data = concurrency.NewMap[any]()

	if s.backend == nil {
		b, err := reactor.New(cfg.Backend, reactor.Options{WaitTimeout: cfg.WaitTimeout})
		if err != nil {
			return nil, err
		}
		s.backend = b
	}
	reader, err := newReader(s.backend, readerHooks{
		dispatch:  s.dispatch,
		opened:    s.opened,
		refused:   s.refused,
		violation: s.violation,
	}, cfg.IdleTimeout, cfg.MaxConnections, s.log)
	if err != nil {
		return nil, err
	}
	s.reader = reader

	poolCfg := cfg.Pool
	poolCfg.Logger = s.log
	if cfg.ExclusivePool {
		s.pool = concurrency.NewPool(poolCfg)
	} else {
		s.pool = concurrency.AcquireShared(poolCfg)
	}
	s.executor = adapters.NewExecutorAdapter(s.pool)

	regOpts := []pipeline.Option{
		pipeline.WithLogger(s.log),
		pipeline.WithDefault(cfg.DefaultVerdict),
	}
	if s.metrics != nil {
		regOpts = append(regOpts, pipeline.WithFaultHook(s.metrics.HandlerFault))
	}
	s.registry = pipeline.NewRegistry(regOpts...)
	if s.metrics != nil {
		s.registry.Use(pipeline.Timing(s.metrics.ObserveHandler))
		s.registerPoolGauges()
	}
	s.registry.Use(s.middleware...)
	return s, nil
}

// Listen binds a listener and hands it to the reader. Peers accepted on it
// are matched against handlers registered for its port.
func (s *Server) Listen(network, address string) (*transport.Connection, error) {
	l, err := transport.Listen(transport.ListenConfig{
		Network:       network,
		Address:       address,
		MaxLineLength: s.cfg.MaxLineLength,
		Logger:        s.log,
	})
	if err != nil {
		return nil, err
	}
	if err := s.reader.Watch(l); err != nil {
		l.Shutdown()
		_ = l.Unref("reader")
		return nil, err
	}
	return l, nil
}

// Register adds a handler. Lower priority runs first; port 0 matches every
// listener.
func (s *Server) Register(id string, fn pipeline.HandlerFunc, priority, port int, data any) (*pipeline.Registration, error) {
	return s.registry.Register(id, fn, priority, port, data)
}

// SetFinalStateHandler installs the observer called after every verdict.
func (s *Server) SetFinalStateHandler(fn pipeline.FinalStateFunc, data any) {
	s.registry.SetFinalStateHandler(fn, data)
}

// Registry exposes the handler registry for reconfiguration.
func (s *Server) Registry() *pipeline.Registry {
	return s.registry
}

// Start freezes the handler set and starts the reader.
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.registry.Freeze()
	if err := s.reader.Start(); err != nil {
		return err
	}
	s.log.Info().
		Str("backend", s.reader.Stats().Backend).
		Int("handlers", s.registry.Len()).
		Int("workers", s.pool.NumWorkers()).
		Str("default_verdict", s.registry.Default().String()).
		Msg("server started")
	return nil
}

// Run starts the server and blocks until ctx is done or the reader fails,
// then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	readerDone := make(chan error, 1)
	go func() { readerDone <- s.reader.Wait(context.Background()) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-readerDone:
		if runErr != nil {
			runErr = fmt.Errorf("server: reader: %w", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// SetBackend swaps the multiplexer of a running server.
func (s *Server) SetBackend(ctx context.Context, b reactor.Backend) error {
	return s.reader.SetBackend(ctx, b)
}

// SetBackendKind swaps to a built-in multiplexer.
func (s *Server) SetBackendKind(ctx context.Context, kind reactor.Kind) error {
	b, err := reactor.New(kind, reactor.Options{WaitTimeout: s.cfg.WaitTimeout})
	if err != nil {
		return err
	}
	return s.SetBackend(ctx, b)
}

// Foreach calls fn on the reader goroutine for every connected peer.
func (s *Server) Foreach(ctx context.Context, fn func(*transport.Connection) bool) error {
	return s.reader.Foreach(ctx, fn)
}

// Stats returns reader, pool and request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Reader:         s.reader.Stats(),
		Pool:           s.pool.Stats(),
		Handlers:       s.registry.Len(),
		Served:         s.served.Load(),
		InFlight:       s.active.Load(),
		DefaultVerdict: s.registry.Default(),
	}
}

// Shutdown stops accepting peers, waits for in-flight requests until ctx is
// done, stops the reader and releases the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() {
		s.shutErr = s.shutdown(ctx)
	})
	return s.shutErr
}

func (s *Server) shutdown(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("server shutting down")

	if err := s.reader.Unlisten(ctx); err != nil && !errors.Is(err, ErrReaderStopped) {
		s.log.Warn().Err(err).Msg("closing listeners")
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	forced := false
	select {
	case <-drained:
	case <-ctx.Done():
		forced = true
		s.log.Warn().Int64("in_flight", s.active.Load()).Msg("shutdown deadline reached with requests in flight")
	}

	var errs []error
	if err := s.reader.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reader: %w", err))
	}
	if s.cfg.ExclusivePool {
		if err := s.pool.Exit(ctx, forced); err != nil {
			errs = append(errs, fmt.Errorf("pool: %w", err))
		}
	} else if err := concurrency.ReleaseShared(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}

	s.log.Info().Dur("took", time.Since(start)).Int64("served", s.served.Load()).Msg("server stopped")
	return errors.Join(errs...)
}

func (s *Server) registerPoolGauges() {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"pool_workers_running", "Worker goroutines alive.", func() float64 { return float64(s.pool.Stats().Running) }},
		{"pool_workers_waiting", "Workers idle on the task queue.", func() float64 { return float64(s.pool.Stats().Waiting) }},
		{"pool_tasks_pending", "Tasks queued and not yet started.", func() float64 { return float64(s.pool.Stats().Pending) }},
		{"pool_events", "Timer events installed.", func() float64 { return float64(s.pool.EventStats()) }},
		{"requests_in_flight", "Requests dispatched and not yet answered.", func() float64 { return float64(s.active.Load()) }},
	}
	for _, g := range gauges {
		if err := s.metrics.GaugeFunc(g.name, g.help, g.fn); err != nil {
			s.log.Debug().Err(err).Str("gauge", g.name).Msg("gauge not registered")
		}
	}
}

var _ api.GracefulShutdown = (*Server)(nil)

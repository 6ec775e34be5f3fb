// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/rs/zerolog"

	"github.com/momentics/policyd/control"
	"github.com/momentics/policyd/pipeline"
	"github.com/momentics/policyd/reactor"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger sets the root logger.
func WithLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics records requests, connections and handler timings.
func WithMetrics(m *control.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMiddleware wraps every handler registered afterwards, in FIFO order.
func WithMiddleware(mw ...pipeline.Middleware) ServerOption {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithBackend replaces the configured multiplexer, typically with a
// reactor.Custom.
func WithBackend(b reactor.Backend) ServerOption {
	return func(s *Server) {
		s.backend = b
	}
}

// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/control"
	"github.com/momentics/policyd/internal/concurrency"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/reactor"
)

// Config holds all server-side configuration parameters.
type Config struct {
	MaxLineLength   int           // longest accepted attribute line
	DefaultVerdict  api.Verdict   // answer when no handler decides
	Backend         reactor.Kind  // multiplexer used by the reader
	WaitTimeout     time.Duration // upper bound of one multiplexer wait
	IdleTimeout     time.Duration // 0 keeps idle peers forever
	MaxConnections  int           // 0 = unlimited
	WriteTimeout    time.Duration // per verdict write
	ShutdownTimeout time.Duration // graceful drain bound used by Run
	Pool            concurrency.PoolConfig
	// ExclusivePool gives the server its own worker pool instead of the
	// process-wide shared one.
	ExclusivePool bool
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxLineLength:   protocol.DefaultMaxLineLength,
		DefaultVerdict:  api.VerdictDunno,
		Backend:         reactor.KindEpoll,
		WaitTimeout:     time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Pool: concurrency.PoolConfig{
			Threads:   5,
			MaxLimit:  40,
			AddStep:   1,
			AddPeriod: 5 * time.Second,
		},
	}
}

// ConfigFrom maps a loaded daemon configuration onto server settings.
func ConfigFrom(c *control.Config) *Config {
	wp := c.WorkerPool
	return &Config{
		MaxLineLength:   c.RequestLineLimit,
		DefaultVerdict:  c.DefaultVerdict,
		Backend:         c.Backend(),
		WaitTimeout:     c.IOWaitTimeout,
		IdleTimeout:     c.IdleTimeout,
		MaxConnections:  c.MaxConnections,
		WriteTimeout:    c.WriteTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
		Pool: concurrency.PoolConfig{
			Threads:      wp.Threads,
			MaxLimit:     wp.MaxLimit,
			AddStep:      wp.AddStep,
			AddPeriod:    wp.AddPeriod,
			RemoveStep:   wp.RemoveStep,
			RemovePeriod: wp.RemovePeriod,
			AutoRemove:   wp.AutoRemove,
		},
		ExclusivePool: wp.Exclusive,
	}
}

// Stats is a snapshot of a running server.
type Stats struct {
	Reader         ReaderStats           `json:"reader"`
	Pool           concurrency.PoolStats `json:"pool"`
	Handlers       int                   `json:"handlers"`
	Served         int64                 `json:"served"`
	InFlight       int64                 `json:"in_flight"`
	DefaultVerdict api.Verdict           `json:"default_verdict"`
}

// File: server/host.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Services the server offers to plugins.

package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/control"
	"github.com/momentics/policyd/internal/concurrency"
	"github.com/momentics/policyd/transport"
)

// Logger returns the server logger.
func (s *Server) Logger() zerolog.Logger {
	return s.log
}

// Executor exposes the worker pool for auxiliary work.
func (s *Server) Executor() api.Executor {
	return s.executor
}

// NewEvent runs fn on a worker every period until it returns true.
func (s *Server) NewEvent(period time.Duration, fn func() bool) (int, error) {
	return s.pool.NewEvent(period, fn)
}

// NewCronEvent runs fn on a worker following a cron expression.
func (s *Server) NewCronEvent(spec string, fn func() bool) (int, error) {
	return s.pool.NewCronEvent(spec, fn)
}

// RemoveEvent cancels an event.
func (s *Server) RemoveEvent(id int) bool {
	return s.pool.RemoveEvent(id)
}

// SetData stores a value shared by every handler. A nil value removes key.
func (s *Server) SetData(key string, v any) {
	if v == nil {
		s.data.Remove(key)
		return
	}
	s.data.Replace(key, v)
}

// Data returns a value stored with SetData.
func (s *Server) Data(key string) (any, bool) {
	return s.data.Lookup(key)
}

// DataMap exposes the shared map for waiting on keys.
func (s *Server) DataMap() *concurrency.Map[any] {
	return s.data
}

type connInfo struct {
	ID       uint64 `json:"id"`
	Remote   string `json:"remote"`
	Port     int    `json:"port"`
	State    string `json:"state"`
	Served   int64  `json:"served"`
	IdleSecs int64  `json:"idle_seconds"`
}

// RegisterProbes publishes server state on dp.
func (s *Server) RegisterProbes(dp *control.DebugProbes) {
	dp.RegisterProbe("server.stats", func() any {
		return s.Stats()
	})
	dp.RegisterProbe("server.connections", func() any {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		now := time.Now()
		var out []connInfo
		err := s.Foreach(ctx, func(c *transport.Connection) bool {
			out = append(out, connInfo{
				ID:       c.ID(),
				Remote:   c.Addr(),
				Port:     c.ListenerPort(),
				State:    c.State().String(),
				Served:   c.Served(),
				IdleSecs: int64(c.IdleFor(now).Seconds()),
			})
			return true
		})
		if err != nil {
			return err.Error()
		}
		return out
	})
}

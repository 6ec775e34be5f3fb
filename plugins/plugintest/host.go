// File: plugins/plugintest/host.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process plugin host for plugin tests: a real registry and worker pool
// without sockets.

package plugintest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/adapters"
	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/internal/concurrency"
	"github.com/momentics/policyd/pipeline"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/protocol"
)

// Host implements plugins.Host.
type Host struct {
	Registry *pipeline.Registry
	Pool     *concurrency.Pool
	Log      zerolog.Logger

	data *concurrency.Map[any]
	exec *adapters.ExecutorAdapter
}

// New builds a host whose pool is stopped when t finishes.
func New(t testing.TB) *Host {
	t.Helper()
	log := zerolog.Nop()
	pool := concurrency.NewPool(concurrency.PoolConfig{Threads: 2, Logger: log})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Exit(ctx, false)
	})
	return &Host{
		Registry: pipeline.NewRegistry(pipeline.WithLogger(log)),
		Pool:     pool,
		Log:      log,
		data:     concurrency.NewMap[any](),
		exec:     adapters.NewExecutorAdapter(pool),
	}
}

func (h *Host) Register(id string, fn pipeline.HandlerFunc, priority, port int, data any) (*pipeline.Registration, error) {
	return h.Registry.Register(id, fn, priority, port, data)
}

func (h *Host) Logger() zerolog.Logger { return h.Log }
func (h *Host) Executor() api.Executor { return h.exec }

func (h *Host) NewEvent(period time.Duration, fn func() bool) (int, error) {
	return h.Pool.NewEvent(period, fn)
}

func (h *Host) NewCronEvent(spec string, fn func() bool) (int, error) {
	return h.Pool.NewCronEvent(spec, fn)
}

func (h *Host) RemoveEvent(id int) bool { return h.Pool.RemoveEvent(id) }

func (h *Host) SetData(key string, v any) {
	if v == nil {
		h.data.Remove(key)
		return
	}
	h.data.Replace(key, v)
}

func (h *Host) Data(key string) (any, bool) { return h.data.Lookup(key) }

// Check runs attrs through the registered handlers as a request received on
// port.
func (h *Host) Check(port int, attrs map[string]string) pipeline.Result {
	req := protocol.NewRequest()
	for k, v := range attrs {
		req.Set(k, v)
	}
	return h.Registry.Dispatch(context.Background(), nil, req, port)
}

var _ plugins.Host = (*Host)(nil)

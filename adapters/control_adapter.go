// Package adapters
// Author: momentics <momentics@gmail.com>
//
// Control adapter implementing api.Control interface using control package primitives.

package adapters

import (
	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/control"
)

// ControlAdapter joins the configuration store, metrics and debug probes
// behind api.Control.
type ControlAdapter struct {
	store   *control.Store
	metrics *control.Metrics
	debug   *control.DebugProbes
}

var _ api.Control = (*ControlAdapter)(nil)

// NewControlAdapter wires the given parts. metrics may be nil.
func NewControlAdapter(store *control.Store, metrics *control.Metrics, debug *control.DebugProbes) *ControlAdapter {
	if debug == nil {
		debug = control.NewDebugProbes()
	}
	control.RegisterPlatformProbes(debug)
	return &ControlAdapter{store: store, metrics: metrics, debug: debug}
}

// Config returns the active configuration.
func (c *ControlAdapter) Config() *control.Config {
	return c.store.Load()
}

// Reload re-reads the configuration file; the previous one stays active on
// error.
func (c *ControlAdapter) Reload() error {
	err := c.store.Reload()
	if c.metrics != nil {
		c.metrics.ConfigReloaded(err)
	}
	return err
}

func (c *ControlAdapter) Stats() map[string]any {
	combined := c.store.Stats()
	for k, v := range c.debug.DumpState() {
		combined["debug."+k] = v
	}
	return combined
}

func (c *ControlAdapter) OnReload(fn func()) {
	c.store.OnReload(func(_, _ *control.Config) { fn() })
}

func (c *ControlAdapter) RegisterDebugProbe(name string, fn func() any) {
	c.debug.RegisterProbe(name, fn)
}

// Probes exposes the probe registry for the HTTP endpoint.
func (c *ControlAdapter) Probes() *control.DebugProbes {
	return c.debug
}

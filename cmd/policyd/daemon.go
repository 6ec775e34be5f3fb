package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/policyd/adapters"
	"github.com/momentics/policyd/control"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/server"
	"github.com/momentics/policyd/transport"
)

// daemon wires configuration, server, plugins and the HTTP endpoint.
type daemon struct {
	log       zerolog.Logger
	store     *control.Store
	metrics   *control.Metrics
	probes    *control.DebugProbes
	ctl       *adapters.ControlAdapter
	srv       *server.Server
	plugins   *plugins.Set
	listeners []*transport.Connection
	watch     bool
}

func newDaemon(path string, cfg *control.Config, log zerolog.Logger, watch bool) (*daemon, error) {
	d := &daemon{
		log:    log,
		store:  control.NewStore(path, cfg),
		probes: control.NewDebugProbes(),
		watch:  watch,
	}
	if cfg.Metrics.Enabled {
		d.metrics = control.NewMetrics(true)
	}
	d.ctl = adapters.NewControlAdapter(d.store, d.metrics, d.probes)

	opts := []server.ServerOption{server.WithLogger(log)}
	if d.metrics != nil {
		opts = append(opts, server.WithMetrics(d.metrics))
	}
	srv, err := server.NewServer(server.ConfigFrom(cfg), opts...)
	if err != nil {
		return nil, err
	}
	d.srv = srv

	for _, l := range cfg.Listen {
		conn, err := srv.Listen(l.Network, l.Address())
		if err != nil {
			d.abort()
			return nil, fmt.Errorf("listen %s %s: %w", l.Network, l.Address(), err)
		}
		d.listeners = append(d.listeners, conn)
	}

	set, err := plugins.Load(srv, cfg.Plugins)
	if err != nil {
		d.abort()
		return nil, err
	}
	d.plugins = set

	srv.RegisterProbes(d.probes)
	d.probes.RegisterProbe("plugins", func() any { return set.Names() })
	d.probes.RegisterProbe("config", func() any { return d.store.Stats() })
	d.store.OnReload(d.applyReload)
	return d, nil
}

// abort releases what newDaemon built before failing.
func (d *daemon) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.srv.Shutdown(ctx)
}

// applyReload pushes reloadable settings into the running server. The
// handler list is left alone; plugins get their new sections via Reconf.
func (d *daemon) applyReload(old, cur *control.Config) {
	d.srv.Registry().SetDefault(cur.DefaultVerdict)
	if old.Backend() != cur.Backend() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.srv.SetBackendKind(ctx, cur.Backend()); err != nil {
			d.log.Error().Err(err).Str("backend", cur.Backend().String()).Msg("backend change failed")
		}
		cancel()
	}
	if old.WorkerPool.Threads != cur.WorkerPool.Threads {
		d.srv.Executor().Resize(cur.WorkerPool.Threads)
	}
	if err := d.plugins.Reconf(cur.Plugins); err != nil {
		d.log.Warn().Err(err).Msg("some plugins kept their previous settings")
	}
	d.log.Info().Str("default_verdict", cur.DefaultVerdict.String()).Msg("configuration reloaded")
}

func (d *daemon) reload() error {
	return d.ctl.Reload()
}

// run serves until ctx is done or a component fails.
func (d *daemon) run(ctx context.Context) error {
	defer func() {
		if err := d.plugins.Close(); err != nil {
			d.log.Warn().Err(err).Msg("closing plugins")
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.srv.Run(gctx)
	})

	cfg := d.store.Load()
	if cfg.Metrics.Enabled {
		h := control.NewHTTPHandler(cfg.Metrics, d.metrics, d.probes)
		g.Go(func() error {
			return control.ServeHTTP(gctx, cfg.Metrics, h, d.log)
		})
	}

	if d.watch {
		fw, err := control.NewFileWatcher(d.store.Path(), control.DefaultDebounce, d.log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return fw.Watch(gctx, d.reload)
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				d.log.Info().Msg("SIGHUP received, reloading configuration")
				if err := d.reload(); err != nil {
					d.log.Error().Err(err).Msg("reload failed, keeping previous configuration")
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

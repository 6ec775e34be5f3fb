// File: control/http.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DebugStatePath serves the debug probes.
const DebugStatePath = "/debug/state"

// NewHTTPHandler mounts metrics at cfg.Path and probes at DebugStatePath.
func NewHTTPHandler(cfg MetricsConfig, m *Metrics, dp *DebugProbes) http.Handler {
	mux := http.NewServeMux()
	if m != nil {
		mux.Handle(cfg.Path, m.Handler())
	}
	if dp != nil {
		mux.Handle(DebugStatePath, dp.Handler())
	}
	return mux
}

// ServeHTTP runs the metrics endpoint until ctx is done.
func ServeHTTP(ctx context.Context, cfg MetricsConfig, h http.Handler, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("address", ln.Addr().String()).Msg("metrics endpoint started")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

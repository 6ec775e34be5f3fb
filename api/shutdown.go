// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// GracefulShutdown is implemented by components with an orderly stop.
type GracefulShutdown interface {
	// Shutdown stops accepting new work, waits for in-flight work until ctx
	// is done and releases resources.
	Shutdown(ctx context.Context) error
}

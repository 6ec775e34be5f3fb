// File: transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/api"
)

// DefaultBacklog is the listen(2) queue length.
const DefaultBacklog = 1024

// ListenConfig holds configuration for a listener.
type ListenConfig struct {
	// Network is "tcp", "tcp4", "tcp6" or "unix".
	Network string
	// Address is host:port for TCP and a filesystem path for unix.
	Address string
	Backlog int
	// MaxLineLength is inherited by every accepted peer's parser.
	MaxLineLength int
	Logger        zerolog.Logger
}

// Listen binds and listens on cfg.Address and returns a listener connection.
// The listening socket is non-blocking.
func Listen(cfg ListenConfig) (*Connection, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	switch cfg.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return nil, fmt.Errorf("%w: network %q", api.ErrInvalidArgument, cfg.Network)
	}
	fd, err := sysListen(cfg.Network, cfg.Address, cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s %s: %w", cfg.Network, cfg.Address, err)
	}
	network := cfg.Network
	if network != "unix" {
		network = "tcp"
	}
	l := newConnection(fd, RoleListener, network, nil, cfg.MaxLineLength, cfg.Logger)
	if network == "unix" {
		// getsockname on a unix socket is not worth a syscall
		l.addrOnce.Do(func() { l.host = cfg.Address })
	}
	l.log = l.log.With().Str("listen", l.Addr()).Logger()
	return l, nil
}

//go:build !linux

// File: transport/socket_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub socket layer for unsupported platforms.

package transport

import (
	"time"

	"github.com/momentics/policyd/api"
)

func sysListen(string, string, int) (int, error)         { return -1, api.ErrNotSupported }
func sysAccept(int, string) (int, any, error)            { return -1, nil, api.ErrNotSupported }
func sysRead(int, []byte) (int, error)                   { return 0, api.ErrNotSupported }
func sysWriteAll(int, []byte, time.Duration) (int, error) { return 0, api.ErrNotSupported }
func sysShutdown(int) error                              { return api.ErrNotSupported }
func sysClose(int) error                                 { return api.ErrNotSupported }
func localAddr(int) (string, int)                        { return "", 0 }
func formatSockaddr(any) (string, int)                   { return "", 0 }
func sysValid(int) bool                                  { return false }

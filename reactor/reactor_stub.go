//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms. Only Custom backends work.

package reactor

// New returns ErrUnsupportedBackend for every built-in kind.
func New(kind Kind, opts Options) (Backend, error) {
	return nil, ErrUnsupportedBackend
}

// Waker is unavailable on this platform.
type Waker struct{}

// NewWaker returns ErrUnsupportedBackend.
func NewWaker() (*Waker, error) { return nil, ErrUnsupportedBackend }

func (w *Waker) Fd() int      { return -1 }
func (w *Waker) Wake() error  { return ErrUnsupportedBackend }
func (w *Waker) Drain()       {}
func (w *Waker) Close() error { return nil }

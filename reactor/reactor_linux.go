//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux backend factory, wait error classification and the control pipe.

package reactor

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// New constructs a built-in backend.
func New(kind Kind, opts Options) (Backend, error) {
	opts = opts.normalize()
	switch kind {
	case KindEpoll:
		return &epollBackend{opts: opts}, nil
	case KindPoll:
		return &pollBackend{opts: opts}, nil
	case KindSelect:
		return &selectBackend{opts: opts}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, kind)
}

func classifyWaitError(op string, err error) error {
	switch {
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		return ErrInterrupted
	case errors.Is(err, unix.EBADF):
		return fmt.Errorf("%s: %w", op, ErrBadDescriptor)
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.EFAULT):
		return fmt.Errorf("%s: %w: %v", op, ErrFatal, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Waker is a non-blocking pipe whose read end sits in every watch set so that
// another goroutine can interrupt a blocked Wait.
type Waker struct {
	mu     sync.RWMutex
	r, w   int
	closed bool
}

// NewWaker creates the control pipe.
func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: control pipe: %w", err)
	}
	return &Waker{r: p[0], w: p[1]}, nil
}

// Fd returns the descriptor to watch for reads.
func (w *Waker) Fd() int {
	return w.r
}

// Wake makes the next or current Wait return. A full pipe already
// guarantees that, so EAGAIN is not an error.
func (w *Waker) Wake() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return unix.EBADF
	}
	_, err := unix.Write(w.w, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("reactor: wake: %w", err)
	}
	return nil
}

// Drain consumes all pending wake bytes.
func (w *Waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both pipe ends.
func (w *Waker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := unix.Close(w.w)
	if rerr := unix.Close(w.r); err == nil {
		err = rerr
	}
	return err
}

// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral multiplexing contract shared by every backend.

package reactor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FDEventType is a bit set of readiness conditions.
type FDEventType uint8

const (
	EventRead FDEventType = 1 << iota
	EventWrite
	// EventError asks only for hangup/error notification. Backends report it
	// on descriptors that failed or were closed by the peer.
	EventError
)

var (
	// ErrInterrupted is a transient wait failure (signal delivery); the
	// caller retries.
	ErrInterrupted = errors.New("reactor: wait interrupted")
	// ErrBadDescriptor means a watched descriptor is no longer valid.
	ErrBadDescriptor = errors.New("reactor: bad descriptor in watch set")
	// ErrFatal means the backend cannot continue.
	ErrFatal = errors.New("reactor: fatal backend failure")
	// ErrUnsupportedBackend is returned for backends this platform lacks.
	ErrUnsupportedBackend = errors.New("reactor: backend not supported on this platform")
)

// Group is a backend-specific watch set created by Backend.Create.
type Group any

// DispatchFunc receives one ready descriptor together with the value passed
// to Backend.Add for it.
type DispatchFunc func(fd int, events FDEventType, conn any)

// Backend is the I/O multiplexing contract used by the reader loop. A group
// is rebuilt on every iteration: Clear, Add for each descriptor, Wait, then
// either Dispatch (when HasDispatch) or IsSet scanning.
type Backend interface {
	Name() string
	Create(events FDEventType) (Group, error)
	Destroy(g Group)
	Clear(g Group)
	// Add watches fd for events. It returns false when the group is full
	// or fd cannot be watched by this backend. conn must be comparable; a
	// different conn on a known fd means the descriptor was reused.
	Add(g Group, fd int, events FDEventType, conn any) bool
	IsSet(g Group, fd int) bool
	// Wait blocks until a descriptor is ready or the wait timeout passes.
	// maxFD is one past the highest descriptor added. It returns the number
	// of ready descriptors, or ErrInterrupted, ErrBadDescriptor, ErrFatal or
	// another (retryable) error.
	Wait(g Group, maxFD int) (int, error)
	HasDispatch(g Group) bool
	Dispatch(g Group, n int, fn DispatchFunc)
}

// Kind names a built-in backend.
type Kind int

const (
	KindEpoll Kind = iota
	KindPoll
	KindSelect
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindEpoll:
		return "epoll"
	case KindPoll:
		return "poll"
	case KindSelect:
		return "select"
	case KindCustom:
		return "custom"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a configuration keyword to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "epoll":
		return KindEpoll, nil
	case "poll":
		return KindPoll, nil
	case "select":
		return KindSelect, nil
	}
	return 0, fmt.Errorf("reactor: unknown backend %q", s)
}

// Options tunes built-in backends.
type Options struct {
	// WaitTimeout bounds a single Wait. Negative blocks indefinitely.
	WaitTimeout time.Duration
	// MaxEvents caps the events returned by one epoll wait.
	MaxEvents int
}

// DefaultOptions returns a one second wait and 256 events per epoll wait.
func DefaultOptions() Options {
	return Options{WaitTimeout: time.Second, MaxEvents: 256}
}

func (o Options) normalize() Options {
	if o.WaitTimeout == 0 {
		o.WaitTimeout = time.Second
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = 256
	}
	return o
}

func (o Options) timeoutMillis() int {
	if o.WaitTimeout < 0 {
		return -1
	}
	return int(o.WaitTimeout.Milliseconds())
}

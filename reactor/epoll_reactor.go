//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// epollBackend keeps descriptors registered with the kernel across
// iterations. Clear only starts a new generation; descriptors not added
// again before the next Wait are unregistered then.
type epollBackend struct {
	opts Options
}

type epollGroup struct {
	epfd       int
	events     FDEventType
	registered map[int]uint32 // fd -> mask known to the kernel
	seen       map[int]uint64 // fd -> generation of the last Add
	owner      map[int]any    // fd -> conn it was registered for
	conns      map[int]any
	gen        uint64
	ready      []unix.EpollEvent
	n          int
}

func (b *epollBackend) Name() string { return "epoll" }

func (b *epollBackend) Create(events FDEventType) (Group, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollGroup{
		epfd:       epfd,
		events:     events,
		registered: make(map[int]uint32),
		seen:       make(map[int]uint64),
		owner:      make(map[int]any),
		conns:      make(map[int]any),
		ready:      make([]unix.EpollEvent, b.opts.MaxEvents),
	}, nil
}

func (b *epollBackend) Destroy(g Group) {
	eg := g.(*epollGroup)
	if eg.epfd >= 0 {
		_ = unix.Close(eg.epfd)
		eg.epfd = -1
	}
}

func (b *epollBackend) Clear(g Group) {
	eg := g.(*epollGroup)
	eg.gen++
	eg.n = 0
	clear(eg.conns)
}

func (b *epollBackend) Add(g Group, fd int, events FDEventType, conn any) bool {
	eg := g.(*epollGroup)
	if fd < 0 {
		return false
	}
	var mask uint32
	if events&EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	if eg.seen[fd] == eg.gen {
		mask |= eg.registered[fd]
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}

	old, known := eg.registered[fd]
	if known && eg.owner[fd] != conn {
		// the kernel dropped the old registration when the descriptor was
		// closed; the number now belongs to another connection
		_ = unix.EpollCtl(eg.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		known = false
	}
	var err error
	switch {
	case !known:
		err = unix.EpollCtl(eg.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		if errors.Is(err, unix.EEXIST) {
			err = unix.EpollCtl(eg.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		}
	case old != mask:
		err = unix.EpollCtl(eg.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		if errors.Is(err, unix.ENOENT) {
			// closed and reused since the last iteration
			err = unix.EpollCtl(eg.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		}
	}
	if err != nil {
		delete(eg.registered, fd)
		delete(eg.owner, fd)
		return false
	}
	eg.registered[fd] = mask
	eg.owner[fd] = conn
	eg.seen[fd] = eg.gen
	eg.conns[fd] = conn
	return true
}

func (b *epollBackend) IsSet(g Group, fd int) bool {
	eg := g.(*epollGroup)
	for i := 0; i < eg.n; i++ {
		if int(eg.ready[i].Fd) == fd {
			return true
		}
	}
	return false
}

func (b *epollBackend) Wait(g Group, _ int) (int, error) {
	eg := g.(*epollGroup)
	for fd := range eg.registered {
		if eg.seen[fd] != eg.gen {
			_ = unix.EpollCtl(eg.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(eg.registered, fd)
			delete(eg.seen, fd)
			delete(eg.owner, fd)
		}
	}
	n, err := unix.EpollWait(eg.epfd, eg.ready, b.opts.timeoutMillis())
	if err != nil {
		eg.n = 0
		return 0, classifyWaitError("epoll wait", err)
	}
	eg.n = n
	return n, nil
}

func (b *epollBackend) HasDispatch(Group) bool { return true }

func (b *epollBackend) Dispatch(g Group, n int, fn DispatchFunc) {
	eg := g.(*epollGroup)
	if n > eg.n {
		n = eg.n
	}
	for i := 0; i < n; i++ {
		raw := eg.ready[i]
		fd := int(raw.Fd)
		var events FDEventType
		if raw.Events&unix.EPOLLIN != 0 {
			events |= EventRead
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			events |= EventWrite
		}
		if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			events |= EventError
		}
		fn(fd, events, eg.conns[fd])
	}
}

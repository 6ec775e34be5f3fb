//go:build linux
// +build linux

// File: reactor/poll_linux.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"golang.org/x/sys/unix"
)

type pollBackend struct {
	opts Options
}

type pollGroup struct {
	events FDEventType
	fds    []unix.PollFd
	index  map[int]int
	conns  map[int]any
}

func (b *pollBackend) Name() string { return "poll" }

func (b *pollBackend) Create(events FDEventType) (Group, error) {
	return &pollGroup{
		events: events,
		index:  make(map[int]int),
		conns:  make(map[int]any),
	}, nil
}

func (b *pollBackend) Destroy(g Group) {
	b.Clear(g)
}

func (b *pollBackend) Clear(g Group) {
	pg := g.(*pollGroup)
	pg.fds = pg.fds[:0]
	clear(pg.index)
	clear(pg.conns)
}

func (b *pollBackend) Add(g Group, fd int, events FDEventType, conn any) bool {
	pg := g.(*pollGroup)
	if fd < 0 {
		return false
	}
	var mask int16
	if events&EventRead != 0 {
		mask |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.POLLOUT
	}
	// a zero mask still reports POLLHUP, POLLERR and POLLNVAL
	if i, ok := pg.index[fd]; ok {
		pg.fds[i].Events |= mask
	} else {
		pg.index[fd] = len(pg.fds)
		pg.fds = append(pg.fds, unix.PollFd{Fd: int32(fd), Events: mask})
	}
	pg.conns[fd] = conn
	return true
}

func (b *pollBackend) IsSet(g Group, fd int) bool {
	pg := g.(*pollGroup)
	i, ok := pg.index[fd]
	return ok && pg.fds[i].Revents != 0
}

func (b *pollBackend) Wait(g Group, _ int) (int, error) {
	pg := g.(*pollGroup)
	for i := range pg.fds {
		pg.fds[i].Revents = 0
	}
	n, err := unix.Poll(pg.fds, b.opts.timeoutMillis())
	if err != nil {
		return 0, classifyWaitError("poll", err)
	}
	return n, nil
}

func (b *pollBackend) HasDispatch(Group) bool { return false }

func (b *pollBackend) Dispatch(Group, int, DispatchFunc) {}

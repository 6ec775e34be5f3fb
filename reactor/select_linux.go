//go:build linux
// +build linux

// File: reactor/select_linux.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"golang.org/x/sys/unix"
)

// selectSetSize is FD_SETSIZE: descriptors at or above it cannot be watched.
const selectSetSize = 1024

type selectBackend struct {
	opts Options
}

type selectGroup struct {
	events      FDEventType
	read, write unix.FdSet
	conns       map[int]any
	maxFD       int
}

func (b *selectBackend) Name() string { return "select" }

func (b *selectBackend) Create(events FDEventType) (Group, error) {
	return &selectGroup{events: events, conns: make(map[int]any), maxFD: -1}, nil
}

func (b *selectBackend) Destroy(g Group) {
	b.Clear(g)
}

func (b *selectBackend) Clear(g Group) {
	sg := g.(*selectGroup)
	sg.read.Zero()
	sg.write.Zero()
	clear(sg.conns)
	sg.maxFD = -1
}

// Add ignores error-only interest: select has no way to watch for hangup
// without also watching for data.
func (b *selectBackend) Add(g Group, fd int, events FDEventType, conn any) bool {
	sg := g.(*selectGroup)
	if fd < 0 || fd >= selectSetSize {
		return false
	}
	if events&EventRead != 0 {
		sg.read.Set(fd)
	}
	if events&EventWrite != 0 {
		sg.write.Set(fd)
	}
	if events&(EventRead|EventWrite) == 0 {
		return true
	}
	sg.conns[fd] = conn
	if fd > sg.maxFD {
		sg.maxFD = fd
	}
	return true
}

func (b *selectBackend) IsSet(g Group, fd int) bool {
	sg := g.(*selectGroup)
	if fd < 0 || fd >= selectSetSize {
		return false
	}
	return sg.read.IsSet(fd) || sg.write.IsSet(fd)
}

func (b *selectBackend) Wait(g Group, maxFD int) (int, error) {
	sg := g.(*selectGroup)
	if maxFD <= sg.maxFD {
		maxFD = sg.maxFD + 1
	}
	var tv *unix.Timeval
	if b.opts.WaitTimeout >= 0 {
		t := unix.NsecToTimeval(b.opts.WaitTimeout.Nanoseconds())
		tv = &t
	}
	n, err := unix.Select(maxFD, &sg.read, &sg.write, nil, tv)
	if err != nil {
		return 0, classifyWaitError("select", err)
	}
	return n, nil
}

func (b *selectBackend) HasDispatch(Group) bool { return false }

func (b *selectBackend) Dispatch(Group, int, DispatchFunc) {}

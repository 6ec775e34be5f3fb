// File: internal/concurrency/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer events executed on pool workers.

package concurrency

import (
	"container/heap"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/momentics/policyd/api"
)

// EventFunc is a periodic callback. Returning true removes the event.
type EventFunc func() bool

type event struct {
	id    int
	sched cron.Schedule
	next  time.Time
	fn    EventFunc
	index int
	busy  atomic.Bool // a run is queued or executing
	last  bool
}

// every is a fixed-period schedule without cron's one second rounding.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// NewEvent runs fn on a worker every period until fn returns true or the
// event is removed. Runs of one event never overlap.
func (p *Pool) NewEvent(period time.Duration, fn EventFunc) (int, error) {
	if period <= 0 || fn == nil {
		return 0, fmt.Errorf("%w: event period %v", api.ErrInvalidArgument, period)
	}
	return p.addEvent(every(period), fn)
}

// NewCronEvent schedules fn with a standard cron expression or descriptor
// such as "@every 1m" or "0 * * * *".
func (p *Pool) NewCronEvent(spec string, fn EventFunc) (int, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil event", api.ErrInvalidArgument)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("%w: cron spec %q: %v", api.ErrInvalidArgument, spec, err)
	}
	return p.addEvent(sched, fn)
}

func (p *Pool) addEvent(sched cron.Schedule, fn EventFunc) (int, error) {
	if p.closed.Load() {
		return 0, ErrPoolClosed
	}
	p.evMu.Lock()
	p.evSeq++
	ev := &event{id: p.evSeq, sched: sched, fn: fn, next: sched.Next(time.Now())}
	heap.Push(&p.evHeap, ev)
	p.evByID[ev.id] = ev
	p.evMu.Unlock()

	select {
	case p.evNotify <- struct{}{}:
	default:
	}
	return ev.id, nil
}

// RemoveEvent unschedules an event. A run already queued still completes.
func (p *Pool) RemoveEvent(id int) bool {
	p.evMu.Lock()
	defer p.evMu.Unlock()
	ev, ok := p.evByID[id]
	if !ok {
		return false
	}
	delete(p.evByID, id)
	if ev.index >= 0 {
		heap.Remove(&p.evHeap, ev.index)
	}
	return true
}

func (p *Pool) eventLive(id int) bool {
	p.evMu.Lock()
	defer p.evMu.Unlock()
	_, ok := p.evByID[id]
	return ok
}

// EventStats returns the number of scheduled events.
func (p *Pool) EventStats() int {
	p.evMu.Lock()
	defer p.evMu.Unlock()
	return len(p.evByID)
}

// eventHeap orders events by next fire time.
type eventHeap []*event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*event)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}

// File: internal/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pool is the elastic worker pool that runs request dispatch and timer
// events. Workers block on a shared Queue; the pool grows when work piles up
// and, with auto removal, shrinks back towards its base size when idle.

package concurrency

import (
	"container/heap"
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned by Submit after Exit.
var ErrPoolClosed = errors.New("concurrency: pool closed")

// resizeInterval is how often the scheduler evaluates auto resizing.
const resizeInterval = 250 * time.Millisecond

// TaskFunc is a unit of work to execute.
type TaskFunc func()

type task struct {
	fn   TaskFunc
	stop bool // terminates the worker that pops it
}

// PoolConfig sizes a Pool. Zero MaxLimit disables auto resizing.
type PoolConfig struct {
	Threads      int
	MaxLimit     int
	AddStep      int
	AddPeriod    time.Duration
	RemoveStep   int
	RemovePeriod time.Duration
	AutoRemove   bool
	Logger       zerolog.Logger
}

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	Running   int   `json:"running"`
	Waiting   int   `json:"waiting"`
	Pending   int   `json:"pending"`
	Events    int   `json:"events"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Faults    int64 `json:"faults"`
}

// Pool manages worker goroutines consuming a shared task queue.
type Pool struct {
	queue   *Queue[task]
	log     zerolog.Logger
	closeCh chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup // workers
	schedWG sync.WaitGroup

	running  atomic.Int32
	stopping atomic.Int32

	mu           sync.Mutex // resize limits and bookkeeping
	base         int
	maxLimit     int
	addStep      int
	addPeriod    time.Duration
	removeStep   int
	removePeriod time.Duration
	autoRemove   bool
	lastResize   time.Time

	evMu     sync.Mutex
	evHeap   eventHeap
	evByID   map[int]*event
	evSeq    int
	evNotify chan struct{}

	submitted atomic.Int64
	completed atomic.Int64
	faults    atomic.Int64
}

// NewPool starts cfg.Threads workers (at least one) and the event scheduler.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	p := &Pool{
		queue:      NewQueue[task](),
		log:        cfg.Logger.With().Str("component", "pool").Logger(),
		closeCh:    make(chan struct{}),
		base:       cfg.Threads,
		evByID:     make(map[int]*event),
		evNotify:   make(chan struct{}, 1),
		lastResize: time.Now(),
	}
	p.Setup(cfg.MaxLimit, cfg.AddStep, cfg.AddPeriod, cfg.RemoveStep, cfg.RemovePeriod, cfg.AutoRemove)
	p.Add(cfg.Threads)
	p.schedWG.Add(1)
	go p.schedule()
	return p
}

// Setup configures auto resizing. A zero removeStep defaults to addStep and a
// zero removePeriod to twice addPeriod.
func (p *Pool) Setup(maxLimit, addStep int, addPeriod time.Duration, removeStep int, removePeriod time.Duration, autoRemove bool) {
	if addStep <= 0 {
		addStep = 1
	}
	if removeStep <= 0 {
		removeStep = addStep
	}
	if removePeriod <= 0 {
		removePeriod = addPeriod * 2
	}
	p.mu.Lock()
	p.maxLimit = maxLimit
	p.addStep = addStep
	p.addPeriod = addPeriod
	p.removeStep = removeStep
	p.removePeriod = removePeriod
	p.autoRemove = autoRemove
	p.mu.Unlock()
}

// Add starts n more workers.
func (p *Pool) Add(n int) {
	if p.closed.Load() {
		return
	}
	for i := 0; i < n; i++ {
		p.running.Add(1)
		p.wg.Add(1)
		go p.worker()
	}
}

// Remove asks up to n workers to exit once they finish their current task.
// The pool never drops below one worker. It returns how many were asked.
func (p *Pool) Remove(n int) int {
	asked := 0
	for ; asked < n; asked++ {
		if int(p.running.Load()-p.stopping.Load()) <= 1 {
			break
		}
		p.stopping.Add(1)
		if err := p.queue.PushPriority(task{stop: true}); err != nil {
			p.stopping.Add(-1)
			break
		}
	}
	return asked
}

// Resize adds or removes workers to reach n.
func (p *Pool) Resize(n int) {
	cur := int(p.running.Load() - p.stopping.Load())
	switch {
	case n > cur:
		p.Add(n - cur)
	case n < cur:
		p.Remove(cur - n)
	}
}

// NumWorkers returns the number of running workers.
func (p *Pool) NumWorkers() int {
	return int(p.running.Load())
}

// Submit enqueues fn, returning ErrPoolClosed once the pool exited.
func (p *Pool) Submit(fn TaskFunc) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if err := p.queue.Push(task{fn: fn}); err != nil {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	return nil
}

// Stats returns running, waiting and pending counts plus task totals.
func (p *Pool) Stats() PoolStats {
	pending := p.queue.Len() - int(p.stopping.Load())
	if pending < 0 {
		pending = 0
	}
	return PoolStats{
		Running:   int(p.running.Load()),
		Waiting:   p.queue.Waiters(),
		Pending:   pending,
		Events:    p.EventStats(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Faults:    p.faults.Load(),
	}
}

// Exit stops the scheduler and closes the queue. Queued tasks still run.
// Unless skipWait is set it waits for the workers until ctx is done.
func (p *Pool) Exit(ctx context.Context, skipWait bool) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.closeCh)
	p.queue.Close()
	p.schedWG.Wait()
	if skipWait {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	defer p.running.Add(-1)
	for {
		t, err := p.queue.Pop()
		if err != nil {
			return
		}
		if t.stop {
			p.stopping.Add(-1)
			return
		}
		p.execute(t.fn)
	}
}

// execute runs fn, recovering a panic so the worker survives it.
func (p *Pool) execute(fn TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			p.faults.Add(1)
			p.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
		}
		p.completed.Add(1)
	}()
	fn()
}

// autoResize grows the pool when tasks wait with no idle worker, and shrinks
// it back to the base size when idle and auto removal is enabled.
func (p *Pool) autoResize(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxLimit <= 0 || p.closed.Load() {
		return
	}
	st := p.Stats()
	elapsed := now.Sub(p.lastResize)

	if st.Running < p.maxLimit && st.Waiting == 0 && st.Pending > 0 && elapsed >= p.addPeriod {
		n := min(p.addStep, p.maxLimit-st.Running)
		p.log.Debug().
			Int("add", n).
			Int("running", st.Running).
			Int("pending", st.Pending).
			Msg("growing worker pool")
		p.Add(n)
		p.lastResize = now
		return
	}

	if p.autoRemove && st.Pending == 0 && st.Running > p.base &&
		st.Waiting+2 > p.base && elapsed > p.removePeriod {
		n := min(p.removeStep, st.Running-p.base)
		p.log.Debug().
			Int("remove", n).
			Int("running", st.Running).
			Int("waiting", st.Waiting).
			Msg("shrinking worker pool")
		p.Remove(n)
		p.lastResize = now
	}
}

// schedule fires due events and evaluates resizing until Exit.
func (p *Pool) schedule() {
	defer p.schedWG.Done()
	timer := time.NewTimer(resizeInterval)
	defer timer.Stop()
	for {
		now := time.Now()
		p.fireDue(now)
		p.autoResize(now)
		timer.Reset(p.nextWake(now))
		select {
		case <-timer.C:
		case <-p.evNotify:
		case <-p.closeCh:
			return
		}
	}
}

func (p *Pool) nextWake(now time.Time) time.Duration {
	wait := resizeInterval
	p.evMu.Lock()
	if len(p.evHeap) > 0 {
		if d := p.evHeap[0].next.Sub(now); d < wait {
			wait = d
		}
	}
	p.evMu.Unlock()
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (p *Pool) fireDue(now time.Time) {
	p.evMu.Lock()
	var due []*event
	for len(p.evHeap) > 0 && !p.evHeap[0].next.After(now) {
		ev := p.evHeap[0]
		due = append(due, ev)
		ev.next = ev.sched.Next(now)
		if ev.next.IsZero() {
			// schedule exhausted: run once more, then drop
			heap.Pop(&p.evHeap)
			ev.last = true
			continue
		}
		heap.Fix(&p.evHeap, 0)
	}
	p.evMu.Unlock()

	for _, ev := range due {
		if !ev.busy.CompareAndSwap(false, true) {
			continue
		}
		err := p.Submit(func() {
			defer ev.busy.Store(false)
			if !p.eventLive(ev.id) {
				return
			}
			if ev.fn() || ev.last {
				p.RemoveEvent(ev.id)
			}
		})
		if err != nil {
			ev.busy.Store(false)
		}
	}
}

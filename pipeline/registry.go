// File: pipeline/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/transport"
)

var (
	// ErrRegistryFrozen is returned by Register and Unregister once traffic
	// started; use Reconfigure instead.
	ErrRegistryFrozen = errors.New("pipeline: registry frozen")
	// ErrDuplicateID rejects a second handler with the same identifier.
	ErrDuplicateID = errors.New("pipeline: duplicate handler identifier")
)

// Registration is one handler entry. It is immutable once registered.
type Registration struct {
	ID       string
	Priority int
	// Port restricts the handler to requests arriving on the listener bound
	// to this port. Zero matches every listener.
	Port    int
	Data    any
	handler HandlerFunc
	seq     uint64
}

func (r *Registration) matches(port int) bool {
	return r.Port == 0 || r.Port == port
}

// Result is the outcome of one dispatch.
type Result struct {
	Verdict api.Verdict
	Message string
	// Handler is the identifier of the deciding handler, empty when the
	// default verdict applied.
	Handler string
	Faults  int
	Elapsed time.Duration
}

type finalObserver struct {
	fn   FinalStateFunc
	data any
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for handler faults.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) {
		r.log = log.With().Str("component", "pipeline").Logger()
	}
}

// WithDefault sets the verdict used when no handler decides.
func WithDefault(v api.Verdict) Option {
	return func(r *Registry) { r.SetDefault(v) }
}

// WithFaultHook is called with the handler identifier on every handler
// panic or invalid verdict.
func WithFaultHook(fn func(id string)) Option {
	return func(r *Registry) { r.onFault = fn }
}

// Registry is the ordered handler set. Dispatch reads an immutable snapshot,
// so a concurrent Reconfigure never affects requests already in flight.
type Registry struct {
	mu         sync.Mutex // serializes writers
	seq        uint64
	snapshot   atomic.Pointer[[]*Registration]
	frozen     atomic.Bool
	defVerdict atomic.Int32
	final      atomic.Pointer[finalObserver]
	middleware []Middleware
	onFault    func(id string)
	log        zerolog.Logger
}

// NewRegistry returns an empty registry with DUNNO as default verdict.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{log: zerolog.Nop()}
	empty := []*Registration{}
	r.snapshot.Store(&empty)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Use appends middleware applied to handlers registered afterwards.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	r.middleware = append(r.middleware, mw...)
	r.mu.Unlock()
}

// SetDefault changes the verdict returned when no handler decides. An
// invalid verdict is ignored.
func (r *Registry) SetDefault(v api.Verdict) {
	if v.Valid() {
		r.defVerdict.Store(int32(v))
	}
}

// Default returns the current default verdict.
func (r *Registry) Default() api.Verdict {
	return api.Verdict(r.defVerdict.Load())
}

// SetFinalStateHandler installs the observer called after every dispatch.
// A nil fn removes it.
func (r *Registry) SetFinalStateHandler(fn FinalStateFunc, data any) {
	if fn == nil {
		r.final.Store(nil)
		return
	}
	r.final.Store(&finalObserver{fn: fn, data: data})
}

// Register adds a handler. Lower priority values run first.
func (r *Registry) Register(id string, fn HandlerFunc, priority, port int, data any) (*Registration, error) {
	if r.frozen.Load() {
		return nil, ErrRegistryFrozen
	}
	var reg *Registration
	err := r.edit(func(e *Editor) error {
		var err error
		reg, err = e.Register(id, fn, priority, port, data)
		return err
	})
	return reg, err
}

// Unregister removes a handler by identifier.
func (r *Registry) Unregister(id string) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	return r.edit(func(e *Editor) error {
		if !e.Unregister(id) {
			return fmt.Errorf("%w: handler %q", api.ErrNotFound, id)
		}
		return nil
	})
}

// Freeze forbids Register and Unregister. The server freezes the registry
// when it starts accepting traffic.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Reconfigure applies fn to a copy of the registrations and publishes the
// result atomically when fn succeeds. It works on frozen registries.
func (r *Registry) Reconfigure(fn func(e *Editor) error) error {
	return r.edit(fn)
}

func (r *Registry) edit(fn func(e *Editor) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.snapshot.Load()
	e := &Editor{r: r, regs: append([]*Registration(nil), cur...)}
	if err := fn(e); err != nil {
		return err
	}
	sort.SliceStable(e.regs, func(i, j int) bool {
		if e.regs[i].Priority != e.regs[j].Priority {
			return e.regs[i].Priority < e.regs[j].Priority
		}
		return e.regs[i].seq < e.regs[j].seq
	})
	r.snapshot.Store(&e.regs)
	return nil
}

// Snapshot returns the registrations in evaluation order.
func (r *Registry) Snapshot() []*Registration {
	cur := *r.snapshot.Load()
	return append([]*Registration(nil), cur...)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// Dispatch evaluates req, received on a listener bound to port, against the
// current registrations.
func (r *Registry) Dispatch(ctx context.Context, conn *transport.Connection, req *protocol.Request, port int) Result {
	start := time.Now()
	regs := *r.snapshot.Load()
	res := Result{Verdict: r.Default()}

	for _, reg := range regs {
		if !reg.matches(port) {
			continue
		}
		v, msg, ok := r.call(ctx, reg, conn, req)
		if !ok {
			res.Faults++
			continue
		}
		if v.Decides() {
			res.Verdict = v
			res.Message = msg
			res.Handler = reg.ID
			break
		}
	}
	res.Elapsed = time.Since(start)

	if obs := r.final.Load(); obs != nil {
		r.observe(ctx, obs, conn, req, res)
	}
	return res
}

// call runs one handler. A panic or an out-of-range verdict counts as a
// fault and the handler is treated as having abstained.
func (r *Registry) call(ctx context.Context, reg *Registration, conn *transport.Connection, req *protocol.Request) (v api.Verdict, msg string, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.fault(reg.ID)
			r.log.Error().
				Str("handler", reg.ID).
				Str("request_id", req.ID).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("handler panicked")
			v, msg, ok = api.VerdictDunno, "", false
		}
	}()
	v, msg = reg.handler(ctx, conn, req, reg.Data)
	if !v.Valid() {
		r.fault(reg.ID)
		r.log.Error().
			Str("handler", reg.ID).
			Str("request_id", req.ID).
			Int("verdict", int(v)).
			Msg("handler returned invalid verdict")
		return api.VerdictDunno, "", false
	}
	return v, msg, true
}

func (r *Registry) fault(id string) {
	if r.onFault != nil {
		r.onFault(id)
	}
}

func (r *Registry) observe(ctx context.Context, obs *finalObserver, conn *transport.Connection, req *protocol.Request, res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Str("request_id", req.ID).
				Interface("panic", p).
				Msg("final state handler panicked")
		}
	}()
	obs.fn(ctx, conn, req, res.Verdict, res.Message, obs.data)
}

// Editor stages changes for Reconfigure.
type Editor struct {
	r    *Registry
	regs []*Registration
}

// Register stages a new handler.
func (e *Editor) Register(id string, fn HandlerFunc, priority, port int, data any) (*Registration, error) {
	if id == "" || fn == nil {
		return nil, fmt.Errorf("%w: handler needs an identifier and a function", api.ErrInvalidArgument)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d", api.ErrInvalidArgument, port)
	}
	for _, reg := range e.regs {
		if reg.ID == id {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
		}
	}
	e.r.seq++
	reg := &Registration{
		ID:       id,
		Priority: priority,
		Port:     port,
		Data:     data,
		handler:  NewHandlerChain(id, fn, e.r.middleware...),
		seq:      e.r.seq,
	}
	e.regs = append(e.regs, reg)
	return reg, nil
}

// Unregister stages the removal of id.
func (e *Editor) Unregister(id string) bool {
	for i, reg := range e.regs {
		if reg.ID == id {
			e.regs = append(e.regs[:i:i], e.regs[i+1:]...)
			return true
		}
	}
	return false
}

// IDs returns the staged identifiers.
func (e *Editor) IDs() []string {
	out := make([]string, len(e.regs))
	for i, reg := range e.regs {
		out[i] = reg.ID
	}
	return out
}

// File: reactor/custom.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"fmt"

	"github.com/momentics/policyd/api"
)

// Custom is a Backend assembled from caller-supplied functions. Create and
// Wait are required; the remaining operations default to no-ops.
type Custom struct {
	name        string
	create      func(FDEventType) (Group, error)
	destroy     func(Group)
	clear       func(Group)
	add         func(Group, int, FDEventType, any) bool
	isSet       func(Group, int) bool
	wait        func(Group, int) (int, error)
	hasDispatch func(Group) bool
	dispatch    func(Group, int, DispatchFunc)
}

// NewCustom returns an empty custom backend.
func NewCustom(name string) *Custom {
	return &Custom{name: name}
}

// NewCustomFrom returns a custom backend delegating every operation to base.
// Setters then override individual operations.
func NewCustomFrom(name string, base Backend) *Custom {
	return &Custom{
		name:        name,
		create:      base.Create,
		destroy:     base.Destroy,
		clear:       base.Clear,
		add:         base.Add,
		isSet:       base.IsSet,
		wait:        base.Wait,
		hasDispatch: base.HasDispatch,
		dispatch:    base.Dispatch,
	}
}

func (c *Custom) SetCreate(fn func(FDEventType) (Group, error)) *Custom { c.create = fn; return c }
func (c *Custom) SetDestroy(fn func(Group)) *Custom                    { c.destroy = fn; return c }
func (c *Custom) SetClear(fn func(Group)) *Custom                      { c.clear = fn; return c }
func (c *Custom) SetAdd(fn func(Group, int, FDEventType, any) bool) *Custom {
	c.add = fn
	return c
}
func (c *Custom) SetIsSet(fn func(Group, int) bool) *Custom          { c.isSet = fn; return c }
func (c *Custom) SetWait(fn func(Group, int) (int, error)) *Custom   { c.wait = fn; return c }
func (c *Custom) SetHasDispatch(fn func(Group) bool) *Custom         { c.hasDispatch = fn; return c }
func (c *Custom) SetDispatch(fn func(Group, int, DispatchFunc)) *Custom {
	c.dispatch = fn
	return c
}

func (c *Custom) Name() string { return c.name }

func (c *Custom) Create(events FDEventType) (Group, error) {
	if c.create == nil {
		return nil, fmt.Errorf("%w: custom backend %q has no create", api.ErrNotSupported, c.name)
	}
	return c.create(events)
}

func (c *Custom) Destroy(g Group) {
	if c.destroy != nil {
		c.destroy(g)
	}
}

func (c *Custom) Clear(g Group) {
	if c.clear != nil {
		c.clear(g)
	}
}

func (c *Custom) Add(g Group, fd int, events FDEventType, conn any) bool {
	if c.add == nil {
		return false
	}
	return c.add(g, fd, events, conn)
}

func (c *Custom) IsSet(g Group, fd int) bool {
	return c.isSet != nil && c.isSet(g, fd)
}

func (c *Custom) Wait(g Group, maxFD int) (int, error) {
	if c.wait == nil {
		return 0, fmt.Errorf("%w: custom backend %q has no wait", ErrFatal, c.name)
	}
	return c.wait(g, maxFD)
}

func (c *Custom) HasDispatch(g Group) bool {
	return c.hasDispatch != nil && c.dispatch != nil && c.hasDispatch(g)
}

func (c *Custom) Dispatch(g Group, n int, fn DispatchFunc) {
	if c.dispatch != nil {
		c.dispatch(g, n, fn)
	}
}

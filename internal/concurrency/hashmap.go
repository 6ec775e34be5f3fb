// File: internal/concurrency/hashmap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// String-keyed concurrent map with change notification and single-flight
// resolution of missing keys.

package concurrency

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNotResolved is returned when a bounded wait for a key gives up.
var ErrNotResolved = errors.New("concurrency: key not resolved in time")

type mapEntry[V any] struct {
	value  V
	stored time.Time
}

// Map is a mutex-guarded map keyed by string. Every mutation of a key wakes
// goroutines waiting on that key and, when configured, pushes the key onto a
// changed queue.
type Map[V any] struct {
	mu      sync.RWMutex
	entries map[string]mapEntry[V]
	watch   map[string]chan struct{}
	changed *Queue[string]
	group   singleflight.Group
	now     func() time.Time
}

// NewMap returns an empty map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{
		entries: make(map[string]mapEntry[V]),
		watch:   make(map[string]chan struct{}),
		now:     time.Now,
	}
}

// SetChangedQueue installs q as the changed watcher. The mutated key is
// pushed once per mutation. A nil q removes the watcher.
func (m *Map[V]) SetChangedQueue(q *Queue[string]) {
	m.mu.Lock()
	m.changed = q
	m.mu.Unlock()
}

// Insert stores v under key unless the key is already present.
func (m *Map[V]) Insert(key string, v V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return false
	}
	m.entries[key] = mapEntry[V]{value: v, stored: m.now()}
	m.notifyLocked(key)
	return true
}

// Replace stores v under key, overwriting any previous value.
func (m *Map[V]) Replace(key string, v V) {
	m.mu.Lock()
	m.entries[key] = mapEntry[V]{value: v, stored: m.now()}
	m.notifyLocked(key)
	m.mu.Unlock()
}

// Remove deletes key and reports whether it was present.
func (m *Map[V]) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	m.notifyLocked(key)
	return true
}

// Lookup returns the value stored under key.
func (m *Map[V]) Lookup(key string) (V, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	return e.value, ok
}

// LookupAndClear returns and removes the value stored under key.
func (m *Map[V]) LookupAndClear(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
		m.notifyLocked(key)
	}
	return e.value, ok
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Foreach calls fn for a snapshot of the entries until fn returns false.
// fn may mutate the map.
func (m *Map[V]) Foreach(fn func(key string, v V) bool) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	vals := make([]V, 0, len(m.entries))
	for k, e := range m.entries {
		keys = append(keys, k)
		vals = append(vals, e.value)
	}
	m.mu.RUnlock()
	for i := range keys {
		if !fn(keys[i], vals[i]) {
			return
		}
	}
}

// Expire removes entries stored longer than maxAge ago and returns how many
// were dropped.
func (m *Map[V]) Expire(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := m.now().Add(-maxAge)
	n := 0
	for k, e := range m.entries {
		if e.stored.Before(limit) {
			delete(m.entries, k)
			m.notifyLocked(k)
			n++
		}
	}
	return n
}

// WaitChanged blocks until key is mutated by another goroutine, timeout
// elapses (ErrNotResolved) or ctx is done.
func (m *Map[V]) WaitChanged(ctx context.Context, key string, timeout time.Duration) error {
	m.mu.Lock()
	ch := m.watchLocked(key)
	m.mu.Unlock()
	return waitSignal(ctx, ch, timeout)
}

// Wait blocks until key holds a value. It returns ErrNotResolved when
// timeout elapses first.
func (m *Map[V]) Wait(ctx context.Context, key string, timeout time.Duration) (V, error) {
	var zero V
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if e, ok := m.entries[key]; ok {
			m.mu.Unlock()
			return e.value, nil
		}
		ch := m.watchLocked(key)
		m.mu.Unlock()

		left := time.Until(deadline)
		if left <= 0 {
			return zero, ErrNotResolved
		}
		if err := waitSignal(ctx, ch, left); err != nil {
			return zero, err
		}
	}
}

// Resolve returns the value under key, computing it with fn when missing.
// Concurrent callers for the same key share one fn invocation. A caller
// that waited longer than timeout for the shared result runs fn itself.
// Successful results are stored in the map.
func (m *Map[V]) Resolve(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) (V, error)) (V, error) {
	if v, ok := m.Lookup(key); ok {
		return v, nil
	}
	var zero V
	resolve := func(ctx context.Context) (V, error) {
		v, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		m.Replace(key, v)
		return v, nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		if v, ok := m.Lookup(key); ok {
			return v, nil
		}
		return resolve(context.WithoutCancel(ctx))
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-timer.C:
		return resolve(ctx)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (m *Map[V]) watchLocked(key string) chan struct{} {
	ch, ok := m.watch[key]
	if !ok {
		ch = make(chan struct{})
		m.watch[key] = ch
	}
	return ch
}

func (m *Map[V]) notifyLocked(key string) {
	if ch, ok := m.watch[key]; ok {
		close(ch)
		delete(m.watch, key)
	}
	if m.changed != nil {
		_ = m.changed.Push(key)
	}
}

func waitSignal(ctx context.Context, ch <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrNotResolved
	case <-ctx.Done():
		return ctx.Err()
	}
}

// File: internal/concurrency/shared.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"context"
	"sync"
)

// The process-wide pool used by every server that does not ask for an
// exclusive one. It lives while at least one server holds it.
var shared struct {
	mu   sync.Mutex
	pool *Pool
	refs *RefCount
}

// AcquireShared returns the shared pool, creating it from cfg on first use.
// Later callers get the existing pool and cfg is ignored.
func AcquireShared(cfg PoolConfig) *Pool {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.pool == nil {
		shared.pool = NewPool(cfg)
		shared.refs = NewRefCount()
		return shared.pool
	}
	if err := shared.refs.Ref("acquire"); err != nil {
		// the count died without the pool being cleared; start over
		shared.pool = NewPool(cfg)
		shared.refs = NewRefCount()
	}
	return shared.pool
}

// ReleaseShared drops one reference to the shared pool and exits it when the
// last holder leaves.
func ReleaseShared(ctx context.Context) error {
	shared.mu.Lock()
	if shared.pool == nil {
		shared.mu.Unlock()
		return nil
	}
	released, err := shared.refs.Unref("release")
	if err != nil {
		shared.mu.Unlock()
		return err
	}
	if !released {
		shared.mu.Unlock()
		return nil
	}
	p := shared.pool
	shared.pool = nil
	shared.refs = nil
	shared.mu.Unlock()
	return p.Exit(ctx, false)
}

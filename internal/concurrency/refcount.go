// File: internal/concurrency/refcount.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrRefAfterRelease reports an attempt to take a reference on an object
	// whose count already dropped to zero.
	ErrRefAfterRelease = errors.New("concurrency: reference taken after release")
	// ErrOverRelease reports more releases than references.
	ErrOverRelease = errors.New("concurrency: reference released below zero")
)

// RefCount is a lock-guarded reference counter that starts at one.
// Once it reaches zero it is dead and every further operation fails.
type RefCount struct {
	mu sync.Mutex
	n  int
}

// NewRefCount returns a counter holding the creator's reference.
func NewRefCount() *RefCount {
	return &RefCount{n: 1}
}

// Ref takes a reference on behalf of who.
func (r *RefCount) Ref(who string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n <= 0 {
		return fmt.Errorf("%w (by %s)", ErrRefAfterRelease, who)
	}
	r.n++
	return nil
}

// Unref drops a reference on behalf of who. released is true exactly once,
// for the call that brought the count to zero.
func (r *RefCount) Unref(who string) (released bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n <= 0 {
		return false, fmt.Errorf("%w (by %s)", ErrOverRelease, who)
	}
	r.n--
	return r.n == 0, nil
}

// Count returns the current number of references.
func (r *RefCount) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

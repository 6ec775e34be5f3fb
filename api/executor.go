// Package api
// Author: momentics
//
// Executor contract for background task dispatch.

package api

import "time"

// Executor abstracts the worker pool used for request processing and
// auxiliary plugin work.
type Executor interface {
	// Submit schedules task for execution.
	Submit(task func()) error

	// NumWorkers returns current number of active worker routines.
	NumWorkers() int

	// Resize adjusts the concurrency at runtime.
	Resize(newCount int)

	// Every runs fn on a worker each period until fn returns true.
	Every(period time.Duration, fn func() bool) (int, error)

	// Cancel removes a periodic job registered with Every.
	Cancel(id int) bool
}

// File: adapters/executor_adapter.go
// Package adapters provides glue between internal concurrency and api.Executor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ExecutorAdapter exposes the worker pool to plugins through api.Executor so
// they never see pool sizing or shutdown.

package adapters

import (
	"time"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/internal/concurrency"
)

// ExecutorAdapter wraps a concurrency.Pool to satisfy the api.Executor contract.
type ExecutorAdapter struct {
	pool *concurrency.Pool
}

var _ api.Executor = (*ExecutorAdapter)(nil)

// NewExecutorAdapter wraps pool without taking ownership of it.
func NewExecutorAdapter(pool *concurrency.Pool) *ExecutorAdapter {
	return &ExecutorAdapter{pool: pool}
}

// Submit dispatches a task function to be executed asynchronously.
// Returns an error if the pool has exited.
func (ea *ExecutorAdapter) Submit(task func()) error {
	return ea.pool.Submit(task)
}

// NumWorkers returns the current number of worker goroutines.
func (ea *ExecutorAdapter) NumWorkers() int {
	return ea.pool.NumWorkers()
}

// Resize grows or shrinks the pool towards newCount.
func (ea *ExecutorAdapter) Resize(newCount int) {
	ea.pool.Resize(newCount)
}

// Every registers a periodic event on the pool.
func (ea *ExecutorAdapter) Every(period time.Duration, fn func() bool) (int, error) {
	return ea.pool.NewEvent(period, fn)
}

// Cancel removes an event registered with Every.
func (ea *ExecutorAdapter) Cancel(id int) bool {
	return ea.pool.RemoveEvent(id)
}

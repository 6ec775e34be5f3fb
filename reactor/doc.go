// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor abstracts I/O readiness multiplexing behind the Backend
// contract. Linux ships select(2), poll(2) and epoll(7) backends; Custom
// lets callers plug their own implementation operation by operation.
// A Waker unblocks a goroutine parked in Backend.Wait.
package reactor

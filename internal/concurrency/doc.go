// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for the policy daemon: a blocking queue with a
// priority lane and timed pop, a string-keyed map with change notification
// and single-flight resolution, a checked reference counter, and the
// elastic worker pool with timer events that runs request dispatch.
package concurrency

// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot reload, metrics and debug introspection for the policy
// daemon.
//
// Provides:
//   - YAML configuration with defaults, validation and POLICYD_* overrides
//   - an atomic configuration Store with reload listeners
//   - a debounced file watcher
//   - Prometheus metrics and JSON debug probes served over HTTP
//   - the zerolog root logger
package control

// File: control/store.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread-safe configuration store with atomic swap and reload listeners.

package control

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ReloadFunc observes a configuration swap.
type ReloadFunc func(old, cur *Config)

// Store holds the active configuration. Readers never block.
type Store struct {
	path    string
	loader  func(string) (*Config, error)
	current atomic.Pointer[Config]

	mu        sync.Mutex // serializes Reload and listener registration
	listeners []ReloadFunc
	reloads   atomic.Int64
	failures  atomic.Int64
}

// NewStore wraps an already loaded configuration. path is re-read by Reload.
func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path, loader: LoadConfigWithEnvOverrides}
	s.current.Store(cfg)
	return s
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Load returns the active configuration.
func (s *Store) Load() *Config {
	return s.current.Load()
}

// OnReload registers a listener called synchronously after every Swap.
func (s *Store) OnReload(fn ReloadFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Swap installs cfg and notifies listeners.
func (s *Store) Swap(cfg *Config) *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapLocked(cfg)
}

func (s *Store) swapLocked(cfg *Config) *Config {
	old := s.current.Swap(cfg)
	s.reloads.Add(1)
	for _, fn := range s.listeners {
		fn(old, cfg)
	}
	return old
}

// Reload re-reads the backing file. On failure the active configuration
// is left untouched.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return fmt.Errorf("control: store has no backing file")
	}
	cfg, err := s.loader(s.path)
	if err != nil {
		s.failures.Add(1)
		return err
	}
	s.swapLocked(cfg)
	return nil
}

// Stats reports reload counters.
func (s *Store) Stats() map[string]any {
	return map[string]any{
		"config.path":            s.path,
		"config.reloads":         s.reloads.Load(),
		"config.reload_failures": s.failures.Load(),
	}
}

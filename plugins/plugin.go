// File: plugins/plugin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Static plugin registry. Plugin packages register a factory from init();
// the daemon activates the ones that have a section under `plugins` in the
// configuration file.

package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/pipeline"
)

var (
	ErrUnknownPlugin = errors.New("plugins: unknown plugin")
	ErrDisabled      = errors.New("plugins: plugin disabled")
)

// Host is what a plugin may use from the running server.
type Host interface {
	Register(id string, fn pipeline.HandlerFunc, priority, port int, data any) (*pipeline.Registration, error)
	Logger() zerolog.Logger
	Executor() api.Executor
	NewEvent(period time.Duration, fn func() bool) (int, error)
	NewCronEvent(spec string, fn func() bool) (int, error)
	RemoveEvent(id int) bool
	SetData(key string, v any)
	Data(key string) (any, bool)
}

// Plugin is one decision module. Init registers its handlers; Reconf gets
// the new section after a reload and must not register anything.
type Plugin interface {
	Name() string
	Init(host Host, section Section) error
	Reconf(section Section) error
	Close() error
}

// Factory builds a fresh plugin instance.
type Factory func() Plugin

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register makes a plugin available by name. It panics on duplicates.
func Register(name string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.factories[name]; dup {
		panic("plugins: duplicate registration of " + name)
	}
	registry.factories[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	registry.RLock()
	defer registry.RUnlock()
	f, ok := registry.factories[name]
	return f, ok
}

// Names lists the registered plugins in order.
func Names() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for n := range registry.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Section is a plugin's configuration block. Priority and Port place its
// handler in the pipeline; the rest is decoded by the plugin itself.
type Section struct {
	Enabled  *bool `yaml:"enabled"`
	Priority int   `yaml:"priority"`
	Port     int   `yaml:"port"`

	node yaml.Node
}

// ParseSection reads the common keys of node.
func ParseSection(node yaml.Node) (Section, error) {
	var s Section
	if node.Kind != 0 {
		if err := node.Decode(&s); err != nil {
			return Section{}, err
		}
	}
	if s.Port < 0 || s.Port > 65535 {
		return Section{}, fmt.Errorf("%w: port %d", api.ErrInvalidArgument, s.Port)
	}
	s.node = node
	return s, nil
}

// IsEnabled is true unless the section says `enabled: false`.
func (s Section) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Decode unmarshals the whole section into v.
func (s Section) Decode(v any) error {
	if s.node.Kind == 0 {
		return nil
	}
	return s.node.Decode(v)
}

// Set is the group of plugins active in one server.
type Set struct {
	log     zerolog.Logger
	mu      sync.Mutex
	plugins []Plugin
}

// Load instantiates and initialises every enabled plugin in sections, in
// name order. On failure the plugins already initialised are closed.
func Load(host Host, sections map[string]yaml.Node) (*Set, error) {
	set := &Set{log: host.Logger().With().Str("component", "plugin").Logger()}
	names := make([]string, 0, len(sections))
	for n := range sections {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		sec, err := ParseSection(sections[name])
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("plugins: %s: %w", name, err)
		}
		if !sec.IsEnabled() {
			set.log.Info().Str("plugin", name).Msg("plugin disabled")
			continue
		}
		factory, ok := Lookup(name)
		if !ok {
			set.Close()
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
		}
		p := factory()
		if err := p.Init(host, sec); err != nil {
			set.Close()
			return nil, fmt.Errorf("plugins: init %s: %w", name, err)
		}
		set.plugins = append(set.plugins, p)
		set.log.Info().Str("plugin", name).Int("priority", sec.Priority).Int("port", sec.Port).Msg("plugin loaded")
	}
	return set, nil
}

// Names returns the active plugin names.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.plugins))
	for i, p := range s.plugins {
		out[i] = p.Name()
	}
	return out
}

// Reconf hands each active plugin its new section. Plugins whose section
// disappeared keep their current settings.
func (s *Set) Reconf(sections map[string]yaml.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, p := range s.plugins {
		node, ok := sections[p.Name()]
		if !ok {
			s.log.Warn().Str("plugin", p.Name()).Msg("section removed, plugin keeps running until restart")
			continue
		}
		sec, err := ParseSection(node)
		if err == nil {
			err = p.Reconf(sec)
		}
		if err != nil {
			s.log.Error().Err(err).Str("plugin", p.Name()).Msg("reconf failed")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		s.log.Info().Str("plugin", p.Name()).Msg("plugin reconfigured")
	}
	return errors.Join(errs...)
}

// Close shuts plugins down in reverse load order.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for i := len(s.plugins) - 1; i >= 0; i-- {
		if err := s.plugins[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.plugins[i].Name(), err))
		}
	}
	s.plugins = nil
	return errors.Join(errs...)
}

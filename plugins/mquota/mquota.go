// File: plugins/mquota/mquota.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package mquota limits how much mail one sender may submit over sliding
// windows (for example 50 a minute and 200 an hour).

package mquota

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/transport"
)

const Name = "mquota"

func init() {
	plugins.Register(Name, func() plugins.Plugin { return &Plugin{} })
}

// Key selects what a quota is counted against.
const (
	KeySASLUsername = "sasl_username"
	KeySender       = "sender"
)

// Limit allows Count messages per Window.
type Limit struct {
	Window time.Duration `yaml:"window"`
	Count  int           `yaml:"count"`
}

type settings struct {
	Key               string      `yaml:"key"`
	OnlyAuthenticated bool        `yaml:"only_authenticated"`
	Limits            []Limit     `yaml:"limits"`
	Exceptions        []string    `yaml:"exceptions"`
	Verdict           api.Verdict `yaml:"verdict"`
	Message           string      `yaml:"message"`
}

type state struct {
	settings
	rates      map[time.Duration]int
	limiter    *catrate.Limiter
	exceptions map[string]struct{}
}

// Plugin is the mquota plugin.
type Plugin struct {
	log zerolog.Logger
	mu  sync.RWMutex
	st  *state
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(host plugins.Host, sec plugins.Section) error {
	p.log = host.Logger().With().Str("plugin", Name).Logger()
	if err := p.Reconf(sec); err != nil {
		return err
	}
	_, err := host.Register(Name, p.check, sec.Priority, sec.Port, nil)
	return err
}

// Reconf applies new limits. Counters survive when the windows are unchanged.
func (p *Plugin) Reconf(sec plugins.Section) error {
	s := settings{
		Key:               KeySASLUsername,
		OnlyAuthenticated: true,
		Verdict:           api.VerdictReject,
		Message:           "Message quota exceeded",
	}
	if err := sec.Decode(&s); err != nil {
		return err
	}
	if s.Key != KeySASLUsername && s.Key != KeySender {
		return fmt.Errorf("%w: quota key %q", api.ErrInvalidArgument, s.Key)
	}
	if !s.Verdict.Decides() {
		return fmt.Errorf("%w: quota verdict %s", api.ErrInvalidArgument, s.Verdict)
	}
	rates := make(map[time.Duration]int, len(s.Limits))
	for _, l := range s.Limits {
		rates[l.Window] = l.Count
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	next := &state{settings: s, rates: rates, exceptions: make(map[string]struct{}, len(s.Exceptions))}
	for _, e := range s.Exceptions {
		next.exceptions[strings.ToLower(e)] = struct{}{}
	}
	if p.st != nil && maps.Equal(p.st.rates, rates) {
		next.limiter = p.st.limiter
	} else if len(rates) > 0 {
		l, err := newLimiter(rates)
		if err != nil {
			return err
		}
		next.limiter = l
	}
	p.st = next
	p.log.Info().Int("windows", len(rates)).Str("key", s.Key).Msg("quotas configured")
	return nil
}

func (p *Plugin) Close() error { return nil }

// newLimiter converts catrate's panic on inconsistent windows into an error.
func newLimiter(rates map[time.Duration]int) (l *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: windows must grow in count and shrink in rate: %v", api.ErrInvalidArgument, r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

func (p *Plugin) check(_ context.Context, _ *transport.Connection, req *protocol.Request, _ any) (api.Verdict, string) {
	p.mu.RLock()
	st := p.st
	p.mu.RUnlock()
	if st == nil || st.limiter == nil {
		return api.VerdictDunno, ""
	}
	if st.OnlyAuthenticated && !req.IsAuthenticated() {
		return api.VerdictDunno, ""
	}
	key := req.Get(st.Key)
	if key == "" {
		return api.VerdictDunno, ""
	}
	key = strings.ToLower(key)
	if _, ok := st.exceptions[key]; ok {
		return api.VerdictDunno, ""
	}
	if next, ok := st.limiter.Allow(key); !ok {
		p.log.Warn().Str("key", key).Time("retry_at", next).Str("request_id", req.ID).Msg("quota exceeded")
		return st.Verdict, st.Message
	}
	return api.VerdictDunno, ""
}

// File: plugins/access/access.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package access answers requests from an ordered list of static rules.
// The first rule whose every set field matches decides.

package access

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/transport"
)

const Name = "access"

func init() {
	plugins.Register(Name, func() plugins.Plugin { return &Plugin{} })
}

// Rule matches on address rules (see protocol.MatchAddress), an exact SASL
// user and a client network. Empty fields match everything.
type Rule struct {
	Sender       string      `yaml:"sender"`
	Recipient    string      `yaml:"recipient"`
	SASLUsername string      `yaml:"sasl_username"`
	Client       string      `yaml:"client"`
	Verdict      api.Verdict `yaml:"verdict"`
	Message      string      `yaml:"message"`

	prefix netip.Prefix
}

type settings struct {
	Rules []Rule `yaml:"rules"`
}

func (s *settings) compile() error {
	for i := range s.Rules {
		r := &s.Rules[i]
		if !r.Verdict.Decides() {
			return fmt.Errorf("%w: rule %d has verdict %s", api.ErrInvalidArgument, i, r.Verdict)
		}
		if r.Client == "" {
			continue
		}
		c := r.Client
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			r.prefix = netip.PrefixFrom(addr, addr.BitLen())
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		r.prefix = p.Masked()
	}
	return nil
}

func (r *Rule) match(req *protocol.Request) bool {
	if r.Sender != "" && !protocol.MatchAddress(r.Sender, req.Sender()) {
		return false
	}
	if r.Recipient != "" && !protocol.MatchAddress(r.Recipient, req.Recipient()) {
		return false
	}
	if r.SASLUsername != "" && !strings.EqualFold(r.SASLUsername, req.SASLUsername()) {
		return false
	}
	if r.prefix.IsValid() {
		addr, err := netip.ParseAddr(req.ClientAddress())
		if err != nil || !r.prefix.Contains(addr.Unmap()) {
			return false
		}
	}
	return true
}

// Plugin is the access plugin.
type Plugin struct {
	log   zerolog.Logger
	rules atomic.Pointer[[]Rule]
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

func (p *Plugin) Reconf(sec plugins.Section) error {
	var s settings
	if err := sec.Decode(&s); err != nil {
		return err
	}
	if err := s.compile(); err != nil {
		return err
	}
	p.rules.Store(&s.Rules)
	p.log.Debug().Int("rules", len(s.Rules)).Msg("rules loaded")
	return nil
}

func (p *Plugin) Close() error { return nil }

func (p *Plugin) check(_ context.Context, _ *transport.Connection, req *protocol.Request, _ any) (api.Verdict, string) {
	rules := p.rules.Load()
	if rules == nil {
		return api.VerdictDunno, ""
	}
	for i := range *rules {
		r := &(*rules)[i]
		if r.match(req) {
			return r.Verdict, r.Message
		}
	}
	return api.VerdictDunno, ""
}

// File: plugins/rdns/rdns.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package rdns checks that the connecting client has a reverse DNS name.
// Lookups go through a single-flight cache so concurrent requests from the
// same address trigger one query.

package rdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/internal/concurrency"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/transport"
)

const Name = "rdns"

func init() {
	plugins.Register(Name, func() plugins.Plugin { return &Plugin{} })
}

// LookupFunc resolves addr to host names.
type LookupFunc func(ctx context.Context, addr string) ([]string, error)

type settings struct {
	RequirePTR    bool          `yaml:"require_ptr"`
	Verdict       api.Verdict   `yaml:"verdict"`
	Message       string        `yaml:"message"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	Skip          []string      `yaml:"skip"`
}

// Plugin is the rdns plugin.
type Plugin struct {
	log    zerolog.Logger
	host   plugins.Host
	cache  *concurrency.Map[string]
	lookup LookupFunc

	mu      sync.RWMutex
	s       settings
	skip    []*net.IPNet
	expiry  int
	hasTask bool
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(host plugins.Host, sec plugins.Section) error {
	p.log = host.Logger().With().Str("plugin", Name).Logger()
	p.host = host
	p.cache = concurrency.NewMap[string]()
	if p.lookup == nil {
		p.lookup = net.DefaultResolver.LookupAddr
	}
	if err := p.Reconf(sec); err != nil {
		return err
	}
	if _, err := host.Register(Name, p.check, sec.Priority, sec.Port, nil); err != nil {
		p.Close()
		return err
	}
	return nil
}

// Reconf reloads settings and reschedules the cache expiry event.
func (p *Plugin) Reconf(sec plugins.Section) error {
	s := settings{
		Verdict:       api.VerdictReject,
		Message:       "Client host has no reverse DNS name",
		LookupTimeout: 3 * time.Second,
		WaitTimeout:   time.Second,
		CacheTTL:      10 * time.Minute,
	}
	if err := sec.Decode(&s); err != nil {
		return err
	}
	if !s.Verdict.Decides() {
		return fmt.Errorf("%w: rdns verdict %s", api.ErrInvalidArgument, s.Verdict)
	}
	if s.CacheTTL <= 0 || s.LookupTimeout <= 0 || s.WaitTimeout <= 0 {
		return fmt.Errorf("%w: rdns timeouts must be positive", api.ErrInvalidArgument)
	}
	var skip []*net.IPNet
	for _, cidr := range s.Skip {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("rdns: skip %q: %w", cidr, err)
		}
		skip = append(skip, n)
	}

	cache, ttl := p.cache, s.CacheTTL
	id, err := p.host.NewEvent(ttl/2, func() bool {
		if n := cache.Expire(ttl); n > 0 {
			p.log.Debug().Int("expired", n).Msg("reverse lookups expired")
		}
		return false
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	old, hadTask := p.expiry, p.hasTask
	p.s, p.skip = s, skip
	p.expiry, p.hasTask = id, true
	p.mu.Unlock()
	if hadTask {
		p.host.RemoveEvent(old)
	}
	return nil
}

func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasTask {
		p.host.RemoveEvent(p.expiry)
		p.hasTask = false
	}
	return nil
}

// Lookup returns the first PTR name of addr, or "" when it has none.
func (p *Plugin) Lookup(ctx context.Context, addr string) (string, error) {
	p.mu.RLock()
	s := p.s
	p.mu.RUnlock()
	return p.cache.Resolve(ctx, addr, s.WaitTimeout, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, s.LookupTimeout)
		defer cancel()
		names, err := p.lookup(ctx, addr)
		var dnsErr *net.DNSError
		switch {
		case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
			return "", nil
		case err != nil:
			return "", err
		case len(names) == 0:
			return "", nil
		}
		return strings.TrimSuffix(names[0], "."), nil
	})
}

func (p *Plugin) skipped(ip net.IP) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.skip {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (p *Plugin) check(ctx context.Context, _ *transport.Connection, req *protocol.Request, _ any) (api.Verdict, string) {
	addr := req.ClientAddress()
	ip := net.ParseIP(addr)
	if ip == nil || ip.IsLoopback() || p.skipped(ip) {
		return api.VerdictDunno, ""
	}
	name, err := p.Lookup(ctx, ip.String())
	if err != nil {
		p.log.Warn().Err(err).Str("client_address", addr).Str("request_id", req.ID).Msg("reverse lookup failed")
		return api.VerdictDunno, ""
	}

	p.mu.RLock()
	s := p.s
	p.mu.RUnlock()
	if name == "" && s.RequirePTR {
		return s.Verdict, s.Message
	}
	return api.VerdictDunno, ""
}

package rdns

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/plugins/plugintest"
)

func section(t *testing.T, src string) plugins.Section {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &node))
	sec, err := plugins.ParseSection(*node.Content[0])
	require.NoError(t, err)
	return sec
}

type fakeDNS struct {
	calls atomic.Int32
	delay time.Duration
	names map[string][]string
	fail  error
}

func (f *fakeDNS) lookup(ctx context.Context, addr string) ([]string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	names, ok := f.names[addr]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
	}
	return names, nil
}

func TestRequirePTR(t *testing.T) {
	dns := &fakeDNS{names: map[string][]string{"192.0.2.1": {"mail.example.org."}}}
	h := plugintest.New(t)
	p := &Plugin{lookup: dns.lookup}
	require.NoError(t, p.Init(h, section(t, "require_ptr: true\nskip: [10.0.0.0/8]\n")))
	t.Cleanup(func() { p.Close() })

	assert.Equal(t, api.VerdictDunno, h.Check(0, map[string]string{"client_address": "192.0.2.1"}).Verdict)
	res := h.Check(0, map[string]string{"client_address": "192.0.2.2"})
	assert.Equal(t, api.VerdictReject, res.Verdict)
	assert.NotEmpty(t, res.Message)

	// skipped networks and loopback are never looked up
	before := dns.calls.Load()
	assert.Equal(t, api.VerdictDunno, h.Check(0, map[string]string{"client_address": "10.1.2.3"}).Verdict)
	assert.Equal(t, api.VerdictDunno, h.Check(0, map[string]string{"client_address": "127.0.0.1"}).Verdict)
	assert.Equal(t, before, dns.calls.Load())

	name, err := p.Lookup(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org", name)
}

func TestConcurrentLookupsShareOneQuery(t *testing.T) {
	dns := &fakeDNS{delay: 100 * time.Millisecond, names: map[string][]string{"198.51.100.7": {"relay.example.net."}}}
	h := plugintest.New(t)
	p := &Plugin{lookup: dns.lookup}
	require.NoError(t, p.Init(h, section(t, "wait_timeout: 2s\n")))
	t.Cleanup(func() { p.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := p.Lookup(context.Background(), "198.51.100.7")
			assert.NoError(t, err)
			assert.Equal(t, "relay.example.net", name)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, dns.calls.Load())

	// cached afterwards
	_, err := p.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.EqualValues(t, 1, dns.calls.Load())
}

func TestLookupFailureAbstains(t *testing.T) {
	dns := &fakeDNS{fail: errors.New("servfail")}
	h := plugintest.New(t)
	p := &Plugin{lookup: dns.lookup}
	require.NoError(t, p.Init(h, section(t, "require_ptr: true\n")))
	t.Cleanup(func() { p.Close() })

	assert.Equal(t, api.VerdictDunno, h.Check(0, map[string]string{"client_address": "203.0.113.9"}).Verdict)
	assert.Equal(t, api.VerdictDunno, h.Check(0, map[string]string{"client_address": "203.0.113.9"}).Verdict)
	// failures are not cached
	assert.EqualValues(t, 2, dns.calls.Load())
}

func TestReconfReplacesExpiryEvent(t *testing.T) {
	h := plugintest.New(t)
	p := &Plugin{lookup: (&fakeDNS{}).lookup}
	require.NoError(t, p.Init(h, section(t, "cache_ttl: 1m\n")))
	assert.Equal(t, 1, h.Pool.EventStats())

	require.NoError(t, p.Reconf(section(t, "cache_ttl: 2m\n")))
	assert.Equal(t, 1, h.Pool.EventStats())

	require.Error(t, p.Reconf(section(t, "cache_ttl: 0s\n")))
	assert.Equal(t, 1, h.Pool.EventStats())

	require.NoError(t, p.Close())
	assert.Zero(t, h.Pool.EventStats())
}

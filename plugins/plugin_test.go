package plugins_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/plugins/plugintest"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/transport"
)

type recorder struct {
	name    string
	failOn  string
	verdict api.Verdict
	reconfs int
	closed  *[]string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Init(h plugins.Host, sec plugins.Section) error {
	if r.failOn == "init" {
		return errors.New("init refused")
	}
	var cfg struct {
		Verdict api.Verdict `yaml:"verdict"`
	}
	if err := sec.Decode(&cfg); err != nil {
		return err
	}
	r.verdict = cfg.Verdict
	_, err := h.Register(r.name, func(context.Context, *transport.Connection, *protocol.Request, any) (api.Verdict, string) {
		return r.verdict, r.name
	}, sec.Priority, sec.Port, nil)
	return err
}

func (r *recorder) Reconf(plugins.Section) error {
	r.reconfs++
	if r.failOn == "reconf" {
		return errors.New("reconf refused")
	}
	return nil
}

func (r *recorder) Close() error {
	*r.closed = append(*r.closed, r.name)
	return nil
}

var (
	closed    []string
	instances = map[string]*recorder{}
)

func init() {
	for _, def := range []struct{ name, failOn string }{
		{"test-alpha", ""},
		{"test-first", ""},
		{"test-second", ""},
		{"test-broken", "init"},
		{"test-stubborn", "reconf"},
	} {
		plugins.Register(def.name, func() plugins.Plugin {
			r := &recorder{name: def.name, failOn: def.failOn, closed: &closed}
			instances[def.name] = r
			return r
		})
	}
}

func sections(t *testing.T, src string) map[string]yaml.Node {
	t.Helper()
	var out map[string]yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &out))
	return out
}

func TestLoadRegistersByPriority(t *testing.T) {
	closed = nil
	h := plugintest.New(t)
	set, err := plugins.Load(h, sections(t, `
test-first:
  priority: 20
  verdict: OK
test-second:
  priority: 10
  verdict: REJECT
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"test-first", "test-second"}, set.Names())

	res := h.Check(0, nil)
	assert.Equal(t, api.VerdictReject, res.Verdict)
	assert.Equal(t, "test-second", res.Handler)

	require.NoError(t, set.Close())
	assert.Equal(t, []string{"test-second", "test-first"}, closed)
}

func TestLoadSkipsDisabledAndRejectsUnknown(t *testing.T) {
	h := plugintest.New(t)
	set, err := plugins.Load(h, sections(t, "test-first:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.Empty(t, set.Names())

	_, err = plugins.Load(h, sections(t, "nonexistent: {}\n"))
	assert.ErrorIs(t, err, plugins.ErrUnknownPlugin)
}

func TestLoadFailureClosesLoaded(t *testing.T) {
	closed = nil
	h := plugintest.New(t)
	_, err := plugins.Load(h, sections(t, "test-second: {}\ntest-broken: {}\n"))
	require.Error(t, err)
	// test-broken sorts first, so nothing was loaded yet
	assert.Empty(t, closed)

	closed = nil
	h = plugintest.New(t)
	_, err = plugins.Load(h, sections(t, "test-alpha: {}\ntest-broken: {}\n"))
	require.Error(t, err)
	assert.Equal(t, []string{"test-alpha"}, closed)
}

func TestReconfDeliversSections(t *testing.T) {
	h := plugintest.New(t)
	set, err := plugins.Load(h, sections(t, "test-first: {}\ntest-stubborn: {}\n"))
	require.NoError(t, err)

	err = set.Reconf(sections(t, "test-first: {}\ntest-stubborn: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test-stubborn")
	assert.Equal(t, 1, instances["test-first"].reconfs)
	assert.Equal(t, 1, instances["test-stubborn"].reconfs)

	// a missing section is not a failure
	require.NoError(t, set.Reconf(sections(t, "test-first: {}\n")))
	assert.Equal(t, 2, instances["test-first"].reconfs)
	assert.Equal(t, 2, h.Registry.Len())
}

func TestParseSectionRejectsBadPort(t *testing.T) {
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("port: 70000\n"), &node))
	_, err := plugins.ParseSection(*node.Content[0])
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestNamesIncludesRegistered(t *testing.T) {
	names := plugins.Names()
	assert.Contains(t, names, "test-first")
	assert.IsIncreasing(t, names)
}

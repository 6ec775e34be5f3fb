package access

import (
	"testing"

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

const rules = `
priority: 5
rules:
  - sender: "@spam.example"
    verdict: REJECT
    message: go away
  - sasl_username: alice
    recipient: "@example.org"
    verdict: OK
  - client: 192.0.2.0/24
    verdict: DEFER
    message: try later
`

func TestRulesFirstMatchWins(t *testing.T) {
	h := plugintest.New(t)
	p := &Plugin{}
	require.NoError(t, p.Init(h, section(t, rules)))

	res := h.Check(0, map[string]string{"sender": "bob@SPAM.example", "sasl_username": "alice", "recipient": "x@example.org"})
	assert.Equal(t, api.VerdictReject, res.Verdict)
	assert.Equal(t, "go away", res.Message)

	res = h.Check(0, map[string]string{"sender": "a@b.c", "sasl_username": "alice", "recipient": "x@example.org"})
	assert.Equal(t, api.VerdictOK, res.Verdict)

	res = h.Check(0, map[string]string{"sender": "a@b.c", "sasl_username": "alice", "recipient": "x@other.org"})
	assert.Equal(t, api.VerdictDunno, res.Verdict)

	res = h.Check(0, map[string]string{"client_address": "192.0.2.77"})
	assert.Equal(t, api.VerdictDefer, res.Verdict)

	res = h.Check(0, map[string]string{"client_address": "not-an-ip"})
	assert.Equal(t, api.VerdictDunno, res.Verdict)
}

func TestReconfReplacesRules(t *testing.T) {
	h := plugintest.New(t)
	p := &Plugin{}
	require.NoError(t, p.Init(h, section(t, rules)))

	require.NoError(t, p.Reconf(section(t, "rules:\n  - sender: \"@spam.example\"\n    verdict: DISCARD\n")))
	res := h.Check(0, map[string]string{"sender": "bob@spam.example"})
	assert.Equal(t, api.VerdictDiscard, res.Verdict)

	// a broken section keeps the running rules
	require.Error(t, p.Reconf(section(t, "rules:\n  - client: nope/99\n    verdict: REJECT\n")))
	res = h.Check(0, map[string]string{"sender": "bob@spam.example"})
	assert.Equal(t, api.VerdictDiscard, res.Verdict)
}

func TestRuleNeedsDecidingVerdict(t *testing.T) {
	h := plugintest.New(t)
	p := &Plugin{}
	err := p.Init(h, section(t, "rules:\n  - sender: a@b\n    verdict: DUNNO\n"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	assert.Zero(t, h.Registry.Len())
}

package bwl

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/plugins/plugintest"
)

func setup(t *testing.T, stmts ...string) (*plugintest.Host, *Plugin, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bwl.db")
	db, err := Open(path)
	require.NoError(t, err)
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	require.NoError(t, db.Close())

	h := plugintest.New(t)
	p := &Plugin{}
	require.NoError(t, p.Init(h, sectionFor(t, path)))
	t.Cleanup(func() { p.Close() })
	return h, p, path
}

func sectionFor(t *testing.T, path string) plugins.Section {
	t.Helper()
	var node yaml.Node
	src := fmt.Sprintf("priority: 1\ndatabase: %q\nlocal_domains: [example.org]\n", path)
	require.NoError(t, yaml.Unmarshal([]byte(src), &node))
	sec, err := plugins.ParseSection(*node.Content[0])
	require.NoError(t, err)
	return sec
}

func req(sender, recipient string) map[string]string {
	return map[string]string{"sender": sender, "recipient": recipient}
}

func TestGlobalBlacklist(t *testing.T) {
	h, _, _ := setup(t,
		`INSERT INTO bwl_global (source, status) VALUES ('spam.example', 'reject')`,
		`INSERT INTO bwl_global (destination, status) VALUES ('trap@example.org', 'discard')`,
	)
	res := h.Check(0, req("x@spam.example", "bob@example.org"))
	assert.Equal(t, api.VerdictReject, res.Verdict)
	assert.Contains(t, res.Message, "global server lists")

	res = h.Check(0, req("x@fine.example", "trap@example.org"))
	assert.Equal(t, api.VerdictDiscard, res.Verdict)

	res = h.Check(0, req("x@fine.example", "bob@example.org"))
	assert.Equal(t, api.VerdictDunno, res.Verdict)
}

func TestSpecificRulesBeforeGeneric(t *testing.T) {
	h, _, _ := setup(t,
		`INSERT INTO bwl_global (source, status) VALUES ('partner.example', 'reject')`,
		`INSERT INTO bwl_global (source, destination, status) VALUES ('ceo@partner.example', 'bob@example.org', 'ok')`,
	)
	res := h.Check(0, req("ceo@partner.example", "bob@example.org"))
	assert.Equal(t, api.VerdictOK, res.Verdict)

	res = h.Check(0, req("ceo@partner.example", "alice@example.org"))
	assert.Equal(t, api.VerdictReject, res.Verdict)
}

func TestWhitelistOnlyForLocalDelivery(t *testing.T) {
	h, _, _ := setup(t,
		`INSERT INTO bwl_global (source, status) VALUES ('friend.example', 'ok')`,
	)
	res := h.Check(0, req("a@friend.example", "b@example.org"))
	assert.Equal(t, api.VerdictOK, res.Verdict)

	res = h.Check(0, req("a@friend.example", "b@remote.example"))
	assert.Equal(t, api.VerdictDunno, res.Verdict)
}

func TestDomainAndAccountLevels(t *testing.T) {
	h, _, _ := setup(t,
		`INSERT INTO bwl_domain (rules_for, source, status) VALUES ('example.org', 'noisy.example', 'reject')`,
		`INSERT INTO bwl_account (rules_for, source, status) VALUES ('bob@example.org', 'pal@noisy2.example', 'ok')`,
		`INSERT INTO bwl_account (rules_for, source, status) VALUES ('bob@example.org', 'noisy2.example', 'discard')`,
		`INSERT INTO bwl_domain (rules_for, source, status, is_active) VALUES ('example.org', 'off.example', 'reject', 0)`,
	)
	res := h.Check(0, req("x@noisy.example", "anyone@example.org"))
	assert.Equal(t, api.VerdictReject, res.Verdict)
	assert.Contains(t, res.Message, "domain lists")

	res = h.Check(0, req("pal@noisy2.example", "bob@example.org"))
	assert.Equal(t, api.VerdictOK, res.Verdict)

	res = h.Check(0, req("other@noisy2.example", "bob@example.org"))
	assert.Equal(t, api.VerdictDiscard, res.Verdict)

	res = h.Check(0, req("x@off.example", "bob@example.org"))
	assert.Equal(t, api.VerdictDunno, res.Verdict)

	// domain rules do not apply to foreign recipients
	res = h.Check(0, req("x@noisy.example", "anyone@remote.example"))
	assert.Equal(t, api.VerdictDunno, res.Verdict)
}

func TestBlockedSASLUser(t *testing.T) {
	h, _, _ := setup(t,
		`INSERT INTO bwl_global_sasl (sasl_user) VALUES ('mallory')`,
	)
	res := h.Check(0, map[string]string{"sasl_username": "mallory", "sender": "m@example.org", "recipient": "r@remote.example"})
	assert.Equal(t, api.VerdictReject, res.Verdict)
	assert.Contains(t, res.Message, "mallory")

	res = h.Check(0, map[string]string{"sasl_username": "alice", "sender": "a@example.org", "recipient": "r@remote.example"})
	assert.Equal(t, api.VerdictDunno, res.Verdict)
}

func TestReconfKeepsDatabaseForSamePath(t *testing.T) {
	h, p, path := setup(t,
		`INSERT INTO bwl_global (source, status) VALUES ('friend.example', 'ok')`,
	)
	before := p.db
	require.NoError(t, p.Reconf(sectionFor(t, path)))
	assert.Same(t, before, p.db)

	res := h.Check(0, req("a@friend.example", "b@example.org"))
	assert.Equal(t, api.VerdictOK, res.Verdict)
}

func TestClosedPluginAbstains(t *testing.T) {
	h, p, _ := setup(t,
		`INSERT INTO bwl_global (source, status) VALUES ('spam.example', 'reject')`,
	)
	require.NoError(t, p.Close())
	res := h.Check(0, req("x@spam.example", "b@example.org"))
	assert.Equal(t, api.VerdictDunno, res.Verdict)
}

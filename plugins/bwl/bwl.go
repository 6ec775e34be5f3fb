// File: plugins/bwl/bwl.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package bwl implements black and white lists stored in SQLite. Rules live
// at three levels: global, per local domain and per local account. Within a
// level, rules naming both a source and a destination are tried before the
// generic ones. A whitelist ("ok") entry only applies to local deliveries.

package bwl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/plugins"
	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/transport"
)

const Name = "bwl"

func init() {
	plugins.Register(Name, func() plugins.Plugin { return &Plugin{} })
}

// Rule statuses.
const (
	StatusOK      = "ok"
	StatusReject  = "reject"
	StatusDiscard = "discard"
)

const schema = `
CREATE TABLE IF NOT EXISTS bwl_global (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	is_active   INTEGER NOT NULL DEFAULT 1,
	source      TEXT NOT NULL DEFAULT '',
	destination TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bwl_domain (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	is_active   INTEGER NOT NULL DEFAULT 1,
	rules_for   TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bwl_account (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	is_active   INTEGER NOT NULL DEFAULT 1,
	rules_for   TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bwl_global_sasl (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	is_active   INTEGER NOT NULL DEFAULT 1,
	sasl_user   TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_bwl_domain_for ON bwl_domain(rules_for);
CREATE INDEX IF NOT EXISTS idx_bwl_account_for ON bwl_account(rules_for);
`

const (
	queryGlobal = `SELECT status, source, destination FROM bwl_global
		WHERE is_active = 1 AND (source IN (?, ?) OR destination IN (?, ?)) ORDER BY id`
	queryDomain = `SELECT status, source FROM bwl_domain
		WHERE is_active = 1 AND rules_for = ? AND source IN (?, ?) ORDER BY id`
	queryAccount = `SELECT status, source FROM bwl_account
		WHERE is_active = 1 AND rules_for = ? AND source IN (?, ?) ORDER BY id`
	querySASL = `SELECT 1 FROM bwl_global_sasl WHERE is_active = 1 AND sasl_user = ? LIMIT 1`
)

type settings struct {
	Database     string        `yaml:"database"`
	LocalDomains []string      `yaml:"local_domains"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type rule struct {
	status, source, destination string
}

func (r rule) specific() bool {
	return r.source != "" && r.destination != ""
}

// Plugin is the bwl plugin.
type Plugin struct {
	log zerolog.Logger

	mu      sync.RWMutex
	db      *sql.DB
	path    string
	local   map[string]struct{}
	timeout time.Duration
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(host plugins.Host, sec plugins.Section) error {
	p.log = host.Logger().With().Str("plugin", Name).Logger()
	if err := p.Reconf(sec); err != nil {
		return err
	}
	if _, err := host.Register(Name, p.check, sec.Priority, sec.Port, nil); err != nil {
		p.Close()
		return err
	}
	return nil
}

// Reconf reopens the database when its path changed and refreshes the local
// domain list.
func (p *Plugin) Reconf(sec plugins.Section) error {
	s := settings{QueryTimeout: 2 * time.Second}
	if err := sec.Decode(&s); err != nil {
		return err
	}
	if s.Database == "" {
		return fmt.Errorf("%w: bwl needs a database path", api.ErrInvalidArgument)
	}
	local := make(map[string]struct{}, len(s.LocalDomains))
	for _, d := range s.LocalDomains {
		local[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	p.mu.RLock()
	samePath := p.db != nil && p.path == s.Database
	p.mu.RUnlock()

	var db *sql.DB
	if !samePath {
		var err error
		if db, err = Open(s.Database); err != nil {
			return err
		}
	}

	p.mu.Lock()
	old := p.db
	if db != nil {
		p.db, p.path = db, s.Database
	} else {
		old = nil
	}
	p.local = local
	p.timeout = s.QueryTimeout
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	p.log.Info().Str("database", s.Database).Int("local_domains", len(local)).Msg("bwl configured")
	return nil
}

func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Open opens the rule database and creates the tables when missing.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("bwl: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bwl: schema: %w", err)
	}
	return db, nil
}

func (p *Plugin) isLocal(domain string) bool {
	_, ok := p.local[domain]
	return ok
}

// localDelivery is true when either end of the exchange is one of ours.
func (p *Plugin) localDelivery(req *protocol.Request) bool {
	return p.isLocal(req.RecipientDomain()) || p.isLocal(req.SenderDomain())
}

func (p *Plugin) check(ctx context.Context, _ *transport.Connection, req *protocol.Request, _ any) (api.Verdict, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return api.VerdictDunno, ""
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	v, msg, err := p.evaluate(ctx, req)
	if err != nil {
		// a broken database must not stop mail; abstain
		p.log.Error().Err(err).Str("request_id", req.ID).Msg("rule lookup failed")
		return api.VerdictDunno, ""
	}
	return v, msg
}

func (p *Plugin) evaluate(ctx context.Context, req *protocol.Request) (api.Verdict, string, error) {
	if user := req.SASLUsername(); user != "" {
		blocked, err := p.saslBlocked(ctx, user)
		if err != nil {
			return api.VerdictDunno, "", err
		}
		if blocked {
			return api.VerdictReject, fmt.Sprintf("Rejecting sasl user (%s) due to administrative configuration", user), nil
		}
	}

	sender, recipient := req.Sender(), req.Recipient()
	senderDomain, recipientDomain := req.SenderDomain(), req.RecipientDomain()

	rules, err := p.load(ctx, queryGlobal, func(rows *sql.Rows) (rule, error) {
		var r rule
		err := rows.Scan(&r.status, &r.source, &r.destination)
		return r, err
	}, senderDomain, sender, recipientDomain, recipient)
	if err != nil {
		return api.VerdictDunno, "", err
	}
	if v, msg := p.apply(req, rules, "global server lists"); v.Decides() {
		return v, msg, nil
	}

	if !p.isLocal(recipientDomain) {
		return api.VerdictDunno, "", nil
	}
	levels := []struct {
		query, rulesFor, label string
	}{
		{queryDomain, recipientDomain, "domain lists"},
		{queryAccount, recipient, "account lists"},
	}
	for _, l := range levels {
		rules, err := p.load(ctx, l.query, func(rows *sql.Rows) (rule, error) {
			r := rule{destination: recipient}
			err := rows.Scan(&r.status, &r.source)
			return r, err
		}, l.rulesFor, sender, senderDomain)
		if err != nil {
			return api.VerdictDunno, "", err
		}
		if v, msg := p.apply(req, rules, l.label); v.Decides() {
			return v, msg, nil
		}
	}
	return api.VerdictDunno, "", nil
}

// apply runs the specific rules first, then the generic ones.
func (p *Plugin) apply(req *protocol.Request, rules []rule, label string) (api.Verdict, string) {
	for _, specificPass := range []bool{true, false} {
		for _, r := range rules {
			if specificPass && !r.specific() {
				continue
			}
			if !protocol.MatchAddress(r.source, req.Sender()) || !protocol.MatchAddress(r.destination, req.Recipient()) {
				continue
			}
			switch strings.ToLower(r.status) {
			case StatusOK:
				if p.localDelivery(req) {
					return api.VerdictOK, ""
				}
				p.log.Debug().Str("source", r.source).Str("destination", r.destination).Msg("whitelist skipped for non-local delivery")
			case StatusReject:
				return api.VerdictReject, "Rejecting due to blacklist (" + label + ")"
			case StatusDiscard:
				return api.VerdictDiscard, "Discard due to blacklist (" + label + ")"
			}
		}
	}
	return api.VerdictDunno, ""
}

func (p *Plugin) load(ctx context.Context, query string, scan func(*sql.Rows) (rule, error), args ...any) ([]rule, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rule
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Plugin) saslBlocked(ctx context.Context, user string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, querySASL, user).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/reactor"
)

const sampleConfig = `
listen:
  - host: 127.0.0.1
    port: 10031
  - path: /run/policyd.sock
default_verdict: defer_if_permit
io_backend: poll
idle_timeout: 30s
worker_pool:
  threads: 8
  add_period: 2s
  auto_remove: true
logging:
  level: debug
  format: console
plugins:
  access:
    priority: 10
    rules: []
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Listen, 2)
	assert.Equal(t, "tcp", cfg.Listen[0].Network)
	assert.Equal(t, "127.0.0.1:10031", cfg.Listen[0].Address())
	assert.Equal(t, "unix", cfg.Listen[1].Network)
	assert.Equal(t, "/run/policyd.sock", cfg.Listen[1].Address())

	assert.Equal(t, api.VerdictDeferIfPermit, cfg.DefaultVerdict)
	assert.Equal(t, reactor.KindPoll, cfg.Backend())
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, DefaultRequestLineLimit, cfg.RequestLineLimit)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)

	wp := cfg.WorkerPool
	assert.Equal(t, 8, wp.Threads)
	assert.Equal(t, DefaultMaxLimit, wp.MaxLimit)
	assert.Equal(t, 1, wp.AddStep)
	assert.Equal(t, 1, wp.RemoveStep)
	assert.Equal(t, 4*time.Second, wp.RemovePeriod)
	assert.True(t, wp.AutoRemove)

	assert.True(t, cfg.PluginEnabled("access"))
	assert.False(t, cfg.PluginEnabled("bwl"))
}

func TestLoadConfigEmptyFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, api.VerdictDunno, cfg.DefaultVerdict)
	assert.Equal(t, reactor.KindEpoll, cfg.Backend())
	assert.Equal(t, DefaultThreads, cfg.WorkerPool.Threads)
	assert.Equal(t, 10*time.Second, cfg.WorkerPool.RemovePeriod)
	require.Len(t, cfg.Listen, 1)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"backend":  "io_backend: kqueue\n",
		"network":  "listen: [{network: udp, port: 1}]\n",
		"unix":     "listen: [{network: unix}]\n",
		"port":     "listen: [{port: 70000}]\n",
		"limit":    "request_line_limit: 4\n",
		"maxlimit": "worker_pool: {threads: 10, max_limit: 2}\n",
		"format":   "logging: {format: xml}\n",
		"level":    "logging: {level: loud}\n",
		"conns":    "max_connections: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(content))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseConfigBadVerdict(t *testing.T) {
	_, err := ParseConfig([]byte("default_verdict: maybe\n"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	env := map[string]string{
		"POLICYD_IO_BACKEND":      "select",
		"POLICYD_DEFAULT_VERDICT": "REJECT",
		"POLICYD_WORKER_THREADS":  "3",
		"POLICYD_IDLE_TIMEOUT":    "1m",
		"POLICYD_METRICS_ENABLED": "true",
	}
	require.NoError(t, applyEnvOverrides(cfg, func(k string) string { return env[k] }))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, reactor.KindSelect, cfg.Backend())
	assert.Equal(t, api.VerdictReject, cfg.DefaultVerdict)
	assert.Equal(t, 3, cfg.WorkerPool.Threads)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	assert.True(t, cfg.Metrics.Enabled)

	env = map[string]string{"POLICYD_MAX_CONNECTIONS": "many"}
	assert.Error(t, applyEnvOverrides(cfg, func(k string) string { return env[k] }))
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("POLICYD_IO_BACKEND", "epoll")
	cfg, err := LoadConfigWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, reactor.KindEpoll, cfg.Backend())

	t.Setenv("POLICYD_IO_BACKEND", "bogus")
	_, err = LoadConfigWithEnvOverrides(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

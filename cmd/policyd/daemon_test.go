//go:build linux

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/policyd/control"
)

const baseConfig = `
listen:
  - network: tcp
    host: 127.0.0.1
    port: 0
io_backend: poll
io_wait_timeout: 50ms
shutdown_timeout: 2s
worker_pool:
  threads: 2
  exclusive: true
plugins:
  access:
    priority: 10
    rules:
      - sender: "@spam.example"
        verdict: %s
`

func writeConfig(t *testing.T, path, verdict string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(baseConfig, verdict)), 0o600))
}

func ask(t *testing.T, addr, sender string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Write([]byte("request=smtpd_access_policy\nsender=" + sender + "\n\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestDaemonServesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policyd.yaml")
	writeConfig(t, path, "REJECT")
	cfg, err := control.LoadConfig(path)
	require.NoError(t, err)

	d, err := newDaemon(path, cfg, zerolog.Nop(), false)
	require.NoError(t, err)
	require.Len(t, d.listeners, 1)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(d.listeners[0].Port()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	}()

	assert.Equal(t, "action=REJECT\n", ask(t, addr, "bulk@spam.example"))
	assert.Equal(t, "action=DUNNO\n", ask(t, addr, "friend@example.org"))

	writeConfig(t, path, "DISCARD")
	require.NoError(t, d.reload())
	assert.Equal(t, "action=DISCARD\n", ask(t, addr, "bulk@spam.example"))
	assert.Equal(t, []string{"access"}, d.plugins.Names())

	// a broken file keeps the running configuration
	require.NoError(t, os.WriteFile(path, []byte("listen: [ {"), 0o600))
	require.Error(t, d.reload())
	assert.Equal(t, "action=DISCARD\n", ask(t, addr, "bulk@spam.example"))

	state := d.probes.DumpState()
	assert.Contains(t, state, "server.stats")
	assert.Contains(t, state, "plugins")
}

func TestDaemonRejectsUnknownPlugin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policyd.yaml")
	cfgText := fmt.Sprintf(baseConfig, "REJECT") + "  nosuchplugin: {}\n"
	require.NoError(t, os.WriteFile(path, []byte(cfgText), 0o600))
	cfg, err := control.LoadConfig(path)
	require.NoError(t, err)

	assert.Error(t, checkPlugins(cfg))
	_, err = newDaemon(path, cfg, zerolog.Nop(), false)
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "policyd "+Version)
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := control.LoadConfig(filepath.Join("..", "..", "policyd.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, checkPlugins(cfg))
	assert.Len(t, cfg.Listen, 2)
	assert.Len(t, cfg.Plugins, 4)
}

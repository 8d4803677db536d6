package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imetrackd/internal/config"
	"imetrackd/internal/health"
	"imetrackd/internal/imf"
	"imetrackd/internal/ipc"
	"imetrackd/internal/logging"
	"imetrackd/internal/switching"
	"imetrackd/internal/visibility"
)

const testConfig = `
[switching]
mode = %q

[visibility]
hide_ime_when_no_editor_focus = true

[storage]
enabled = true
path = %q
buffer = 16
retention_days = 1

[logging]
level = "error"
format = "text"
output = "stderr"

[ipc]
socket_path = %q
`

type daemonEnv struct {
	dir        string
	configPath string
	socketPath string
	dbPath     string
}

func newEnv(t *testing.T) *daemonEnv {
	t.Helper()
	// Unix socket paths are short; t.TempDir can exceed the limit on macOS.
	dir, err := os.MkdirTemp("", "imd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	env := &daemonEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		socketPath: filepath.Join(dir, "s.sock"),
		dbPath:     filepath.Join(dir, "data", "requests.db"),
	}
	env.writeConfig(t, "static")
	return env
}

func (e *daemonEnv) writeConfig(t *testing.T, mode string) {
	t.Helper()
	data := fmt.Sprintf(testConfig, mode, e.dbPath, e.socketPath)
	require.NoError(t, os.WriteFile(e.configPath, []byte(data), 0o600))
}

func TestLoggingConfig(t *testing.T) {
	lc, err := loggingConfig(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     "file",
		FilePath:   "/tmp/imetrackd.log",
		MaxSizeMB:  3,
		MaxBackups: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "file", lc.Output)
	assert.Equal(t, int64(3), lc.MaxSize)
	assert.Equal(t, 2, lc.MaxBackups)
	assert.False(t, lc.Compress)

	_, err = loggingConfig(config.LoggingConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)
}

func TestDisplayPolicies(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Visibility.DisplayPolicies = map[string]string{"0": "local", "2": "hide", "x": "hide"}

	got := displayPolicies(cfg)
	assert.Equal(t, map[int]visibility.DisplayImePolicy{
		0: visibility.DisplayImePolicyLocal,
		2: visibility.DisplayImePolicyHide,
	}, got)
}

func TestNewDaemonRejectsBadFlagLevel(t *testing.T) {
	env := newEnv(t)
	_, err := newDaemon(options{ConfigPath: env.configPath, LogLevel: "shouty"})
	assert.Error(t, err)
}

func TestDaemonServesAndReloads(t *testing.T) {
	env := newEnv(t)
	d, err := newDaemon(options{ConfigPath: env.configPath, Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
		d.Close()
	}()

	require.Eventually(t, func() bool { return ipc.IsSocketListening(env.socketPath) },
		5*time.Second, 10*time.Millisecond)

	ccfg := ipc.DefaultClientConfig(env.socketPath)
	ccfg.RequestTimeout = 5 * time.Second
	client, err := ipc.Dial(ctx, ccfg)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "test", client.ServerVersion())

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Storage.Enabled)
	assert.Equal(t, env.dbPath, status.Storage.Path)
	assert.Equal(t, env.configPath, status.ConfigPath)
	assert.Equal(t, "error", status.LogLevel)
	assert.Equal(t, switching.ModeStatic, status.Manager.SwitchMode)

	// A finished request reaches the store.
	v, err := client.RequestVisibility(ctx, ipc.VisibilityRequest{Window: 9, Show: true, UID: 1000})
	require.NoError(t, err)
	require.NoError(t, client.TrackerSignal(ctx, ipc.TrackerSignalRequest{Token: v.Token, Signal: imf.SignalShown}))
	require.Eventually(t, func() bool {
		hist, err := client.History(ctx, 10)
		return err == nil && hist.Source == "store" && len(hist.Requests) == 1
	}, 5*time.Second, 20*time.Millisecond)

	env.writeConfig(t, "recent")
	resp, err := client.ReloadConfig(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	status, err = client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, switching.ModeRecent, status.Manager.SwitchMode)
}

func TestDaemonHealth(t *testing.T) {
	env := newEnv(t)
	d, err := newDaemon(options{ConfigPath: env.configPath})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, []string{"ledger", "sink", "store"}, d.health.Names())

	resp := d.health.Evaluate(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Equal(t, health.StatusHealthy, resp.Components["store"].Status)
	assert.Equal(t, 0, resp.Components["ledger"].Details["used"])
}

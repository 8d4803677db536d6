package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 10000, cfg.Tracker.TimeoutMs)
	assert.Equal(t, 100, cfg.Tracker.CompletedCapacity)
	assert.Equal(t, 1000, cfg.Tracker.ActiveCapacity)
	assert.Equal(t, 10*time.Second, cfg.TrackerTimeout())
	assert.Equal(t, "static", cfg.Switching.Mode)
	assert.True(t, cfg.Visibility.HideImeWhenNoEditorFocus)
	assert.True(t, strings.HasSuffix(cfg.IPC.SocketPath, "imetrackd.sock"), cfg.IPC.SocketPath)
	assert.NoError(t, cfg.Validate())
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	assert.True(t, strings.HasSuffix(path, "config.toml"), path)
	assert.Contains(t, path, "imetrackd")
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("IMETRACKD_DATA_DIR", dir)
	assert.Equal(t, dir, DataDir())
	assert.Equal(t, filepath.Join(dir, "requests.db"), DefaultConfig().Storage.Path)
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Tracker, cfg.Tracker)
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"config.toml", `
[tracker]
timeout_ms = 2500

[switching]
mode = "recent"

[visibility]
large_screen = true

[visibility.display_policies]
"2" = "hide"
`},
		{"config.yaml", `
tracker:
  timeout_ms: 2500
switching:
  mode: recent
visibility:
  large_screen: true
  display_policies:
    "2": hide
`},
		{"config.json", `{
  "tracker": {"timeout_ms": 2500},
  "switching": {"mode": "recent"},
  "visibility": {"large_screen": true, "display_policies": {"2": "hide"}}
}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.name)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)

			assert.Equal(t, 2500, cfg.Tracker.TimeoutMs)
			// Unset fields keep their defaults.
			assert.Equal(t, 100, cfg.Tracker.CompletedCapacity)
			assert.Equal(t, "recent", cfg.Switching.Mode)
			assert.True(t, cfg.Visibility.LargeScreen)
			assert.True(t, cfg.Visibility.HideImeWhenNoEditorFocus)
			assert.Equal(t, map[int]string{2: "hide"}, cfg.DisplayPolicies())
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[tracker\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode TOML")
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Switching.Mode = "auto"
			cfg.Metrics.Listen = "127.0.0.1:9464"
			cfg.Visibility.DisplayPolicies = map[string]string{"1": "fallback"}

			path := filepath.Join(t.TempDir(), "nested", "config."+ext)
			require.NoError(t, Save(cfg, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			loaded, err := Load(path)
			require.NoError(t, err)
			if diff := cmp.Diff(cfg, loaded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("IMETRACKD_LOG_LEVEL", "debug")
	t.Setenv("IMETRACKD_SOCKET", "/tmp/test.sock")
	t.Setenv("IMETRACKD_DB", "/tmp/test.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/test.sock", cfg.IPC.SocketPath)
	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"timeout", func(c *Config) { c.Tracker.TimeoutMs = 0 }, "tracker.timeout_ms"},
		{"completed capacity", func(c *Config) { c.Tracker.CompletedCapacity = 0 }, "tracker.completed_capacity"},
		{"active capacity", func(c *Config) { c.Tracker.ActiveCapacity = -1 }, "tracker.active_capacity"},
		{"switch mode", func(c *Config) { c.Switching.Mode = "random" }, "switching.mode"},
		{"display key", func(c *Config) { c.Visibility.DisplayPolicies = map[string]string{"main": "hide"} }, "visibility.display_policies"},
		{"display policy", func(c *Config) { c.Visibility.DisplayPolicies = map[string]string{"1": "show"} }, "visibility.display_policies"},
		{"default display", func(c *Config) { c.Visibility.DefaultDisplay = -1 }, "visibility.default_display"},
		{"storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"storage buffer", func(c *Config) { c.Storage.Buffer = 0 }, "storage.buffer"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"log file", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"socket", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"connections", func(c *Config) { c.IPC.MaxConnections = 0 }, "ipc.max_connections"},
		{"metrics listen", func(c *Config) { c.Metrics.Listen = "9464" }, "metrics.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.True(t, verrs.HasField(tt.field), "errors: %v", verrs)
			assert.Contains(t, err.Error(), "config: "+tt.field)
		})
	}
}

func TestValidateDisabledStorageSkipsPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Enabled = false
	cfg.Storage.Path = ""
	assert.NoError(t, cfg.Validate())
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Visibility.DisplayPolicies = map[string]string{"1": "hide"}

	clone := cfg.Clone()
	clone.Visibility.DisplayPolicies["1"] = "local"
	clone.Tracker.TimeoutMs = 5

	assert.Equal(t, "hide", cfg.Visibility.DisplayPolicies["1"])
	assert.Equal(t, 10000, cfg.Tracker.TimeoutMs)
}

func TestLoaderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[switching]\nmode = \"static\"\n"), 0600))

	l := NewLoader(path)
	defer l.Close()

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "static", cfg.Switching.Mode)

	var gotOld, gotNew *Config
	l.OnChange(func(old, new *Config) { gotOld, gotNew = old, new })

	require.NoError(t, os.WriteFile(path, []byte("[switching]\nmode = \"auto\"\n"), 0600))
	require.NoError(t, l.Reload())

	require.NotNil(t, gotNew)
	assert.Equal(t, "static", gotOld.Switching.Mode)
	assert.Equal(t, "auto", gotNew.Switching.Mode)
	assert.Same(t, gotNew, l.Config())
}

func TestLoaderReloadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	l := NewLoader(path)
	defer l.Close()

	_, err := l.Load()
	require.NoError(t, err)
	before := l.Config()

	called := false
	l.OnChange(func(_, _ *Config) { called = true })

	require.NoError(t, os.WriteFile(path, []byte("[switching]\nmode = \"random\"\n"), 0600))
	err = l.Reload()
	require.Error(t, err)
	assert.False(t, called)
	assert.Same(t, before, l.Config())
}

func TestLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0600))

	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	defer l.Close()

	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan string, 4)
	l.OnChange(func(_, new *Config) {
		select {
		case changed <- new.Switching.Mode:
		default:
		}
	})
	require.NoError(t, l.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[switching]\nmode = \"recent\"\n"), 0600))

	select {
	case mode := <-changed:
		assert.Equal(t, "recent", mode)
	case err := <-l.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	t.Chdir(t.TempDir())

	assert.Empty(t, FindConfigFile())

	path := filepath.Join(PlatformConfigDir(), "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	assert.Equal(t, path, FindConfigFile())
}

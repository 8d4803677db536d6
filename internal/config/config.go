// Package config handles configuration loading, validation, and management for imetrackd.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Tracker configures the request ledger.
	Tracker TrackerConfig `toml:"tracker" json:"tracker" yaml:"tracker"`

	// Visibility configures the IME visibility policy.
	Visibility VisibilityConfig `toml:"visibility" json:"visibility" yaml:"visibility"`

	// Switching configures subtype rotation.
	Switching SwitchingConfig `toml:"switching" json:"switching" yaml:"switching"`

	// Storage configuration for persisting completed requests.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for inter-process communication.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// TrackerConfig holds request ledger configuration.
type TrackerConfig struct {
	// TimeoutMs is how long a request may stay active before it is
	// finished with TIMEOUT.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`

	// CompletedCapacity is the number of completed requests kept for dumps.
	CompletedCapacity int `toml:"completed_capacity" json:"completed_capacity" yaml:"completed_capacity"`

	// ActiveCapacity bounds the number of concurrently active requests.
	ActiveCapacity int `toml:"active_capacity" json:"active_capacity" yaml:"active_capacity"`
}

// VisibilityConfig holds IME visibility policy configuration.
type VisibilityConfig struct {
	// HideImeWhenNoEditorFocus hides the IME when a window gains focus
	// without a focused editor.
	HideImeWhenNoEditorFocus bool `toml:"hide_ime_when_no_editor_focus" json:"hide_ime_when_no_editor_focus" yaml:"hide_ime_when_no_editor_focus"`

	// LargeScreen allows auto-show on large screens without an explicit
	// soft input state.
	LargeScreen bool `toml:"large_screen" json:"large_screen" yaml:"large_screen"`

	// DefaultDisplay is the display the IME falls back to.
	DefaultDisplay int `toml:"default_display" json:"default_display" yaml:"default_display"`

	// DisplayPolicies maps a display id to "local", "fallback" or "hide".
	DisplayPolicies map[string]string `toml:"display_policies,omitempty" json:"display_policies,omitempty" yaml:"display_policies,omitempty"`
}

// SwitchingConfig holds subtype rotation configuration.
type SwitchingConfig struct {
	// Mode is "static", "recent" or "auto".
	Mode string `toml:"mode" json:"mode" yaml:"mode"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Enabled determines whether completed requests are written to sqlite.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the path to the database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Buffer is the size of the write queue in front of the database.
	Buffer int `toml:"buffer" json:"buffer" yaml:"buffer"`

	// RetentionDays is how long stored requests are kept. Zero keeps them forever.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where logs go: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum size of a log file before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// ReadTimeoutSec is the idle time after which a client is pinged. Zero
	// uses the server default.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
}

// MetricsConfig holds metrics exposition configuration.
type MetricsConfig struct {
	// Listen is the HTTP address for /metrics. Empty disables it.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Tracker: TrackerConfig{
			TimeoutMs:         10000,
			CompletedCapacity: 100,
			ActiveCapacity:    1000,
		},
		Visibility: VisibilityConfig{
			HideImeWhenNoEditorFocus: true,
			LargeScreen:              false,
			DefaultDisplay:           0,
		},
		Switching: SwitchingConfig{
			Mode: "static",
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "requests.db"),
			Buffer:        256,
			RetentionDays: 7,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "imetrackd.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			Compress:   true,
		},
		IPC: IPCConfig{
			SocketPath:     defaultSocketPath(),
			ReadTimeoutSec: 0,
			MaxConnections: 32,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base imetrackd data directory.
// IMETRACKD_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("IMETRACKD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the configuration to path in the format implied by its
// extension, creating the directory if needed.
func Save(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("IMETRACKD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("IMETRACKD_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("IMETRACKD_DB"); v != "" {
		c.Storage.Path = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Visibility.DisplayPolicies != nil {
		clone.Visibility.DisplayPolicies = make(map[string]string, len(c.Visibility.DisplayPolicies))
		for k, v := range c.Visibility.DisplayPolicies {
			clone.Visibility.DisplayPolicies[k] = v
		}
	}
	return &clone
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.IPC.SocketPath)}
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// TrackerTimeout returns the ledger timeout as a duration.
func (c *Config) TrackerTimeout() time.Duration {
	return time.Duration(c.Tracker.TimeoutMs) * time.Millisecond
}

// ReadTimeout returns the IPC read timeout as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.IPC.ReadTimeoutSec) * time.Second
}

// Retention returns how long stored requests are kept. Zero means forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

// DisplayPolicies returns the display policy table keyed by numeric display
// id. Entries with a non-numeric key are skipped; Validate reports them.
func (c *Config) DisplayPolicies() map[int]string {
	out := make(map[int]string, len(c.Visibility.DisplayPolicies))
	for k, v := range c.Visibility.DisplayPolicies {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out
}

func defaultSocketPath() string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "imetrackd.sock")
		}
	}
	return filepath.Join(PlatformRuntimeDir(), "imetrackd.sock")
}

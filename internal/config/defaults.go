package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/imetrackd/
//   - Linux:   $XDG_DATA_HOME/imetrackd/ or ~/.local/share/imetrackd/
//
// Falls back to ~/.imetrackd on other systems.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "imetrackd")
	case "linux":
		return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	default:
		return filepath.Join(homeDir(), ".imetrackd")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/imetrackd/
//   - Linux:   $XDG_CONFIG_HOME/imetrackd/ or ~/.config/imetrackd/
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return PlatformDataDir()
	case "linux":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	default:
		return filepath.Join(homeDir(), ".imetrackd")
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "imetrackd")
	case "linux":
		return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
	default:
		return filepath.Join(homeDir(), ".imetrackd", "logs")
	}
}

// PlatformRuntimeDir returns the directory for the daemon socket:
// $XDG_RUNTIME_DIR/imetrackd/ on Linux when set, /tmp/imetrackd-$UID/ otherwise.
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			return filepath.Join(dir, "imetrackd")
		}
	}
	return filepath.Join(os.TempDir(), "imetrackd-"+strconv.Itoa(os.Getuid()))
}

func xdgDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, "imetrackd")
	}
	return filepath.Join(homeDir(), fallback, "imetrackd")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// SupportedConfigFormats returns the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "yaml", "yml", "json"}
}

// FindConfigFile searches the current directory and then the config
// directory for config.<ext>. Returns "" if none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

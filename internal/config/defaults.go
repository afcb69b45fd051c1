package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/strokebind/
//   - Linux:   ~/.config/strokebind/
//
// Falls back to ~/.strokebind if platform detection fails.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "strokebind")
	case "linux", "freebsd", "openbsd", "netbsd":
		return xdgConfigDir()
	default:
		return fallbackDir()
	}
}

// PlatformRuntimeDir returns the directory for sockets and other
// per-session files.
func PlatformRuntimeDir() string {
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "strokebind")
	}
	return filepath.Join(os.TempDir(), "strokebind-"+strconv.Itoa(os.Getuid()))
}

func xdgConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "strokebind")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallbackDir()
	}
	return filepath.Join(home, ".config", "strokebind")
}

func fallbackDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".strokebind")
}

func defaultSocketPath() string {
	return filepath.Join(PlatformRuntimeDir(), "strokebind.sock")
}

// SupportedConfigFormats lists the recognised config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// findConfigFile returns the first config.<ext> present in dir, or "".
func findConfigFile(dir string) string {
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "config."+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

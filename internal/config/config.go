// Package config handles configuration loading, validation, and management for strokebind.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 2

// Environment variables that override file settings.
const (
	EnvConfigDir = "STROKEBIND_CONFIG_DIR"
	EnvLogLevel  = "STROKEBIND_LOG_LEVEL"
	EnvSocket    = "STROKEBIND_SOCKET"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	Paths   PathsConfig   `toml:"paths" json:"paths" yaml:"paths"`
	Actions ActionsConfig `toml:"actions" json:"actions" yaml:"actions"`
	Resolve ResolveConfig `toml:"resolve" json:"resolve" yaml:"resolve"`
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`
	Notify  NotifyConfig  `toml:"notify" json:"notify" yaml:"notify"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	IPC     IPCConfig     `toml:"ipc" json:"ipc" yaml:"ipc"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// PathsConfig holds the directory layout.
type PathsConfig struct {
	// ConfigDir holds the actions file and, by default, every other file
	// named by a relative path.
	ConfigDir string `toml:"config_dir" json:"config_dir" yaml:"config_dir"`
}

// ActionsConfig controls persistence of the binding database.
type ActionsConfig struct {
	// File is the actions file, relative to the config directory unless absolute.
	File string `toml:"file" json:"file" yaml:"file"`

	// SaveIntervalMs is the tick at which pending edits are written.
	SaveIntervalMs int `toml:"save_interval_ms" json:"save_interval_ms" yaml:"save_interval_ms"`

	// WatchExternal logs edits made to the actions file by other programs.
	WatchExternal bool `toml:"watch_external" json:"watch_external" yaml:"watch_external"`
}

// ResolveConfig controls stroke matching and action execution.
type ResolveConfig struct {
	// MatchThreshold is the score at or above which a comparison is an exact match.
	MatchThreshold float64 `toml:"match_threshold" json:"match_threshold" yaml:"match_threshold"`

	// Samples is the number of points strokes are resampled to before comparison.
	Samples int `toml:"samples" json:"samples" yaml:"samples"`

	// Shell runs Command actions.
	Shell string `toml:"shell" json:"shell" yaml:"shell"`

	// Keymap selects the keysym resolver: "xmodmap" or "none".
	Keymap string `toml:"keymap" json:"keymap" yaml:"keymap"`

	// WindowManager selects how Misc actions are delivered: "dbus" or "none".
	WindowManager string `toml:"window_manager" json:"window_manager" yaml:"window_manager"`
}

// HistoryConfig controls the resolution history database.
type HistoryConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite file, relative to the config directory unless absolute.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetainDays prunes older entries at startup. 0 keeps everything.
	RetainDays int `toml:"retain_days" json:"retain_days" yaml:"retain_days"`
}

// NotifyConfig selects how warnings reach the user.
type NotifyConfig struct {
	// Backend is "auto" (D-Bus, falling back to the log), "dbus" or "log".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or a file path.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file (when Output is "file"), relative to the
	// config directory unless absolute.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// AuditFile journals edits made over the control socket. Empty disables it.
	AuditFile string `toml:"audit_file" json:"audit_file" yaml:"audit_file"`
}

// IPCConfig holds control socket configuration.
type IPCConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-connection idle timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Paths: PathsConfig{
			ConfigDir: StrokebindDir(),
		},
		Actions: ActionsConfig{
			File:           "actions",
			SaveIntervalMs: 1000,
			WatchExternal:  true,
		},
		Resolve: ResolveConfig{
			MatchThreshold: 0.7,
			Samples:        32,
			Shell:          "/bin/sh",
			Keymap:         "xmodmap",
			WindowManager:  "dbus",
		},
		History: HistoryConfig{
			Enabled:    false,
			Path:       "history.db",
			RetainDays: 30,
		},
		Notify: NotifyConfig{
			Backend: "auto",
		},
		Logging: LoggingConfig{
			Level:      "warn",
			Format:     "text",
			Output:     "stderr",
			FilePath:   "strokebind.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			AuditFile:  "audit.log",
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 8,
			TimeoutSec:     30,
		},
	}
}

// ConfigPath returns the configuration file in the config directory: an
// existing config.toml, config.json or config.yaml, else config.toml.
func ConfigPath() string {
	dir := StrokebindDir()
	if path := findConfigFile(dir); path != "" {
		return path
	}
	return filepath.Join(dir, "config.toml")
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

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(path, data)
}

// parseConfig decodes data over the defaults, picking the format from the
// extension of path.
func parseConfig(path string, data []byte) (*Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies STROKEBIND_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv(EnvConfigDir); v != "" {
		c.Paths.ConfigDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvSocket); v != "" {
		c.IPC.SocketPath = v
	}
}

// SetConfigDir points every relative path at dir.
func (c *Config) SetConfigDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Paths.ConfigDir = dir
}

// resolvePath anchors p at the config directory unless it is absolute.
func (c *Config) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.ConfigDir, p)
}

// ActionsPath returns the location of the actions file.
func (c *Config) ActionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvePath(c.Actions.File)
}

// HistoryPath returns the location of the history database.
func (c *Config) HistoryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvePath(c.History.Path)
}

// LogPath returns the location of the log file.
func (c *Config) LogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvePath(c.Logging.FilePath)
}

// AuditPath returns the location of the audit journal, or "" when disabled.
func (c *Config) AuditPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvePath(c.Logging.AuditFile)
}

// CrashDir returns the directory crash dumps are written to.
func (c *Config) CrashDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return filepath.Join(c.Paths.ConfigDir, "crashes")
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.ConfigDir, filepath.Dir(c.ActionsPath())}
	if c.History.Enabled {
		dirs = append(dirs, filepath.Dir(c.HistoryPath()))
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.LogPath()))
	}
	if c.IPC.Enabled && c.IPC.SocketPath != "" {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
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

// StrokebindDir returns the configuration directory, honouring
// STROKEBIND_CONFIG_DIR.
func StrokebindDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return PlatformConfigDir()
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version: c.Version,
		Paths:   c.Paths,
		Actions: c.Actions,
		Resolve: c.Resolve,
		History: c.History,
		Notify:  c.Notify,
		Logging: c.Logging,
		IPC:     c.IPC,
	}
}

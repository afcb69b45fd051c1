package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv(EnvConfigDir, "")
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Actions.SaveIntervalMs != 1000 {
		t.Errorf("expected save interval 1000, got %d", cfg.Actions.SaveIntervalMs)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if !strings.Contains(cfg.Paths.ConfigDir, "strokebind") {
		t.Errorf("config dir should contain strokebind: %s", cfg.Paths.ConfigDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv(EnvConfigDir, "/tmp/sb-test")
	path := ConfigPath()
	if path != filepath.Join("/tmp/sb-test", "config.toml") {
		t.Errorf("unexpected config path %s", path)
	}
}

func TestConfigPathFindsOtherFormats(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	yml := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yml, []byte("logging:\n  level: debug\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := ConfigPath(); got != yml {
		t.Errorf("ConfigPath() = %s, want %s", got, yml)
	}
}

func TestStrokebindDirXDG(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG layout is linux only")
	}
	t.Setenv(EnvConfigDir, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if dir := StrokebindDir(); dir != filepath.Join("/xdg", "strokebind") {
		t.Errorf("unexpected dir %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Resolve.Shell != "/bin/sh" {
		t.Errorf("expected default shell, got %s", cfg.Resolve.Shell)
	}
}

func TestLoadFormats(t *testing.T) {
	cases := map[string]string{
		"config.toml": `
version = 2
[actions]
save_interval_ms = 250
[logging]
level = "debug"
`,
		"config.json": `{"version": 2, "actions": {"save_interval_ms": 250}, "logging": {"level": "debug"}}`,
		"config.yaml": `
version: 2
actions:
  save_interval_ms: 250
logging:
  level: debug
`,
		// No extension: detected by trying each format.
		"config": `{"version": 2, "actions": {"save_interval_ms": 250}, "logging": {"level": "debug"}}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Actions.SaveIntervalMs != 250 {
				t.Errorf("expected save interval 250, got %d", cfg.Actions.SaveIntervalMs)
			}
			if cfg.Logging.Level != "debug" {
				t.Errorf("expected debug, got %s", cfg.Logging.Level)
			}
			// Unset fields keep their defaults.
			if cfg.Actions.File != "actions" {
				t.Errorf("expected default actions file, got %s", cfg.Actions.File)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("this is [not valid"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfigDir, "/env/dir")
	t.Setenv(EnvLogLevel, "ERROR")
	t.Setenv(EnvSocket, "/env/sock")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paths.ConfigDir != "/env/dir" {
		t.Errorf("config dir = %s", cfg.Paths.ConfigDir)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.IPC.SocketPath != "/env/sock" {
		t.Errorf("socket = %s", cfg.IPC.SocketPath)
	}
}

func TestResolvedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetConfigDir("/cfg")
	cfg.History.Path = "/var/lib/history.db"

	if got := cfg.ActionsPath(); got != "/cfg/actions" {
		t.Errorf("actions path = %s", got)
	}
	if got := cfg.HistoryPath(); got != "/var/lib/history.db" {
		t.Errorf("absolute history path should be kept, got %s", got)
	}
	if got := cfg.LogPath(); got != "/cfg/strokebind.log" {
		t.Errorf("log path = %s", got)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 9 }, "version"},
		{"config dir", func(c *Config) { c.Paths.ConfigDir = "" }, "paths.config_dir"},
		{"save interval", func(c *Config) { c.Actions.SaveIntervalMs = 1 }, "actions.save_interval_ms"},
		{"threshold", func(c *Config) { c.Resolve.MatchThreshold = 1.5 }, "resolve.match_threshold"},
		{"shell", func(c *Config) { c.Resolve.Shell = "" }, "resolve.shell"},
		{"keymap", func(c *Config) { c.Resolve.Keymap = "xkb" }, "resolve.keymap"},
		{"history path", func(c *Config) { c.History.Enabled = true; c.History.Path = "" }, "history.path"},
		{"notify", func(c *Config) { c.Notify.Backend = "email" }, "notify.backend"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log file", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"permissions", func(c *Config) { c.IPC.Permissions = "rw" }, "ipc.permissions"},
		{"connections", func(c *Config) { c.IPC.MaxConnections = 0 }, "ipc.max_connections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestIPCDisabledSkipsValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPC.Enabled = false
	cfg.IPC.SocketPath = ""
	cfg.IPC.MaxConnections = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SetConfigDir(filepath.Join(tmpDir, "cfg"))
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(tmpDir, "data", "history.db")
	cfg.IPC.SocketPath = filepath.Join(tmpDir, "run", "sb.sock")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{"cfg", "data", "run"} {
		info, err := os.Stat(filepath.Join(tmpDir, dir))
		if err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
			continue
		}
		if info.Mode().Perm() != 0700 {
			t.Errorf("directory %s has mode %o", dir, info.Mode().Perm())
		}
	}
}

func TestMigrateConfig(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	content := `
version = 1
[paths]
config_dir = "` + tmpDir + `"
[actions]
save_interval_ms = 20000
[notify]
backend = ""
[history]
path = ""
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Notify.Backend != "auto" {
		t.Errorf("expected notify backend to be filled in, got %q", cfg.Notify.Backend)
	}
	if l.Migrated == nil {
		t.Fatal("expected a migration result")
	}
	if l.Migrated.Backup == "" {
		t.Error("expected a backup to be written")
	}
	if len(l.Migrated.Warnings) == 0 {
		t.Error("expected a warning about the long save interval")
	}

	history, err := GetMigrationHistory(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].FromVersion != 1 {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestMigrateCurrentIsNoop(t *testing.T) {
	result, err := MigrateConfig(DefaultConfig(), "")
	if err != nil || result != nil {
		t.Errorf("expected no migration, got %v %v", result, err)
	}
}

func TestMigrateLegacyConfig(t *testing.T) {
	cfg, err := MigrateLegacyConfig(map[string]any{
		"config_dir": "/old/dir/",
		"verbosity":  float64(2),
		"shell":      "/bin/bash",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paths.ConfigDir != "/old/dir" {
		t.Errorf("config dir = %s", cfg.Paths.ConfigDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
	if cfg.Resolve.Shell != "/bin/bash" {
		t.Errorf("shell = %s", cfg.Resolve.Shell)
	}
	if cfg.Version != Version {
		t.Errorf("version = %d", cfg.Version)
	}
}

func TestVerbosityLevel(t *testing.T) {
	for n, want := range map[int]string{0: "warn", 1: "info", 2: "debug", 5: "debug"} {
		if got := VerbosityLevel(n); got != want {
			t.Errorf("VerbosityLevel(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config."+ext)
			cfg := DefaultConfig()
			cfg.Resolve.MatchThreshold = 0.8
			cfg.IPC.Enabled = false

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Resolve.MatchThreshold != 0.8 {
				t.Errorf("threshold = %g", loaded.Resolve.MatchThreshold)
			}
			if loaded.IPC.Enabled {
				t.Error("ipc should stay disabled")
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	again, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call should load the existing file")
	}
	if again.Actions.File != cfg.Actions.File {
		t.Errorf("actions file = %s", again.Actions.File)
	}
}

func TestLoaderWatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 1)
	l.OnChange(func(_, cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if got.Logging.Level != "debug" {
			t.Errorf("reloaded level = %s", got.Logging.Level)
		}
		if l.Config().Logging.Level != "debug" {
			t.Error("loader should hold the reloaded config")
		}
	case err := <-l.Errors():
		t.Fatalf("reload error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoaderIgnoresUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}
	calls := make(chan struct{}, 4)
	l.OnChange(func(_, _ *Config) { calls <- struct{}{} })
	if err := l.Watch(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-calls:
		t.Fatal("rewriting identical content should not reload")
	case err := <-l.Errors():
		t.Fatalf("reload error: %v", err)
	case <-time.After(5 * reloadSettle):
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if err := l.Watch(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-l.Errors():
		if !strings.Contains(err.Error(), "validate") {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for validation error")
	}
	if l.Config().Logging.Level != "warn" {
		t.Error("invalid reload should keep the previous config")
	}
}

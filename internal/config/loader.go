package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle is how long the file must stay quiet before a reload.
// Editors often write a file several times when saving it.
const reloadSettle = 100 * time.Millisecond

// Loader reads the daemon configuration and, once Watch is called, reloads
// it when the file changes.
type Loader struct {
	path string

	mu       sync.RWMutex
	config   *Config
	raw      []byte
	onChange []func(old, new *Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	errs    chan error

	// Migrated holds the result of the migration performed by Load, if any.
	Migrated *MigrationResult
}

// NewLoader returns a loader for path, or for ConfigPath when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path: path,
		done: make(chan struct{}),
		errs: make(chan error, 1),
	}
}

// Path returns the configuration file the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, migrates and validates the configuration file. A missing file
// yields the defaults.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, cfg, err := l.read()
	if err != nil {
		return nil, err
	}

	if cfg.Version < Version {
		result, err := MigrateConfig(cfg, l.path)
		if err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if result != nil {
			l.Migrated = result
			_ = SaveMigrationHistory(cfg, result)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.config = cfg
	l.raw = raw
	return cfg, nil
}

// read returns the file content and the parsed, env-overridden config.
func (l *Loader) read() ([]byte, *Config, error) {
	raw, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg := DefaultConfig()
		cfg.ApplyEnvOverrides()
		return nil, cfg, nil
	case err != nil:
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := parseConfig(l.path, raw)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyEnvOverrides()
	return raw, cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file. Valid edits replace the
// current configuration and are passed to the OnChange callbacks; invalid
// ones are reported on Errors and the old configuration stays.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched so editors that replace the file by rename
	// are still seen.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w

	go l.watchLoop(w)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher) {
	name := filepath.Base(l.path)
	settle := time.NewTimer(reloadSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				settle.Reset(reloadSettle)
			}
		case <-settle.C:
			l.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.sendError(err)
		}
	}
}

// reload re-reads the file and applies it when its content changed.
func (l *Loader) reload() {
	raw, cfg, err := l.read()
	if err != nil {
		l.sendError(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.RLock()
	same := l.raw != nil && bytes.Equal(raw, l.raw)
	l.mu.RUnlock()
	if same {
		return
	}

	if _, err := MigrateConfig(cfg, ""); err != nil {
		l.sendError(fmt.Errorf("migrate new config: %w", err))
		return
	}
	if err := cfg.Validate(); err != nil {
		l.sendError(fmt.Errorf("validate new config: %w", err))
		return
	}

	l.mu.Lock()
	old := l.config
	l.config = cfg
	l.raw = raw
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
}

func (l *Loader) sendError(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// OnChange registers a callback invoked after a successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors reports reload failures. New errors are dropped while one is unread.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// LoadOrCreate loads the configuration at path, writing the defaults there
// first if the file does not exist. The boolean reports whether it was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"strokebind/internal/action"
	"strokebind/internal/actiondb"
	"strokebind/internal/config"
	"strokebind/internal/history"
	"strokebind/internal/ipc"
	"strokebind/internal/logging"
	"strokebind/internal/metrics"
	"strokebind/internal/notify"
	"strokebind/internal/resolve"
	"strokebind/internal/store"
	"strokebind/internal/stroke"
	"strokebind/internal/watcher"
)

// crashRetention bounds how long crash dumps are kept.
const crashRetention = 30 * 24 * time.Hour

// daemon owns every long-lived component of strokebindd.
type daemon struct {
	cfg         *config.Config
	loader      *config.Loader
	levelPinned bool

	logger *logging.Logger
	audit  *logging.AuditLogger
	crash  *logging.CrashHandler

	db      *actiondb.DB
	keys    action.KeyResolver
	engine  *resolve.Engine
	saver   *watcher.Saver
	watcher *watcher.FileWatcher
	history *history.Store
	server  *ipc.Server

	closers []io.Closer
	wg      sync.WaitGroup
}

func newDaemon(ctx context.Context, loader *config.Loader, cfg *config.Config, levelPinned bool) (*daemon, error) {
	d := &daemon{cfg: cfg, loader: loader, levelPinned: levelPinned}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, err := logging.New(loggingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logging.SetDefault(logger)
	d.logger = logger
	d.closers = append(d.closers, logger)

	if m := loader.Migrated; m != nil {
		logger.Info("migrated configuration", "from", m.FromVersion, "to", m.ToVersion, "backup", m.Backup)
		for _, w := range m.Warnings {
			logger.Warn("configuration migration", "warning", w)
		}
	}

	d.crash = logging.NewCrashHandler(cfg.CrashDir(), version, logger.WithComponent("crash").Logger)
	if err := d.crash.CleanupOldReports(crashRetention); err != nil {
		logger.Debug("couldn't clean crash reports", "error", err)
	}

	if path := cfg.AuditPath(); path != "" {
		d.audit, err = logging.NewAuditLogger(path, int64(cfg.Logging.MaxSizeMB), cfg.Logging.MaxBackups)
		if err != nil {
			d.close()
			return nil, err
		}
		d.closers = append(d.closers, d.audit)
	}

	env := d.actionEnv(ctx)
	n := d.notifier()
	d.loadActions(n)

	cmp := stroke.NewDirectionComparator(cfg.Resolve.MatchThreshold)
	cmp.Samples = cfg.Resolve.Samples
	d.engine = resolve.New(cmp, env, logger.WithComponent("resolve").Logger)

	if cfg.History.Enabled {
		if err := d.openHistory(); err != nil {
			d.close()
			return nil, err
		}
	}

	interval := time.Duration(cfg.Actions.SaveIntervalMs) * time.Millisecond
	d.saver = watcher.NewSaver(d.db, cfg.ActionsPath(), interval, n, logger.WithComponent("saver").Logger)

	if cfg.Actions.WatchExternal {
		fw, err := watcher.NewFileWatcher(cfg.ActionsPath(), time.Second)
		if err != nil {
			logger.Warn("couldn't watch actions file", "error", err)
		} else {
			d.watcher = fw
			d.saver.AfterSave = fw.Acknowledge
		}
	}

	if cfg.IPC.Enabled {
		d.server = d.newServer()
	}
	return d, nil
}

// loggingConfig translates the [logging] section.
func loggingConfig(cfg *config.Config) *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		lc.Level = level
	}
	if format, err := logging.ParseFormat(cfg.Logging.Format); err == nil {
		lc.Format = format
	}
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.FilePath = cfg.LogPath()

	switch out := cfg.Logging.Output; out {
	case "", "stderr", "stdout", "file", "both":
		if out != "" {
			lc.Output = out
		}
	default:
		// Any other value names the log file.
		lc.Output = "file"
		lc.FilePath = out
		if !filepath.IsAbs(out) {
			lc.FilePath = filepath.Join(cfg.Paths.ConfigDir, out)
		}
	}
	return lc
}

// actionEnv builds the collaborators actions run with. Missing backends are
// logged and leave the matching action variants inert.
func (d *daemon) actionEnv(ctx context.Context) action.Env {
	logger := d.logger.WithComponent("action").Logger
	env := action.Env{
		Spawner:  &action.ExecSpawner{Shell: d.cfg.Resolve.Shell, Logger: logger},
		Injector: action.LogInjector{Logger: logger},
		Logger:   logger,
	}

	if d.cfg.Resolve.Keymap == "xmodmap" {
		km, err := action.LoadXmodmap(ctx)
		if err != nil {
			d.logger.Warn("keymap unavailable, send-key actions won't resolve", "error", err)
		} else {
			d.keys = km
			d.logger.Debug("loaded keymap", "keysyms", km.Len())
		}
	}

	if d.cfg.Resolve.WindowManager == "dbus" {
		wm, err := action.NewDBusWindowManager()
		if err != nil {
			d.logger.Warn("window manager signals disabled", "error", err)
		} else {
			env.WindowManager = wm
			d.closers = append(d.closers, wm)
		}
	}
	return env
}

// loadActions reads the actions file into a fresh database. A missing file
// starts an empty tree. An unreadable one also starts empty, but is renamed
// aside first so the next save can't overwrite it.
func (d *daemon) loadActions(n notify.Notifier) {
	d.db = actiondb.New()
	path := d.cfg.ActionsPath()

	root, err := store.Load(path, d.keys)
	switch {
	case errors.Is(err, store.ErrNotExist):
		d.logger.Info("no actions file yet, starting empty", "path", path)
		return
	case err != nil:
		aside := fmt.Sprintf("%s.unreadable-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			d.logger.Error("couldn't load actions, starting empty", "path", path, "error", err, "rename_error", rerr)
			aside = ""
		} else {
			d.logger.Error("couldn't load actions, starting empty", "path", path, "error", err, "moved_to", aside)
		}
		_ = n.Warn("strokebind: gestures not loaded", unreadableBody(path, aside, err))
		return
	}
	d.db.Replace(root)

	var scopes int
	_ = d.db.View(func(root *actiondb.Node) error {
		return root.Walk(func(*actiondb.Node) error {
			scopes++
			return nil
		})
	})
	d.logger.Info("loaded actions", "path", path, "scopes", scopes, "apps", len(d.db.Apps()))
}

func unreadableBody(path, aside string, err error) string {
	if aside == "" {
		return fmt.Sprintf("Couldn't read %s: %v. Starting with no gestures.", path, err)
	}
	return fmt.Sprintf("Couldn't read %s: %v. It was moved to %s and strokebind started with no gestures.", path, err, aside)
}

func (d *daemon) openHistory() error {
	h, err := history.Open(d.cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	d.history = h
	d.engine.Recorder = h
	d.closers = append(d.closers, h)

	if days := d.cfg.History.RetainDays; days > 0 {
		n, err := h.Prune(time.Now().AddDate(0, 0, -days))
		if err != nil {
			d.logger.Warn("couldn't prune history", "error", err)
		} else if n > 0 {
			d.logger.Info("pruned history", "outcomes", n)
		}
	}
	return nil
}

// notifier picks the warning backend. "auto" falls back to the log when the
// session bus is unreachable or rejects the call.
func (d *daemon) notifier() notify.Notifier {
	logNotifier := notify.Log{Logger: d.logger.WithComponent("notify").Logger}
	backend := d.cfg.Notify.Backend
	if backend == "log" {
		return logNotifier
	}

	bus, err := notify.NewDBus()
	if err != nil {
		if backend == "dbus" {
			d.logger.Warn("desktop notifications unavailable", "error", err)
		}
		return logNotifier
	}
	d.closers = append(d.closers, bus)
	if backend == "dbus" {
		return bus
	}
	return notify.Fallback{bus, logNotifier}
}

func (d *daemon) newServer() *ipc.Server {
	scfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
	if perm, err := strconv.ParseUint(d.cfg.IPC.Permissions, 8, 32); err == nil && perm != 0 {
		scfg.Permissions = os.FileMode(perm)
	}
	scfg.MaxConnections = d.cfg.IPC.MaxConnections
	scfg.IdleTimeout = time.Duration(d.cfg.IPC.TimeoutSec) * time.Second

	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		DB:      d.db,
		Engine:  d.engine,
		Saver:   d.saver,
		History: d.historySource(),
		Keys:    d.keys,
		Audit:   d.audit,
		Metrics: metrics.NewDaemon(),
		Logger:  d.logger,
		Version: version,
	})
	srv := ipc.NewServer(scfg, handler, d.logger, d.audit, d.crash)
	handler.Clients = srv.ClientCount
	return srv
}

// historySource keeps a disabled history a nil interface.
func (d *daemon) historySource() ipc.HistorySource {
	if d.history == nil {
		return nil
	}
	return d.history
}

// run starts the background components and blocks until ctx is done.
func (d *daemon) run(ctx context.Context) error {
	d.loader.OnChange(d.configChanged)
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config hot reload disabled", "error", err)
	} else {
		d.goSafe("config", func() { d.reloadErrors(ctx) })
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.logger.Warn("couldn't watch actions file", "error", err)
			d.watcher = nil
		} else {
			d.goSafe("watcher", d.watchExternal)
		}
	}

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return err
		}
	}

	_ = d.audit.LogStartup(ctx, version, map[string]any{
		"actions": d.saver.Path(),
		"history": d.history != nil,
		"ipc":     d.server != nil,
	})
	d.logger.Info("strokebindd started", "version", version, "pid", os.Getpid())

	saveErr := make(chan error, 1)
	d.goSafe("saver", func() { saveErr <- d.saver.Run(ctx) })

	<-ctx.Done()
	d.logger.Info("shutting down")

	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Warn("couldn't stop control socket", "error", err)
		}
	}

	// Run flushes pending edits once ctx is done.
	var err error
	select {
	case err = <-saveErr:
	case <-time.After(10 * time.Second):
		err = errors.New("timed out flushing actions")
	}
	_ = d.audit.LogShutdown(context.Background(), "signal")
	return err
}

// goSafe runs fn on a goroutine that records panics in a crash dump.
func (d *daemon) goSafe(op string, fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.crash.RecoverGoroutine(op)
		fn()
	}()
}

// watchExternal logs edits made to the actions file by other programs. The
// tree is not reloaded; the next save replaces the file.
func (d *daemon) watchExternal() {
	for {
		select {
		case ch, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			d.logger.Warn("actions file changed on disk, the daemon's copy wins on next save",
				"path", ch.Path, "size", ch.Size)
		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("actions watcher", "error", err)
		}
	}
}

// reloadErrors logs configuration edits that were rejected. The previous
// configuration stays in effect.
func (d *daemon) reloadErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-d.loader.Errors():
			d.logger.Warn("ignoring config change", "path", d.loader.Path(), "error", err)
		}
	}
}

func (d *daemon) configChanged(old, cfg *config.Config) {
	if !d.levelPinned && old.Logging.Level != cfg.Logging.Level {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err == nil {
			d.logger.SetLevel(level)
			d.logger.Info("log level changed", "level", cfg.Logging.Level)
		}
	}
	if old.ActionsPath() != cfg.ActionsPath() || old.IPC.SocketPath != cfg.IPC.SocketPath {
		d.logger.Warn("path changes take effect after a restart")
	}
}

// close releases every component in reverse order of creation.
func (d *daemon) close() {
	if d.loader != nil {
		d.loader.Close()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.wg.Wait()
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && d.logger != nil {
			d.logger.Debug("close", "error", err)
		}
	}
}

package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"strokebind/internal/actiondb"
	"strokebind/internal/notify"
	"strokebind/internal/store"
)

// DefaultSaveInterval is the tick at which pending edits are written.
const DefaultSaveInterval = time.Second

// SaveFailedTitle heads the warning shown when the actions file cannot be
// written.
const SaveFailedTitle = "Couldn't save actions"

// Saver writes the tree to the actions file whenever it has been edited. It
// checks the dirty flag once per tick, so a burst of edits costs one write.
type Saver struct {
	db       *actiondb.DB
	path     string
	interval time.Duration
	notifier notify.Notifier
	logger   *slog.Logger

	// Write stores the encoded tree. It defaults to store.WriteFile.
	Write func(path string, data []byte) error
	// AfterSave runs after each successful write.
	AfterSave func()

	mu      sync.Mutex // serializes writes
	healthy atomic.Bool
	saves   atomic.Uint64
}

// NewSaver returns a saver for db writing to path. A zero interval selects
// DefaultSaveInterval; a nil notifier logs warnings instead.
func NewSaver(db *actiondb.DB, path string, interval time.Duration, n notify.Notifier, logger *slog.Logger) *Saver {
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Log{Logger: logger}
	}
	s := &Saver{
		db:       db,
		path:     path,
		interval: interval,
		notifier: n,
		logger:   logger,
		Write:    store.WriteFile,
	}
	s.healthy.Store(true)
	return s
}

// Healthy reports whether the last save succeeded. It starts out true.
func (s *Saver) Healthy() bool {
	return s.healthy.Load()
}

// Saves returns the number of successful saves.
func (s *Saver) Saves() uint64 {
	return s.saves.Load()
}

// Path returns the actions file location.
func (s *Saver) Path() string {
	return s.path
}

// Run saves pending edits on every tick until ctx is done, then flushes.
func (s *Saver) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Flush()
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick performs at most one save.
func (s *Saver) tick() {
	if s.db.TakeDirty() {
		_ = s.save()
	}
}

// Flush saves immediately if there are pending edits.
func (s *Saver) Flush() error {
	if !s.db.TakeDirty() {
		return nil
	}
	return s.save()
}

// SaveNow saves regardless of the dirty flag.
func (s *Saver) SaveNow() error {
	s.db.TakeDirty()
	return s.save()
}

func (s *Saver) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.View(func(root *actiondb.Node) error {
		var err error
		data, err = store.Encode(root)
		return err
	})
	if err == nil {
		err = s.Write(s.path, data)
	}
	if err != nil {
		// Keep the edits pending so the next tick tries again.
		s.db.MarkDirty()
		s.fail(err)
		return err
	}

	s.saves.Add(1)
	if !s.healthy.Swap(true) {
		s.logger.Info("actions saved again", "path", s.path)
	} else {
		s.logger.Debug("saved actions", "path", s.path)
	}
	if s.AfterSave != nil {
		s.AfterSave()
	}
	return nil
}

// fail logs err and warns the user once per run of consecutive failures.
func (s *Saver) fail(err error) {
	s.logger.Error("couldn't save action database", "path", s.path, "error", err)
	if !s.healthy.Swap(false) {
		return
	}
	if werr := s.notifier.Warn(SaveFailedTitle, saveFailedBody(filepath.Dir(s.path))); werr != nil {
		s.logger.Warn("couldn't show save warning", "error", werr)
	}
}

func saveFailedBody(dir string) string {
	return fmt.Sprintf("Your changes will be lost.\n"+
		"Make sure that %s is a directory and that you have write access to it.\n"+
		"You can change the configuration directory using the -config-dir command line option.", dir)
}

// Package watcher keeps the actions file in step with the in-memory tree: the
// Saver writes pending edits on a fixed tick and the FileWatcher reports edits
// made to the file by anyone else.
package watcher

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

// Change reports an external modification of the watched file.
type Change struct {
	Path      string
	Hash      [32]byte
	Size      int64
	Timestamp time.Time
}

// FileWatcher reports modifications of a single file once they have settled.
// Writes made by this process are acknowledged with Acknowledge and are not
// reported.
type FileWatcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	settle    time.Duration

	mu      sync.Mutex
	pending time.Time // zero when nothing is pending
	own     [32]byte
	hasOwn  bool

	changes chan Change
	errors  chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFileWatcher creates a watcher for path. A change is reported once the
// file has been quiet for settle.
func NewFileWatcher(path string, settle time.Duration) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = time.Second
	}
	return &FileWatcher{
		fsWatcher: fsWatcher,
		path:      abs,
		settle:    settle,
		changes:   make(chan Change, 16),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Changes returns the channel of external changes.
func (w *FileWatcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns the channel of watch errors.
func (w *FileWatcher) Errors() <-chan error {
	return w.errors
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string {
	return w.path
}

// Start begins watching. The file itself need not exist yet, its directory
// must. The directory is watched so that atomic replacement is seen.
func (w *FileWatcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.Acknowledge()

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *FileWatcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.changes)
	close(w.errors)
	return w.fsWatcher.Close()
}

// Acknowledge records the current content of the file as written by this
// process.
func (w *FileWatcher) Acknowledge() {
	hash, _, err := HashFile(w.path)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.own, w.hasOwn = hash, err == nil
}

func (w *FileWatcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *FileWatcher) debounceLoop() {
	defer w.wg.Done()

	interval := w.settle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.checkSettled(now)
		}
	}
}

// checkSettled hashes the file once it has been quiet for the settle period
// and reports it unless the content is what this process last wrote.
func (w *FileWatcher) checkSettled(now time.Time) {
	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()
	if pending.IsZero() || now.Sub(pending) < w.settle {
		return
	}

	hash, size, err := HashFile(w.path)
	if err != nil && !os.IsNotExist(err) {
		w.sendError(err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.pending.Equal(pending) {
		// modified while hashing
		return
	}
	w.pending = time.Time{}
	if err == nil && w.hasOwn && hash == w.own {
		return
	}

	select {
	case w.changes <- Change{Path: w.path, Hash: hash, Size: size, Timestamp: now}:
	default:
	}
}

func (w *FileWatcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// HashFile computes the BLAKE2b-256 hash of a file.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h, _ := blake2b.New256(nil)
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}

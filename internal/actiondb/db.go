package actiondb

import (
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
)

// DB owns a binding tree and tracks whether it has unsaved changes. A single
// lock is held across each full mutation (Update) or read-merge (View).
type DB struct {
	mu   sync.RWMutex
	root *Node

	// apps maps an exact window class to its scope; globs holds scopes whose
	// App is a pattern, in tree order.
	apps  map[string]*Node
	globs []*Node

	dirty   atomic.Bool
	changes chan struct{}
}

// New returns a database holding an empty root scope.
func New() *DB {
	db := &DB{changes: make(chan struct{}, 1)}
	db.Replace(NewRoot())
	return db
}

// Replace installs root as the tree, e.g. after loading from disk. The root
// is renamed to DefaultName. Replacing does not mark the database dirty.
func (db *DB) Replace(root *Node) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.root != nil {
		db.root.db = nil
	}
	root.parent = nil
	root.Name = DefaultName
	root.db = db
	db.root = root
	db.rebuildApps()
}

// View calls fn with the root under the shared lock. fn must not mutate.
func (db *DB) View(fn func(root *Node) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return fn(db.root)
}

// Update calls fn with the root under the exclusive lock. Mutations made by
// fn mark the database dirty; the application index is rebuilt afterwards.
func (db *DB) Update(fn func(root *Node) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	err := fn(db.root)
	db.rebuildApps()
	return err
}

// ForApp returns the scope for a window class: an exact App match first,
// then the first App pattern that matches, else the root. It must be called
// from within View or Update.
func (db *DB) ForApp(class string) *Node {
	if class != "" {
		if n, ok := db.apps[class]; ok {
			return n
		}
		for _, n := range db.globs {
			if ok, _ := doublestar.Match(n.App, class); ok {
				return n
			}
		}
	}
	return db.root
}

// Scope returns the scope with the given name, the root for "" or
// DefaultName. It must be called from within View or Update.
func (db *DB) Scope(name string) *Node {
	if name == "" || name == DefaultName {
		return db.root
	}
	return db.root.Find(name)
}

// Apps returns the window classes and patterns with a dedicated scope.
func (db *DB) Apps() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []string
	_ = db.root.Walk(func(n *Node) error {
		if n.App != "" {
			out = append(out, n.App)
		}
		return nil
	})
	return out
}

// rebuildApps recomputes the application index from the App fields.
func (db *DB) rebuildApps() {
	db.apps = make(map[string]*Node)
	db.globs = db.globs[:0]
	_ = db.root.Walk(func(n *Node) error {
		if n.App == "" {
			return nil
		}
		if _, dup := db.apps[n.App]; !dup {
			db.apps[n.App] = n
		}
		if isPattern(n.App) {
			db.globs = append(db.globs, n)
		}
		return nil
	})
}

func isPattern(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// MarkDirty records an unsaved change and notifies Changes listeners.
func (db *DB) MarkDirty() {
	db.dirty.Store(true)
	select {
	case db.changes <- struct{}{}:
	default:
	}
}

// Dirty reports whether there are unsaved changes.
func (db *DB) Dirty() bool {
	return db.dirty.Load()
}

// TakeDirty clears the dirty flag and reports whether it was set.
func (db *DB) TakeDirty() bool {
	return db.dirty.CompareAndSwap(true, false)
}

// Changes delivers a coalesced notification after each change.
func (db *DB) Changes() <-chan struct{} {
	return db.changes
}

// Package store persists the binding tree to the actions file and reads the
// older flat layouts written by previous releases.
//
// The current layout (version 2) is the serialized root scope. Versions 1 and
// 0 carried a single flat map of bindings, keyed by an integer id and by
// binding name respectively. Loading any version yields a fresh root; saving
// always writes version 2.
package store

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"strokebind/internal/action"
	"strokebind/internal/actiondb"
)

// CurrentVersion is the layout written by Save.
const CurrentVersion = 2

// FileName is the name of the actions file inside the config directory.
const FileName = "actions"

var (
	// ErrUnsupportedVersion is returned for files written by a newer release.
	ErrUnsupportedVersion = errors.New("store: unsupported actions file version")
	// ErrNotExist is returned when there is no actions file yet.
	ErrNotExist = errors.New("store: actions file does not exist")
	// ErrInvalid is returned when the document does not match the schema.
	ErrInvalid = errors.New("store: invalid actions file")
)

// PathError records the operation and file that failed.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

//go:embed actions.schema.json
var schemaData []byte

const schemaURL = "actions.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func actionsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaData)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// header is decoded first to pick the layout.
type header struct {
	Version *int `json:"version"`
}

type v2File struct {
	Version int            `json:"version"`
	Root    *actiondb.Node `json:"root"`
}

type legacyFile struct {
	Strokes map[string]*actiondb.Binding `json:"strokes"`
}

// decoder turns one layout into a fresh root.
type decoder func(data []byte) (*actiondb.Node, error)

// formats lists every layout Load understands, keyed by version tag.
var formats = map[int]decoder{
	0: decodeV0,
	1: decodeV1,
	2: decodeV2,
}

// Decode parses an actions document of any supported version and returns the
// root scope together with the version it was written in. Key codes are not
// resolved.
func Decode(data []byte) (*actiondb.Node, int, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	version := 0
	if h.Version != nil {
		version = *h.Version
	}
	dec, ok := formats[version]
	if !ok {
		return nil, version, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	if err := validate(data); err != nil {
		return nil, version, err
	}

	root, err := dec(data)
	if err != nil {
		return nil, version, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	root.Name = actiondb.DefaultName
	root.App = ""
	return root, version, nil
}

func validate(data []byte) error {
	sch, err := actionsSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func decodeV2(data []byte) (*actiondb.Node, error) {
	var f v2File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Root == nil {
		return nil, errors.New("missing root scope")
	}
	return f.Root, nil
}

func decodeV1(data []byte) (*actiondb.Node, error) {
	var f legacyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	type entry struct {
		id int
		b  *actiondb.Binding
	}
	entries := make([]entry, 0, len(f.Strokes))
	for k, b := range f.Strokes {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("binding key %q is not an integer", k)
		}
		entries = append(entries, entry{id: id, b: b})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	root := actiondb.NewRoot()
	for _, e := range entries {
		root.Add(orEmpty(e.b))
	}
	return root, nil
}

func decodeV0(data []byte) (*actiondb.Node, error) {
	var f legacyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Strokes))
	for name := range f.Strokes {
		names = append(names, name)
	}
	sort.Strings(names)

	root := actiondb.NewRoot()
	for _, name := range names {
		b := orEmpty(f.Strokes[name])
		b.Name = name
		root.Add(b)
	}
	return root, nil
}

func orEmpty(b *actiondb.Binding) *actiondb.Binding {
	if b == nil {
		return &actiondb.Binding{}
	}
	return b
}

// Load reads the actions file at path. Send-key codes are recomputed with r
// when it is non-nil; keysyms r cannot map are logged and left unresolved.
// On error the caller keeps whatever tree it had.
func Load(path string, r action.KeyResolver) (*actiondb.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &PathError{Op: "load", Path: path, Err: ErrNotExist}
		}
		return nil, &PathError{Op: "load", Path: path, Err: err}
	}

	root, version, err := Decode(data)
	if err != nil {
		return nil, &PathError{Op: "load", Path: path, Err: err}
	}

	if r != nil {
		for _, kerr := range root.RefreshKeys(r) {
			slog.Warn("unresolved key binding", "path", path, "error", kerr)
		}
	}
	slog.Debug("loaded actions", "path", path, "version", version)
	return root, nil
}

// Encode serializes root in the current layout.
func Encode(root *actiondb.Node) ([]byte, error) {
	return json.MarshalIndent(v2File{Version: CurrentVersion, Root: root}, "", "  ")
}

// Save writes root to path in the current layout.
func Save(path string, root *actiondb.Node) error {
	data, err := Encode(root)
	if err != nil {
		return &PathError{Op: "save", Path: path, Err: err}
	}
	return WriteFile(path, data)
}

// WriteFile replaces path with data atomically; a failed write leaves the
// previous file intact.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &PathError{Op: "save", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &PathError{Op: "save", Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return &PathError{Op: "save", Path: path, Err: err}
	}

	if err := tmp.Chmod(0600); err != nil {
		return cleanup(err)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &PathError{Op: "save", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &PathError{Op: "save", Path: path, Err: err}
	}
	return nil
}

// Migrate rewrites the actions file at src in the current layout at dst and
// returns the version src was written in.
func Migrate(src, dst string) (int, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return 0, &PathError{Op: "migrate", Path: src, Err: err}
	}
	root, version, err := Decode(data)
	if err != nil {
		return version, &PathError{Op: "migrate", Path: src, Err: err}
	}
	if err := Save(dst, root); err != nil {
		return version, err
	}
	return version, nil
}

// Path returns the actions file location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

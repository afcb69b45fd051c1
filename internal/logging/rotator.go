package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// FileRotator is an io.Writer that rotates its file once it exceeds the
// configured size. Rotated files are kept as path.1 (newest) to path.N.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileRotator opens (or creates) cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10
	}
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   maxSize * 1024 * 1024,
		maxBackups: cfg.MaxBackups,
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	// A single oversized record still goes to a fresh file.
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) backupName(i int) string {
	return r.path + "." + strconv.Itoa(i)
}

// rotate shifts path.i to path.i+1, drops whatever falls past maxBackups and
// reopens an empty file.
func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	if r.maxBackups <= 0 {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove log file: %w", err)
		}
		return r.openFile()
	}

	_ = os.Remove(r.backupName(r.maxBackups))
	for i := r.maxBackups - 1; i >= 1; i-- {
		if err := os.Rename(r.backupName(i), r.backupName(i+1)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shift log backup: %w", err)
		}
	}
	if err := os.Rename(r.path, r.backupName(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	return r.openFile()
}

// Close closes the rotator and its underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes any buffered data to the file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// Files returns the current log file followed by the backups that exist,
// newest first.
func (r *FileRotator) Files() []string {
	files := []string{r.path}
	for i := 1; i <= r.maxBackups; i++ {
		if _, err := os.Stat(r.backupName(i)); err == nil {
			files = append(files, r.backupName(i))
		}
	}
	return files
}

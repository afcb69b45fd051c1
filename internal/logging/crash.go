package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// ErrPanicked is returned by Guard when the guarded function panicked.
var ErrPanicked = errors.New("recovered from panic")

// CrashReport describes one recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version,omitempty"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	Op           string         `json:"op,omitempty"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler turns panics in daemon goroutines into crash dumps and log
// lines. A nil *CrashHandler still recovers but writes nothing.
type CrashHandler struct {
	mu      sync.Mutex
	dir     string
	version string
	logger  *slog.Logger
	seq     int
}

// NewCrashHandler writes dumps under dir.
func NewCrashHandler(dir, version string, logger *slog.Logger) *CrashHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrashHandler{dir: dir, version: version, logger: logger}
}

// Dir returns the crash dump directory.
func (h *CrashHandler) Dir() string {
	return h.dir
}

// Guard runs fn and converts a panic into an error wrapping ErrPanicked.
func (h *CrashHandler) Guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(op, r, nil)
			err = fmt.Errorf("%s: %w: %v", op, ErrPanicked, r)
		}
	}()
	return fn()
}

// RecoverGoroutine is deferred at the top of long-lived goroutines:
//
//	go func() { defer crash.RecoverGoroutine("saver"); ... }()
func (h *CrashHandler) RecoverGoroutine(op string) {
	if r := recover(); r != nil {
		h.HandlePanic(op, r, map[string]any{"type": "goroutine"})
	}
}

// HandlePanic records a recovered panic value.
func (h *CrashHandler) HandlePanic(op string, panicValue any, contextInfo map[string]any) {
	if h == nil {
		slog.Error("recovered from panic", "op", op, "panic", panicValue)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Op:           op,
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Context:      contextInfo,
	}

	path, err := h.writeCrashDump(report)
	if err != nil {
		h.logger.Error("recovered from panic", "op", op, "panic", report.PanicValue, "dump_error", err)
		return
	}
	h.logger.Error("recovered from panic", "op", op, "panic", report.PanicValue, "dump", path)
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0700); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}
	h.seq++
	name := fmt.Sprintf("crash-%s-%d.json", report.Timestamp.Format("20060102-150405"), h.seq)
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns the crash reports found in the dump directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// CleanupOldReports removes crash reports older than maxAge.
func (h *CrashHandler) CleanupOldReports(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}

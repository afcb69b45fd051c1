// Package logging provides structured logging with slog for strokebind.
//
// Features:
//   - JSON and text output formats
//   - Log levels (debug, info, warn, error), adjustable at runtime
//   - Contextual logging with request IDs
//   - Sensitive data redaction
//   - Log rotation support
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// ParseFormat maps "text" or "json" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or JSON).
	Format Format

	// Output specifies where logs are written.
	// Can be "stdout", "stderr", "file", or "both".
	Output string

	// FilePath is the path to the log file when Output includes "file".
	FilePath string

	// MaxSize is the maximum size of a log file in megabytes before rotation.
	MaxSize int64

	// MaxBackups is the maximum number of rotated log files to keep.
	MaxBackups int

	// AddSource adds source file and line to log entries.
	AddSource bool

	// Redact lists attribute key fragments whose values are masked.
	Redact []string

	// Component is the name of the component using this logger.
	Component string

	// Writer overrides Output when set. Used by tests.
	Writer io.Writer
}

// DefaultRedact masks values that shell commands tend to carry.
var DefaultRedact = []string{"password", "secret", "credential", "passphrase"}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelWarn,
		Format:     FormatText,
		Output:     "stderr",
		MaxSize:    10,
		MaxBackups: 3,
		Redact:     DefaultRedact,
		Component:  "strokebind",
	}
}

// Logger wraps slog.Logger with additional functionality.
type Logger struct {
	*slog.Logger
	config    *Config
	level     *slog.LevelVar
	rotator   *FileRotator
	mu        sync.Mutex
	requestID *atomic.Uint64
}

var (
	defaultLogger *Logger
	loggerOnce    sync.Once
	defaultMu     sync.RWMutex
)

// Default returns the default global logger.
func Default() *Logger {
	loggerOnce.Do(func() {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{
				Logger:    slog.Default(),
				config:    DefaultConfig(),
				level:     new(slog.LevelVar),
				requestID: new(atomic.Uint64),
			}
		}
		defaultMu.Lock()
		if defaultLogger == nil {
			defaultLogger = l
		}
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default global logger, and slog's.
func SetDefault(l *Logger) {
	loggerOnce.Do(func() {})
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New creates a new Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		config:    cfg,
		level:     new(slog.LevelVar),
		requestID: new(atomic.Uint64),
	}
	l.level.Set(cfg.Level)

	w, err := l.setupWriter()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	redact := cfg.Redact
	opts := &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key, redact) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("component", cfg.Component),
		})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) setupWriter() (io.Writer, error) {
	if l.config.Writer != nil {
		return l.config.Writer, nil
	}
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// shouldRedact reports whether an attribute key names sensitive data.
func shouldRedact(key string, patterns []string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range patterns {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

func (l *Logger) derive(s *slog.Logger) *Logger {
	return &Logger{
		Logger:    s,
		config:    l.config,
		level:     l.level,
		rotator:   l.rotator,
		requestID: l.requestID,
	}
}

// WithRequestID returns a new logger with a request ID.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("request_id", id)))
}

// NewRequestID generates a new unique request ID.
func (l *Logger) NewRequestID() string {
	id := l.requestID.Add(1)
	return fmt.Sprintf("%s-%d-%d", l.config.Component, time.Now().UnixNano(), id)
}

// WithComponent returns a new logger with a different component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithContext returns a logger with context-derived attributes.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		return l.WithRequestID(reqID)
	}
	return l
}

// Close closes any open log files.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

type contextKey int

const (
	requestIDKey contextKey = iota
)

// ContextWithRequestID returns a new context with the request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

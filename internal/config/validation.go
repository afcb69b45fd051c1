package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig checks every section and returns ValidationErrors, or nil.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	if c.Paths.ConfigDir == "" {
		errs = append(errs, ValidationError{Field: "paths.config_dir", Message: "config directory is required"})
	}

	errs = append(errs, validateActions(&c.Actions)...)
	errs = append(errs, validateResolve(&c.Resolve)...)
	errs = append(errs, validateHistory(&c.History)...)
	errs = append(errs, validateNotify(&c.Notify)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateIPC(&c.IPC)...)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateActions(a *ActionsConfig) ValidationErrors {
	var errs ValidationErrors
	if a.File == "" {
		errs = append(errs, ValidationError{Field: "actions.file", Message: "actions file is required"})
	}
	if a.SaveIntervalMs < 10 || a.SaveIntervalMs > 60000 {
		errs = append(errs, *RangeError("actions.save_interval_ms", 10, 60000))
	}
	return errs
}

func validateResolve(r *ResolveConfig) ValidationErrors {
	var errs ValidationErrors
	if r.MatchThreshold <= 0 || r.MatchThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "resolve.match_threshold",
			Message: fmt.Sprintf("threshold %g must be in (0, 1]", r.MatchThreshold),
		})
	}
	if r.Samples < 2 || r.Samples > 1024 {
		errs = append(errs, *RangeError("resolve.samples", 2, 1024))
	}
	if r.Shell == "" {
		errs = append(errs, *RequiredFieldError("resolve.shell"))
	}
	switch r.Keymap {
	case "xmodmap", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "resolve.keymap",
			Message: fmt.Sprintf("invalid keymap: %s (valid: xmodmap, none)", r.Keymap),
		})
	}
	switch r.WindowManager {
	case "dbus", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "resolve.window_manager",
			Message: fmt.Sprintf("invalid window manager: %s (valid: dbus, none)", r.WindowManager),
		})
	}
	return errs
}

func validateHistory(h *HistoryConfig) ValidationErrors {
	var errs ValidationErrors
	if h.Enabled && h.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "history.path",
			Message: "path is required when history is enabled",
		})
	}
	if h.RetainDays < 0 {
		errs = append(errs, ValidationError{Field: "history.retain_days", Message: "retention cannot be negative"})
	}
	return errs
}

func validateNotify(n *NotifyConfig) ValidationErrors {
	switch n.Backend {
	case "auto", "dbus", "log":
		return nil
	}
	return ValidationErrors{{
		Field:   "notify.backend",
		Message: fmt.Sprintf("invalid backend: %s (valid: auto, dbus, log)", n.Backend),
	}}
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file":
		if l.Output == "file" && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	case "":
		errs = append(errs, ValidationError{Field: "logging.output", Message: "log output is required"})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

var permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}
	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}
	if i.Permissions != "" && !permissionsPattern.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}
	return errs
}

// RequiredFieldError reports a missing field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "field is required"}
}

// RangeError reports a value outside [min, max].
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AuditEventType names an edit or control event.
type AuditEventType string

// Audit event types.
const (
	AuditEventAdd         AuditEventType = "add"
	AuditEventDelete      AuditEventType = "delete"
	AuditEventReset       AuditEventType = "reset"
	AuditEventRename      AuditEventType = "rename"
	AuditEventOverride    AuditEventType = "override"
	AuditEventAddStroke   AuditEventType = "add_stroke"
	AuditEventAddScope    AuditEventType = "add_scope"
	AuditEventRemoveScope AuditEventType = "remove_scope"
	AuditEventEditScope   AuditEventType = "edit_scope"
	AuditEventSave        AuditEventType = "save"
	AuditEventDenied      AuditEventType = "denied"
	AuditEventStartup     AuditEventType = "startup"
	AuditEventShutdown    AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit journal.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Scope     string         `json:"scope,omitempty"`
	Token     string         `json:"token,omitempty"`
	Name      string         `json:"name,omitempty"`
	PeerUID   *uint32        `json:"peer_uid,omitempty"`
	PeerPID   int32          `json:"peer_pid,omitempty"`
	Result    string         `json:"result"` // "success", "failure", "denied"
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLogger appends edits made through the control socket to a JSON lines
// file. A nil *AuditLogger discards everything.
type AuditLogger struct {
	rotator *FileRotator
	mu      sync.Mutex
	now     func() time.Time
}

// NewAuditLogger opens the journal at path, rotating it like the main log.
func NewAuditLogger(path string, maxSizeMB int64, maxBackups int) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return &AuditLogger{rotator: rotator, now: time.Now}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Result == "" {
		event.Result = "success"
		if event.Error != "" {
			event.Result = "failure"
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogEdit records a binding edit. err may be nil.
func (a *AuditLogger) LogEdit(ctx context.Context, kind AuditEventType, scope, token, name string, err error) error {
	ev := AuditEvent{EventType: kind, Scope: scope, Token: token, Name: name}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogDenied records a connection refused because of its peer credentials.
func (a *AuditLogger) LogDenied(ctx context.Context, uid uint32, pid int32) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDenied,
		PeerUID:   &uid,
		PeerPID:   pid,
		Result:    "denied",
	})
}

// LogStartup records daemon startup.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{EventType: AuditEventStartup, Details: details})
}

// LogShutdown records daemon shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the journal file.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes the journal file.
func (a *AuditLogger) Sync() error {
	if a == nil {
		return nil
	}
	return a.rotator.Sync()
}

// Package notify delivers user-visible warnings from the daemon.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Notifier shows a warning to the user.
type Notifier interface {
	Warn(title, body string) error
}

const (
	notificationsDest = "org.freedesktop.Notifications"
	notificationsPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod      = notificationsDest + ".Notify"

	// AppName is reported to the notification server.
	AppName = "strokebind"
)

// urgency hint values defined by freedesktop notifications
const urgencyCritical = byte(2)

// DBus sends desktop notifications over the session bus.
type DBus struct {
	mu   sync.Mutex
	conn *dbus.Conn
	// Timeout is the expiry hint in milliseconds; -1 leaves it to the server.
	Timeout int32
}

// NewDBus connects to the session bus.
func NewDBus() (*DBus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DBus{conn: conn, Timeout: -1}, nil
}

// Warn implements Notifier.
func (d *DBus) Warn(title, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return errors.New("notify: connection closed")
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgencyCritical),
	}
	obj := d.conn.Object(notificationsDest, notificationsPath)
	call := obj.Call(notifyMethod, 0,
		AppName, uint32(0), "dialog-error", title, body, []string{}, hints, d.Timeout)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	return nil
}

// Close releases the bus connection.
func (d *DBus) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Log writes warnings to a logger.
type Log struct {
	Logger *slog.Logger
}

// Warn implements Notifier.
func (l Log) Warn(title, body string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(title, "detail", body)
	return nil
}

// Fallback tries each notifier in order until one succeeds.
type Fallback []Notifier

// Warn implements Notifier. It returns the joined errors if every notifier
// failed.
func (f Fallback) Warn(title, body string) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		err := n.Warn(title, body)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

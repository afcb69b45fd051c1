package action

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// D-Bus names used to signal window-manager requests.
const (
	DBusPath      = dbus.ObjectPath("/org/strokebind/Daemon")
	DBusInterface = "org.strokebind.Daemon"
	DBusMiscEvent = DBusInterface + ".Misc"
)

// DBusWindowManager forwards Misc requests as a session-bus signal that the
// window-manager helper listens for.
type DBusWindowManager struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDBusWindowManager connects to the session bus.
func NewDBusWindowManager() (*DBusWindowManager, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &DBusWindowManager{conn: conn}, nil
}

// Signal implements WindowManager.
func (w *DBusWindowManager) Signal(t MiscType) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return errors.New("dbus: connection closed")
	}
	return w.conn.Emit(DBusPath, DBusMiscEvent, uint8(t), t.String())
}

// Close releases the bus connection.
func (w *DBusWindowManager) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}

// LogInjector records injection requests without touching the display. It is
// used when no injection backend is attached.
type LogInjector struct {
	Logger *slog.Logger
}

// Inject implements Injector.
func (l LogInjector) Inject(ev ModEvent) error {
	l.log().Info("inject", "kind", ev.Kind.String(), "mods", ev.Mods.String(),
		"key", uint32(ev.Key), "code", ev.Code, "button", ev.Button)
	return nil
}

// ReleaseButton implements Injector.
func (l LogInjector) ReleaseButton(button uint) error {
	l.log().Info("release button", "button", button)
	return nil
}

func (l LogInjector) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// ErrNoKeycode is returned when a key symbol has no code in the current keymap.
var ErrNoKeycode = errors.New("no keycode for keysym")

// Keymap resolves key symbols from a table of the current session's keymap.
type Keymap struct {
	codes map[Keysym]uint32
}

// NewKeymap returns a keymap backed by codes.
func NewKeymap(codes map[Keysym]uint32) *Keymap {
	return &Keymap{codes: codes}
}

// KeysymToKeycode implements KeyResolver.
func (k *Keymap) KeysymToKeycode(sym Keysym) (uint32, error) {
	if code, ok := k.codes[sym]; ok {
		return code, nil
	}
	return 0, ErrNoKeycode
}

// Len returns the number of known symbols.
func (k *Keymap) Len() int {
	return len(k.codes)
}

// ParseXmodmap reads `xmodmap -pke` output. Each line has the form
// "keycode  38 = a A a A"; the first code listed for a symbol wins. Symbols
// are taken as hex keysyms ("0x61") or single Latin-1 characters.
func ParseXmodmap(r io.Reader) (*Keymap, error) {
	codes := make(map[Keysym]uint32)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "keycode") {
			continue
		}
		lhs, rhs, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		code, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(lhs, "keycode")), 10, 32)
		if err != nil {
			continue
		}
		for _, name := range strings.Fields(rhs) {
			sym, ok := parseKeysymName(name)
			if !ok {
				continue
			}
			if _, seen := codes[sym]; !seen {
				codes[sym] = uint32(code)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &Keymap{codes: codes}, nil
}

func parseKeysymName(name string) (Keysym, bool) {
	if strings.HasPrefix(name, "0x") {
		v, err := strconv.ParseUint(name[2:], 16, 32)
		if err != nil {
			return 0, false
		}
		return Keysym(v), true
	}
	r := []rune(name)
	if len(r) == 1 && r[0] < 0x100 {
		return Keysym(r[0]), true
	}
	return 0, false
}

// LoadXmodmap runs `xmodmap -pke` against the current display.
func LoadXmodmap(ctx context.Context) (*Keymap, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "xmodmap", "-pke").Output()
	if err != nil {
		return nil, fmt.Errorf("xmodmap: %w", err)
	}
	return ParseXmodmap(strings.NewReader(string(out)))
}

package action

import (
	"log/slog"
)

// ModEvent is an injection request for the modifier family.
type ModEvent struct {
	Kind   Kind
	Mods   Modifiers
	Key    Keysym
	Code   uint32
	Button uint
}

// Spawner starts a detached shell command.
type Spawner interface {
	Spawn(cmd string) error
}

// Injector synthesizes input events.
type Injector interface {
	Inject(ev ModEvent) error
	ReleaseButton(button uint) error
}

// WindowManager receives Misc requests.
type WindowManager interface {
	Signal(t MiscType) error
}

// KeyResolver maps key symbols to device codes for the current session.
type KeyResolver interface {
	KeysymToKeycode(k Keysym) (uint32, error)
}

// Env bundles the collaborators an action needs to run. Nil collaborators
// make the corresponding variants no-ops.
type Env struct {
	Spawner       Spawner
	Injector      Injector
	WindowManager WindowManager
	Logger        *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Execute runs the action and reports whether it was attempted. Failures are
// logged, never returned: a binding that fails to run still matched.
func (a *Action) Execute(env Env) bool {
	if a == nil {
		return false
	}
	log := env.logger()

	switch a.Kind {
	case KindCommand:
		if a.Cmd == "" {
			return false
		}
		if env.Spawner == nil {
			log.Warn("no spawner configured", "cmd", a.Cmd)
			return false
		}
		if err := env.Spawner.Spawn(a.Cmd); err != nil {
			log.Error("can't execute command", "cmd", a.Cmd, "error", err)
		}
		return true

	case KindSendKey, KindScroll, KindIgnore, KindButton:
		if env.Injector == nil {
			log.Warn("no injector configured", "action", a.Label())
			return false
		}
		ev := ModEvent{Kind: a.Kind, Mods: a.Mods, Key: a.Key, Code: a.code, Button: a.Button}
		if err := env.Injector.Inject(ev); err != nil {
			log.Error("injection failed", "action", a.Label(), "error", err)
		}
		return true

	case KindMisc:
		if env.WindowManager == nil {
			log.Warn("no window manager configured", "misc", a.Misc.String())
			return false
		}
		if err := env.WindowManager.Signal(a.Misc); err != nil {
			log.Error("window manager request failed", "misc", a.Misc.String(), "error", err)
		}
		return true
	}
	return false
}

// Package action defines the closed set of behaviours a gesture binding can
// trigger and how each one is executed.
//
// An Action is a tagged union: Kind selects the variant and only the payload
// fields belonging to that variant are meaningful. SendKey, Scroll, Ignore and
// Button form the modifier family and all carry a modifier mask.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies an action variant.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindSendKey
	KindScroll
	KindIgnore
	KindButton
	KindMisc
)

var kindNames = map[Kind]string{
	KindCommand: "command",
	KindSendKey: "sendkey",
	KindScroll:  "scroll",
	KindIgnore:  "ignore",
	KindButton:  "button",
	KindMisc:    "misc",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind parses the persisted kind name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("action: unknown type %q", s)
}

// Modifiers is an X11-style modifier mask.
type Modifiers uint32

const (
	ModShift   Modifiers = 1 << 0
	ModLock    Modifiers = 1 << 1
	ModControl Modifiers = 1 << 2
	ModMod1    Modifiers = 1 << 3 // Alt
	ModMod2    Modifiers = 1 << 4
	ModMod3    Modifiers = 1 << 5
	ModMod4    Modifiers = 1 << 6 // Super
	ModMod5    Modifiers = 1 << 7
)

var modNames = []struct {
	mod  Modifiers
	name string
}{
	{ModShift, "Shift"},
	{ModLock, "Lock"},
	{ModControl, "Ctrl"},
	{ModMod1, "Alt"},
	{ModMod2, "Mod2"},
	{ModMod3, "Mod3"},
	{ModMod4, "Super"},
	{ModMod5, "Mod5"},
}

func (m Modifiers) String() string {
	var parts []string
	for _, mn := range modNames {
		if m&mn.mod != 0 {
			parts = append(parts, mn.name)
		}
	}
	return strings.Join(parts, "+")
}

// ParseModifiers parses a "+"-separated modifier list such as "Ctrl+Alt".
func ParseModifiers(s string) (Modifiers, error) {
	var m Modifiers
	if s == "" {
		return 0, nil
	}
	for _, part := range strings.Split(s, "+") {
		found := false
		for _, mn := range modNames {
			if strings.EqualFold(part, mn.name) {
				m |= mn.mod
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("action: unknown modifier %q", part)
		}
	}
	return m, nil
}

// Keysym is a display-independent key symbol.
type Keysym uint32

// ParseKeysym accepts a hex keysym ("0xff51") or a single Latin-1 character.
func ParseKeysym(s string) (Keysym, error) {
	if k, ok := parseKeysymName(s); ok {
		return k, nil
	}
	return 0, fmt.Errorf("action: bad keysym %q", s)
}

// MiscType selects the behaviour of a Misc action.
type MiscType uint8

const (
	MiscNone MiscType = iota
	MiscUnminimize
	MiscShowHide
	MiscDisable
)

var miscLabels = [...]string{"None", "Unminimize", "Show/Hide", "Disable (Enable)"}

func (t MiscType) String() string {
	if int(t) < len(miscLabels) {
		return miscLabels[t]
	}
	return fmt.Sprintf("misc(%d)", uint8(t))
}

// ParseMiscType accepts a label ("Show/Hide") or a lower-case short name
// ("showhide", "disable").
func ParseMiscType(s string) (MiscType, error) {
	short := map[string]MiscType{
		"none": MiscNone, "unminimize": MiscUnminimize,
		"showhide": MiscShowHide, "disable": MiscDisable,
	}
	if t, ok := short[strings.ToLower(s)]; ok {
		return t, nil
	}
	for i, l := range miscLabels {
		if l == s {
			return MiscType(i), nil
		}
	}
	return 0, fmt.Errorf("action: unknown misc type %q", s)
}

// Action is an executable behaviour attached to a binding.
type Action struct {
	Kind Kind

	// Command
	Cmd string

	// Modifier family
	Mods Modifiers

	// SendKey. code is derived from Key for the current display session and
	// is never persisted.
	Key  Keysym
	code uint32

	// Button
	Button uint

	// Misc
	Misc MiscType
}

// NewCommand returns an action that runs cmd through the shell.
func NewCommand(cmd string) *Action {
	return &Action{Kind: KindCommand, Cmd: cmd}
}

// NewSendKey returns an action that sends key with mods held.
func NewSendKey(mods Modifiers, key Keysym) *Action {
	return &Action{Kind: KindSendKey, Mods: mods, Key: key}
}

// NewScroll returns an action that turns pointer motion into scrolling.
func NewScroll(mods Modifiers) *Action {
	return &Action{Kind: KindScroll, Mods: mods}
}

// NewIgnore returns an action that passes the click through with mods held.
func NewIgnore(mods Modifiers) *Action {
	return &Action{Kind: KindIgnore, Mods: mods}
}

// NewButton returns an action that emulates button with mods held.
func NewButton(mods Modifiers, button uint) *Action {
	return &Action{Kind: KindButton, Mods: mods, Button: button}
}

// NewMisc returns a window-manager action.
func NewMisc(t MiscType) *Action {
	return &Action{Kind: KindMisc, Misc: t}
}

// IsModAction reports whether a belongs to the modifier family.
func (a *Action) IsModAction() bool {
	switch a.Kind {
	case KindSendKey, KindScroll, KindIgnore, KindButton:
		return true
	}
	return false
}

// Code returns the derived device code of a SendKey action.
func (a *Action) Code() uint32 {
	return a.code
}

// Refresh recomputes the device code from the key symbol. It must be called
// after loading and whenever the display session changes.
func (a *Action) Refresh(r KeyResolver) error {
	if a.Kind != KindSendKey || a.Key == 0 || r == nil {
		return nil
	}
	code, err := r.KeysymToKeycode(a.Key)
	if err != nil {
		a.code = 0
		return fmt.Errorf("resolve keysym %#x: %w", uint32(a.Key), err)
	}
	a.code = code
	return nil
}

// Clone returns a copy of a.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Equal compares persisted fields; the derived code is ignored.
func (a *Action) Equal(b *Action) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind && a.Cmd == b.Cmd && a.Mods == b.Mods &&
		a.Key == b.Key && a.Button == b.Button && a.Misc == b.Misc
}

// Label renders the action for display.
func (a *Action) Label() string {
	if a == nil {
		return ""
	}
	switch a.Kind {
	case KindCommand:
		return a.Cmd
	case KindSendKey:
		return withMods(a.Mods, fmt.Sprintf("key %#x", uint32(a.Key)))
	case KindScroll:
		return withMods(a.Mods, "Scroll")
	case KindIgnore:
		return withMods(a.Mods, "Ignore")
	case KindButton:
		return withMods(a.Mods, fmt.Sprintf("Button %d", a.Button))
	case KindMisc:
		return a.Misc.String()
	}
	return a.Kind.String()
}

func withMods(m Modifiers, s string) string {
	if m == 0 {
		return s
	}
	return m.String() + "+" + s
}

// wire is the persisted shape of an action.
type wire struct {
	Type   string    `json:"type"`
	Cmd    string    `json:"cmd,omitempty"`
	Mods   Modifiers `json:"mods,omitempty"`
	Key    Keysym    `json:"key,omitempty"`
	Button uint      `json:"button,omitempty"`
	Misc   MiscType  `json:"misc,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a *Action) MarshalJSON() ([]byte, error) {
	w := wire{Type: a.Kind.String()}
	switch a.Kind {
	case KindCommand:
		w.Cmd = a.Cmd
	case KindSendKey:
		w.Mods, w.Key = a.Mods, a.Key
	case KindScroll, KindIgnore:
		w.Mods = a.Mods
	case KindButton:
		w.Mods, w.Button = a.Mods, a.Button
	case KindMisc:
		w.Misc = a.Misc
	default:
		return nil, fmt.Errorf("action: cannot encode %v", a.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	k, err := ParseKind(w.Type)
	if err != nil {
		return err
	}
	*a = Action{Kind: k}
	switch k {
	case KindCommand:
		a.Cmd = w.Cmd
	case KindSendKey:
		a.Mods, a.Key = w.Mods, w.Key
	case KindScroll, KindIgnore:
		a.Mods = w.Mods
	case KindButton:
		a.Mods, a.Button = w.Mods, w.Button
	case KindMisc:
		if int(w.Misc) >= len(miscLabels) {
			return fmt.Errorf("action: unknown misc type %d", w.Misc)
		}
		a.Misc = w.Misc
	}
	return nil
}

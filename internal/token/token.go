// Package token provides the identity tokens that key bindings in the action
// database. A token is minted once per binding and persisted by value, so the
// same binding is recognised across scopes and across sessions.
package token

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Token is an opaque binding identifier. Tokens compare by equality only.
type Token struct {
	id uuid.UUID
}

// Reserved outcome labels. They are never minted and never stored in a tree.
var (
	NotFound = Token{id: uuid.MustParse("00000000-0000-0000-0000-000000000001")}
	Click    = Token{id: uuid.MustParse("00000000-0000-0000-0000-000000000002")}
	Timeout  = Token{id: uuid.MustParse("00000000-0000-0000-0000-000000000003")}
)

// Zero is the unset token.
var Zero Token

// ErrInvalid is returned when a persisted token cannot be parsed.
var ErrInvalid = errors.New("token: invalid")

// New mints a fresh random token.
func New() Token {
	for {
		t := Token{id: uuid.New()}
		if !t.IsSentinel() && !t.IsZero() {
			return t
		}
	}
}

// Parse parses the canonical string form.
func Parse(s string) (Token, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	return Token{id: id}, nil
}

// IsZero reports whether t is unset.
func (t Token) IsZero() bool {
	return t.id == uuid.Nil
}

// IsSentinel reports whether t is one of the reserved outcome labels.
func (t Token) IsSentinel() bool {
	return t == NotFound || t == Click || t == Timeout
}

// Storable reports whether t may key a binding in a tree.
func (t Token) Storable() bool {
	return !t.IsZero() && !t.IsSentinel()
}

func (t Token) String() string {
	switch t {
	case NotFound:
		return "not-found"
	case Click:
		return "click"
	case Timeout:
		return "timeout"
	}
	return t.id.String()
}

// MarshalText implements encoding.TextMarshaler so tokens can key JSON maps.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Token) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = p
	return nil
}

// Less orders tokens by their canonical string form.
func Less(a, b Token) bool {
	return a.id.String() < b.id.String()
}

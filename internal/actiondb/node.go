// Package actiondb holds the gesture binding database: a tree of scopes in
// which the root carries the default bindings and every other node records
// only how one application's bindings differ from its parent's.
//
// A node stores its local additions and overrides keyed by token plus the set
// of inherited tokens it deletes. The bindings visible at a node are derived
// on demand by merging the chain from the root down.
//
// Node methods are not synchronized. Shared trees are accessed through
// DB.View and DB.Update.
package actiondb

import (
	"errors"
	"sort"

	"strokebind/internal/action"
	"strokebind/internal/stroke"
	"strokebind/internal/token"
)

// DefaultName is the display name of the root scope.
const DefaultName = "Default"

var (
	// ErrReservedToken is returned when a sentinel or zero token is used as a key.
	ErrReservedToken = errors.New("actiondb: reserved token")
	// ErrNotFound is returned when a token is not visible at a node.
	ErrNotFound = errors.New("actiondb: binding not found")
	// ErrNotChild is returned when removing a node that is not a direct child.
	ErrNotChild = errors.New("actiondb: not a child of this scope")
)

// Binding associates gesture shapes and a name with an action. In a child
// scope a binding may be partial: an empty name, an empty shape set or a nil
// action means the field is inherited.
type Binding struct {
	Name    string         `json:"name,omitempty"`
	Strokes stroke.Set     `json:"strokes"`
	Action  *action.Action `json:"action,omitempty"`
}

// Clone returns a copy that shares no mutable state with b.
func (b *Binding) Clone() *Binding {
	if b == nil {
		return nil
	}
	return &Binding{Name: b.Name, Strokes: b.Strokes.Clone(), Action: b.Action.Clone()}
}

// Equal reports whether both bindings carry the same fields.
func (b *Binding) Equal(o *Binding) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.Name == o.Name && b.Strokes.Equal(o.Strokes) && b.Action.Equal(o.Action)
}

// overlay copies the non-empty fields of o over b.
func (b *Binding) overlay(o *Binding) {
	if o.Name != "" {
		b.Name = o.Name
	}
	if !o.Strokes.Empty() {
		b.Strokes = o.Strokes.Clone()
	}
	if o.Action != nil {
		b.Action = o.Action.Clone()
	}
}

// Status describes how a token appears at a node.
type Status int

const (
	StatusMissing    Status = iota // not visible
	StatusInherited                // visible, provided by an ancestor only
	StatusOverridden               // provided by an ancestor and overridden here
	StatusAdded                    // introduced at this node
	StatusDeleted                  // provided by an ancestor, deleted here
)

func (s Status) String() string {
	return [...]string{"missing", "inherited", "overridden", "added", "deleted"}[s]
}

// Node is one scope of the tree.
type Node struct {
	// Name is the display name of the scope.
	Name string
	// App is the window-class pattern that selects this scope. Empty for the
	// root and for grouping scopes.
	App string

	parent   *Node
	deleted  map[token.Token]struct{}
	added    map[token.Token]*Binding
	children []*Node

	// db is set on the root of a tree owned by a DB.
	db *DB
}

// NewRoot returns an empty root scope.
func NewRoot() *Node {
	return newNode(DefaultName, "")
}

func newNode(name, app string) *Node {
	return &Node{
		Name:    name,
		App:     app,
		deleted: make(map[token.Token]struct{}),
		added:   make(map[token.Token]*Binding),
	}
}

// Parent returns the enclosing scope, nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Children returns the child scopes in order.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Root returns the root of n's tree.
func (n *Node) Root() *Node {
	r := n
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Path returns the scope names from the root down to n.
func (n *Node) Path() []string {
	var path []string
	for c := n; c != nil; c = c.parent {
		path = append([]string{c.Name}, path...)
	}
	return path
}

// Walk visits n and its descendants depth-first in child order.
func (n *Node) Walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the first scope in n's subtree with the given name.
func (n *Node) Find(name string) *Node {
	var found *Node
	_ = n.Walk(func(c *Node) error {
		if c.Name == name {
			found = c
			return errStop
		}
		return nil
	})
	return found
}

var errStop = errors.New("stop")

// chain returns the nodes from the root down to n.
func (n *Node) chain() []*Node {
	var c []*Node
	for p := n; p != nil; p = p.parent {
		c = append(c, p)
	}
	for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
		c[i], c[j] = c[j], c[i]
	}
	return c
}

// Strokes returns the shape sets of every binding visible at n that has at
// least one shape. Entries closer to n win; deletions suppress inherited
// entries that n does not re-add. The sets are shared with the tree and must
// not be modified.
func (n *Node) Strokes() map[token.Token]stroke.Set {
	var out map[token.Token]stroke.Set
	if n.parent != nil {
		out = n.parent.Strokes()
		for t := range n.deleted {
			delete(out, t)
		}
	} else {
		out = make(map[token.Token]stroke.Set, len(n.added))
	}
	for t, b := range n.added {
		if !b.Strokes.Empty() {
			out[t] = b.Strokes
		}
	}
	return out
}

// Info returns the binding for t as seen from n, with partial overrides
// merged over inherited fields.
func (n *Node) Info(t token.Token) (*Binding, bool) {
	var merged *Binding
	for _, c := range n.chain() {
		if _, ok := c.deleted[t]; ok {
			merged = nil
		}
		if b, ok := c.added[t]; ok {
			if merged == nil {
				merged = &Binding{}
			}
			merged.overlay(b)
		}
	}
	if merged == nil {
		return nil, false
	}
	return merged, true
}

// Contains reports whether t is visible at n.
func (n *Node) Contains(t token.Token) bool {
	_, ok := n.Info(t)
	return ok
}

// Tokens returns every token visible at n, including bindings without shapes,
// sorted by name and then token.
func (n *Node) Tokens() []token.Token {
	visible := make(map[token.Token]*Binding)
	for _, c := range n.chain() {
		for t := range c.deleted {
			delete(visible, t)
		}
		for t := range c.added {
			visible[t] = nil
		}
	}
	for t := range visible {
		visible[t], _ = n.Info(t)
	}
	out := make([]token.Token, 0, len(visible))
	for t := range visible {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := visible[out[i]], visible[out[j]]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return token.Less(out[i], out[j])
	})
	return out
}

// Bindings returns the merged bindings visible at n.
func (n *Node) Bindings() map[token.Token]*Binding {
	out := make(map[token.Token]*Binding)
	for _, t := range n.Tokens() {
		out[t], _ = n.Info(t)
	}
	return out
}

// Status reports how t appears at n.
func (n *Node) Status(t token.Token) Status {
	inherited := n.parent != nil && n.parent.Contains(t)
	_, local := n.added[t]
	_, deleted := n.deleted[t]
	switch {
	case local && inherited:
		return StatusOverridden
	case local:
		return StatusAdded
	case deleted && inherited:
		return StatusDeleted
	case inherited:
		return StatusInherited
	}
	return StatusMissing
}

// Local returns a copy of the bindings added or overridden at n.
func (n *Node) Local() map[token.Token]*Binding {
	out := make(map[token.Token]*Binding, len(n.added))
	for t, b := range n.added {
		out[t] = b.Clone()
	}
	return out
}

// Deleted returns the tokens deleted at n, sorted.
func (n *Node) Deleted() []token.Token {
	out := make([]token.Token, 0, len(n.deleted))
	for t := range n.deleted {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return token.Less(out[i], out[j]) })
	return out
}

package actiondb

import (
	"strokebind/internal/action"
	"strokebind/internal/stroke"
	"strokebind/internal/token"
)

// changed marks the owning database dirty.
func (n *Node) changed() {
	if db := n.Root().db; db != nil {
		db.MarkDirty()
	}
}

// Add stores b under a fresh token at n and returns the token.
func (n *Node) Add(b *Binding) token.Token {
	t := token.New()
	n.added[t] = b.Clone()
	n.changed()
	return t
}

// Set adds or overrides the binding for t at n. Any local deletion of t is
// lifted: a re-added token takes precedence.
func (n *Node) Set(t token.Token, b *Binding) error {
	if !t.Storable() {
		return ErrReservedToken
	}
	delete(n.deleted, t)
	n.added[t] = b.Clone()
	n.changed()
	return nil
}

// override returns the local entry for t, creating an empty partial override
// when t is only inherited.
func (n *Node) override(t token.Token) (*Binding, error) {
	if !t.Storable() {
		return nil, ErrReservedToken
	}
	if b, ok := n.added[t]; ok {
		return b, nil
	}
	if !n.Contains(t) {
		return nil, ErrNotFound
	}
	b := &Binding{}
	delete(n.deleted, t)
	n.added[t] = b
	return b, nil
}

// SetName overrides the display name of t at n.
func (n *Node) SetName(t token.Token, name string) error {
	b, err := n.override(t)
	if err != nil {
		return err
	}
	b.Name = name
	n.changed()
	return nil
}

// SetAction overrides the action of t at n.
func (n *Node) SetAction(t token.Token, a *action.Action) error {
	b, err := n.override(t)
	if err != nil {
		return err
	}
	b.Action = a.Clone()
	n.changed()
	return nil
}

// SetStrokes overrides the shapes of t at n. An empty set falls back to the
// inherited shapes.
func (n *Node) SetStrokes(t token.Token, s stroke.Set) error {
	b, err := n.override(t)
	if err != nil {
		return err
	}
	b.Strokes = s.Clone()
	n.changed()
	return nil
}

// AddStroke adds s to the shapes of t visible at n.
func (n *Node) AddStroke(t token.Token, s *stroke.Stroke) error {
	cur, ok := n.Info(t)
	if !ok {
		return ErrNotFound
	}
	set := cur.Strokes.Clone()
	set.Add(s)
	return n.SetStrokes(t, set)
}

// Delete removes t from n and its subtree. If an ancestor still provides t,
// the deletion is recorded so the inherited binding stays hidden. Reports
// whether t was visible at n.
func (n *Node) Delete(t token.Token) bool {
	visible := n.Contains(t)
	n.delete(t)
	n.changed()
	return visible
}

func (n *Node) delete(t token.Token) {
	delete(n.added, t)
	if n.parent != nil && n.parent.Contains(t) {
		n.deleted[t] = struct{}{}
	} else {
		delete(n.deleted, t)
	}
	for _, c := range n.children {
		c.delete(t)
	}
}

// Reset drops the local override or deletion of t so the inherited binding
// shows again. It does nothing at the root.
func (n *Node) Reset(t token.Token) bool {
	if n.parent == nil {
		return false
	}
	_, local := n.added[t]
	_, deleted := n.deleted[t]
	if !local && !deleted {
		return false
	}
	delete(n.added, t)
	delete(n.deleted, t)
	n.changed()
	return true
}

// AddChild appends a new scope under n. app is the window-class pattern that
// selects it, empty for a grouping scope.
func (n *Node) AddChild(name, app string) *Node {
	c := newNode(name, app)
	c.parent = n
	n.children = append(n.children, c)
	n.changed()
	return c
}

// RemoveChild detaches c and its subtree from n.
func (n *Node) RemoveChild(c *Node) error {
	for i, x := range n.children {
		if x == c {
			n.children = append(n.children[:i:i], n.children[i+1:]...)
			c.parent = nil
			n.changed()
			return nil
		}
	}
	return ErrNotChild
}

// SetApp changes the window-class pattern of n.
func (n *Node) SetApp(app string) {
	n.App = app
	n.changed()
}

// Rename changes the display name of n.
func (n *Node) Rename(name string) {
	n.Name = name
	n.changed()
}

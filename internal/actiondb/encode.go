package actiondb

import (
	"encoding/json"
	"fmt"

	"strokebind/internal/action"
	"strokebind/internal/token"
)

// nodeJSON is the persisted form of a scope.
type nodeJSON struct {
	Name     string                   `json:"name"`
	App      string                   `json:"app,omitempty"`
	Deleted  []token.Token            `json:"deleted"`
	Added    map[token.Token]*Binding `json:"added"`
	Children []*Node                  `json:"children"`
}

// MarshalJSON implements json.Marshaler.
func (n *Node) MarshalJSON() ([]byte, error) {
	children := n.children
	if children == nil {
		children = []*Node{}
	}
	return json.Marshal(nodeJSON{
		Name:     n.Name,
		App:      n.App,
		Deleted:  n.Deleted(),
		Added:    n.added,
		Children: children,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Reserved tokens are rejected; a
// token both deleted and added is kept as added.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*n = *newNode(w.Name, w.App)
	for t, b := range w.Added {
		if !t.Storable() {
			return fmt.Errorf("%w: %v in scope %q", ErrReservedToken, t, w.Name)
		}
		if b == nil {
			b = &Binding{}
		}
		n.added[t] = b
	}
	for _, t := range w.Deleted {
		if !t.Storable() {
			return fmt.Errorf("%w: %v in scope %q", ErrReservedToken, t, w.Name)
		}
		if _, ok := n.added[t]; !ok {
			n.deleted[t] = struct{}{}
		}
	}
	for _, c := range w.Children {
		if c == nil {
			continue
		}
		c.parent = n
		n.children = append(n.children, c)
	}
	return nil
}

// RefreshKeys recomputes derived SendKey codes throughout the subtree and
// returns the errors encountered.
func (n *Node) RefreshKeys(r action.KeyResolver) []error {
	var errs []error
	_ = n.Walk(func(c *Node) error {
		for t, b := range c.added {
			if b.Action == nil {
				continue
			}
			if err := b.Action.Refresh(r); err != nil {
				errs = append(errs, fmt.Errorf("binding %s (%q): %w", t, b.Name, err))
			}
		}
		return nil
	})
	return errs
}

package stroke

import "encoding/json"

// Set is an insertion-ordered set of strokes. Membership is by Equal.
type Set struct {
	items []*Stroke
	index map[Fingerprint]int
}

// NewSet returns a set holding the given strokes, duplicates dropped.
func NewSet(strokes ...*Stroke) Set {
	var s Set
	for _, st := range strokes {
		s.Add(st)
	}
	return s
}

// Len returns the number of strokes in the set.
func (s Set) Len() int {
	return len(s.items)
}

// Empty reports whether the set has no strokes.
func (s Set) Empty() bool {
	return len(s.items) == 0
}

// Add inserts st unless an equal stroke is present. Reports whether it was added.
func (s *Set) Add(st *Stroke) bool {
	if st == nil {
		return false
	}
	fp := st.Fingerprint()
	if s.index == nil {
		s.index = make(map[Fingerprint]int)
	}
	if _, ok := s.index[fp]; ok {
		return false
	}
	s.index[fp] = len(s.items)
	s.items = append(s.items, st)
	return true
}

// Remove deletes the stroke equal to st. Reports whether one was present.
func (s *Set) Remove(st *Stroke) bool {
	if st == nil || s.index == nil {
		return false
	}
	fp := st.Fingerprint()
	i, ok := s.index[fp]
	if !ok {
		return false
	}
	s.items = append(s.items[:i:i], s.items[i+1:]...)
	s.reindex()
	return true
}

// Contains reports whether an equal stroke is present.
func (s Set) Contains(st *Stroke) bool {
	if st == nil || s.index == nil {
		return false
	}
	_, ok := s.index[st.Fingerprint()]
	return ok
}

// Slice returns the strokes in insertion order. The slice is a copy.
func (s Set) Slice() []*Stroke {
	out := make([]*Stroke, len(s.items))
	copy(out, s.items)
	return out
}

// Clone returns an independent copy of the set. Strokes are shared; they are
// treated as immutable.
func (s Set) Clone() Set {
	return NewSet(s.items...)
}

// Union returns the strokes of s followed by those of o not already in s.
func (s Set) Union(o Set) Set {
	out := s.Clone()
	for _, st := range o.items {
		out.Add(st)
	}
	return out
}

// Difference returns the strokes of s that are not in o.
func (s Set) Difference(o Set) Set {
	var out Set
	for _, st := range s.items {
		if !o.Contains(st) {
			out.Add(st)
		}
	}
	return out
}

// Equal reports whether both sets hold equal strokes in the same order.
func (s Set) Equal(o Set) bool {
	if len(s.items) != len(o.items) {
		return false
	}
	for i := range s.items {
		if !Equal(s.items[i], o.items[i]) {
			return false
		}
	}
	return true
}

func (s *Set) reindex() {
	s.index = make(map[Fingerprint]int, len(s.items))
	for i, st := range s.items {
		s.index[st.Fingerprint()] = i
	}
}

// MarshalJSON encodes the set as a list.
func (s Set) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

// UnmarshalJSON decodes a list, dropping duplicates.
func (s *Set) UnmarshalJSON(data []byte) error {
	var items []*Stroke
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}

// Package stroke defines the opaque gesture value produced by the capture
// layer, ordered sets of gesture shapes, and the comparison primitive used to
// score one stroke against another.
package stroke

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"golang.org/x/crypto/blake2b"
)

// Point is a single sample of a stroke.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T float64 `json:"t"`
}

// Stroke is a captured gesture. Trivial and Timeout are the capture layer's
// classification of a bare click (or a click held until timeout).
type Stroke struct {
	Points  []Point `json:"points"`
	Button  uint    `json:"button,omitempty"`
	Trivial bool    `json:"trivial,omitempty"`
	Timeout bool    `json:"timeout,omitempty"`
}

// Fingerprint identifies a stroke by the content of its samples.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

// Valid reports whether s can be matched at all.
func (s *Stroke) Valid() bool {
	return s != nil && (len(s.Points) > 0 || s.Trivial)
}

// IsTrivial reports whether s is a bare click or timeout.
func (s *Stroke) IsTrivial() bool {
	return s != nil && s.Trivial
}

// IsTimeout reports whether s is a trivial stroke that timed out.
func (s *Stroke) IsTimeout() bool {
	return s != nil && s.Trivial && s.Timeout
}

// Fingerprint hashes the point list and button.
func (s *Stroke) Fingerprint() Fingerprint {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(s.Button))
	h.Write(buf[:])
	for _, p := range s.Points {
		for _, v := range [3]float64{p.X, p.Y, p.T} {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// Equal reports whether a and b carry the same samples.
func Equal(a, b *Stroke) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Fingerprint() == b.Fingerprint()
}

// Comparator scores a candidate stroke against a stored shape. Score is in
// [0,1]; match reports whether the comparison counts as an exact match.
type Comparator interface {
	Compare(a, b *Stroke) (match bool, score float64)
}

// ComparatorFunc adapts a function to Comparator.
type ComparatorFunc func(a, b *Stroke) (bool, float64)

func (f ComparatorFunc) Compare(a, b *Stroke) (bool, float64) {
	return f(a, b)
}

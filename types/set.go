package types

import (
	"strings"

	"github.com/kelindar/bitmap"
)

// ComponentSet is a set of component ids backed by a bitmap.
type ComponentSet struct {
	bits bitmap.Bitmap
}

func NewComponentSet(ids ...ComponentID) ComponentSet {
	var s ComponentSet
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s *ComponentSet) Add(id ComponentID) {
	s.bits.Set(uint32(id))
}

func (s *ComponentSet) Remove(id ComponentID) {
	s.bits.Remove(uint32(id))
}

// AddAll adds every member of o to s.
func (s *ComponentSet) AddAll(o ComponentSet) {
	o.bits.Range(func(x uint32) {
		s.bits.Set(x)
	})
}

func (s ComponentSet) Contains(id ComponentID) bool {
	return s.bits.Contains(uint32(id))
}

func (s ComponentSet) Len() int {
	return s.bits.Count()
}

func (s ComponentSet) Empty() bool {
	return s.bits.Count() == 0
}

// IDs returns the members in ascending order.
func (s ComponentSet) IDs() []ComponentID {
	out := make([]ComponentID, 0, s.bits.Count())
	s.bits.Range(func(x uint32) {
		out = append(out, ComponentID(x))
	})
	return out
}

// Intersects reports whether s and o share at least one member.
func (s ComponentSet) Intersects(o ComponentSet) bool {
	if s.Empty() || o.Empty() {
		return false
	}
	intersect := s.bits.Clone(nil)
	intersect.And(o.bits)
	return intersect.Count() > 0
}

// ContainsAll reports whether every member of o is in s.
func (s ComponentSet) ContainsAll(o ComponentSet) bool {
	intersect := o.bits.Clone(nil)
	intersect.And(s.bits)
	return intersect.Count() == o.bits.Count()
}

// Difference returns the members of s that are not in o.
func (s ComponentSet) Difference(o ComponentSet) ComponentSet {
	out := s.Clone()
	o.bits.Range(func(x uint32) {
		out.bits.Remove(x)
	})
	return out
}

func (s ComponentSet) Clone() ComponentSet {
	return ComponentSet{bits: s.bits.Clone(nil)}
}

// Equal compares membership, ignoring the bitmap's capacity.
func (s ComponentSet) Equal(o ComponentSet) bool {
	return s.Len() == o.Len() && s.ContainsAll(o)
}

func (s ComponentSet) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, id := range s.IDs() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(id.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// Package filter builds component presence predicates. A compiled filter is
// evaluated locally against entities and shipped to the store, which applies
// the same predicate before sending entities back.
package filter

import (
	"pkg.world.dev/world-engine/worldstore/types"
)

// Filter selects entities by which components they carry.
type Filter struct {
	all  types.ComponentSet
	some []types.ComponentSet
	none types.ComponentSet
}

// Contains matches entities that have every given component.
func Contains(ids ...types.ComponentID) Filter {
	return Filter{all: types.NewComponentSet(ids...)}
}

// Any matches entities that have at least one of the given components.
func Any(ids ...types.ComponentID) Filter {
	return Filter{some: []types.ComponentSet{types.NewComponentSet(ids...)}}
}

// Exclude matches entities that have none of the given components.
func Exclude(ids ...types.ComponentID) Filter {
	return Filter{none: types.NewComponentSet(ids...)}
}

// And returns a filter matching entities that both f and o match.
func (f Filter) And(o Filter) Filter {
	out := Filter{all: f.all.Clone(), none: f.none.Clone()}
	out.all.AddAll(o.all)
	out.none.AddAll(o.none)
	out.some = append(append(out.some, f.some...), o.some...)
	return out
}

// Compile freezes the filter for repeated use.
func (f Filter) Compile() *Compiled {
	w := Wire{All: f.all.IDs(), None: f.none.IDs()}
	for _, group := range f.some {
		w.Any = append(w.Any, group.IDs())
	}
	return &Compiled{filter: f, wire: w}
}

// Wire is the form of a filter understood by the store script. Each Any
// group must be matched by at least one component.
type Wire struct {
	All  []types.ComponentID   `json:"a,omitempty"`
	Any  [][]types.ComponentID `json:"o,omitempty"`
	None []types.ComponentID   `json:"n,omitempty"`
}

// Compiled is a filter ready for evaluation. A nil *Compiled matches every
// entity.
type Compiled struct {
	filter Filter
	wire   Wire
}

func (c *Compiled) Matches(e *types.Entity) bool {
	if e == nil {
		return false
	}
	if c == nil {
		return true
	}
	present := e.Components()
	if !present.ContainsAll(c.filter.all) {
		return false
	}
	for _, group := range c.filter.some {
		if !present.Intersects(group) {
			return false
		}
	}
	return !present.Intersects(c.filter.none)
}

// Components returns every component the filter inspects. A change that
// touches none of them cannot move an entity into or out of the filter.
func (c *Compiled) Components() types.ComponentSet {
	var out types.ComponentSet
	if c == nil {
		return out
	}
	out.AddAll(c.filter.all)
	out.AddAll(c.filter.none)
	for _, group := range c.filter.some {
		out.AddAll(group)
	}
	return out
}

// Wire returns the store form, or nil for a nil filter.
func (c *Compiled) Wire() *Wire {
	if c == nil {
		return nil
	}
	w := c.wire
	return &w
}

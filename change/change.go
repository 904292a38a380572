// Package change defines proposed and committed changes to entities, the rules
// for folding them together, and the buffers used to hand them to consumers.
package change

import (
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/types"
)

type Kind uint8

const (
	Create Kind = iota + 1
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

var ErrMalformedChange = eris.New("malformed change")

// ProposedChange is a change without a tick. Entity is set for creates and
// Delta for updates.
type ProposedChange struct {
	Kind   Kind
	ID     types.EntityID
	Entity *types.Entity
	Delta  types.Delta
}

// Change is a ProposedChange stamped with the tick at which it took effect.
type Change struct {
	ProposedChange
	Tick types.Tick
}

func NewCreate(e *types.Entity) ProposedChange {
	return ProposedChange{Kind: Create, ID: e.ID, Entity: e}
}

func NewUpdate(d types.Delta) ProposedChange {
	return ProposedChange{Kind: Update, ID: d.ID, Delta: d}
}

func NewDelete(id types.EntityID) ProposedChange {
	return ProposedChange{Kind: Delete, ID: id}
}

func (p ProposedChange) At(tick types.Tick) Change {
	return Change{ProposedChange: p, Tick: tick}
}

// Components returns the components the change writes. A delete writes none;
// callers that care about removed components consult the prior entity.
func (p ProposedChange) Components() types.ComponentSet {
	switch p.Kind {
	case Create:
		return p.Entity.Components()
	case Update:
		return p.Delta.Components()
	}
	return types.ComponentSet{}
}

// Touches reports whether the change writes or removes any of the given components.
func (p ProposedChange) Touches(components types.ComponentSet) bool {
	if p.Kind == Delete {
		return true
	}
	return p.Components().Intersects(components)
}

// Validate checks the shape of the change and the values it writes.
func (p ProposedChange) Validate() error {
	if !p.ID.Valid() {
		return eris.Wrapf(ErrMalformedChange, "%s: invalid entity id %d", p.Kind, p.ID)
	}
	switch p.Kind {
	case Create:
		if p.Entity == nil {
			return eris.Wrapf(ErrMalformedChange, "create %d: missing entity", p.ID)
		}
		if p.Entity.ID != p.ID {
			return eris.Wrapf(ErrMalformedChange, "create %d: entity id %d does not match", p.ID, p.Entity.ID)
		}
		return validateValues(p.ID, p.Entity)
	case Update:
		if p.Delta.ID != p.ID {
			return eris.Wrapf(ErrMalformedChange, "update %d: delta id %d does not match", p.ID, p.Delta.ID)
		}
		if p.Delta.Values.Components().Intersects(p.Delta.Deleted) {
			return eris.Wrapf(ErrMalformedChange, "update %d: component both set and deleted", p.ID)
		}
		return validateValues(p.ID, &p.Delta.Values)
	case Delete:
		return nil
	}
	return eris.Wrapf(ErrMalformedChange, "entity %d: unknown change kind %d", p.ID, p.Kind)
}

func validateValues(id types.EntityID, e *types.Entity) error {
	for _, v := range e.Values() {
		if val, ok := v.(types.Validator); ok {
			if err := val.Validate(); err != nil {
				return eris.Wrapf(ErrMalformedChange, "entity %d: %s: %v", id, v.ComponentID(), err)
			}
		}
	}
	return nil
}

// ApplyProposed returns the entity that results from applying p to e. A nil
// entity is absent, both as input and as result. An update on an absent
// entity creates it from the delta.
func ApplyProposed(e *types.Entity, p ProposedChange) *types.Entity {
	switch p.Kind {
	case Create:
		return p.Entity.Clone()
	case Update:
		if e == nil {
			e = &types.Entity{ID: p.ID}
		}
		return p.Delta.Apply(e)
	}
	return nil
}

// Merge folds next into prior, producing a single change with the combined
// effect. A next change older than prior is ignored.
func Merge(prior *Change, next Change) Change {
	if prior == nil {
		return next
	}
	if next.Tick < prior.Tick {
		return *prior
	}
	if next.Kind != Update {
		return next
	}
	switch prior.Kind {
	case Create:
		created := next.Delta.Apply(prior.Entity)
		return NewCreate(created).At(next.Tick)
	case Update:
		return NewUpdate(prior.Delta.Merge(next.Delta)).At(next.Tick)
	}
	return next
}

// Fold reduces the changes of one transaction to at most one change per
// entity, in order of each entity's first change. Every change of a
// transaction shares a tick, so readers that drop changes at an entity's
// current tick would otherwise miss all but the first.
func Fold(changes []ProposedChange) []ProposedChange {
	if len(changes) < 2 {
		return changes
	}
	index := make(map[types.EntityID]int, len(changes))
	out := make([]ProposedChange, 0, len(changes))
	for _, p := range changes {
		i, ok := index[p.ID]
		if !ok {
			index[p.ID] = len(out)
			out = append(out, p)
			continue
		}
		if out[i].Kind == Delete && p.Kind == Update {
			out[i] = NewCreate(p.Delta.Apply(&types.Entity{ID: p.ID}))
			continue
		}
		prior := out[i].At(0)
		out[i] = Merge(&prior, p.At(0)).ProposedChange
	}
	return out
}

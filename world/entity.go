package world

import (
	"pkg.world.dev/world-engine/worldstore/types"
)

// PatchableEntity is an editor's view of one entity: the state fetched from
// the store plus the caller's pending writes.
type PatchableEntity struct {
	id      types.EntityID
	version types.EntityVersion
	base    *types.Entity
	delta   types.Delta
	read    types.ComponentSet
	created bool
	removed bool
}

func newPatchable(id types.EntityID, version types.EntityVersion, base *types.Entity) *PatchableEntity {
	return &PatchableEntity{id: id, version: version, base: base, delta: types.NewDelta(id)}
}

func (p *PatchableEntity) ID() types.EntityID {
	return p.id
}

// Version is the version the entity had when it was fetched.
func (p *PatchableEntity) Version() types.EntityVersion {
	return p.version
}

// Delta returns a copy of the pending writes.
func (p *PatchableEntity) Delta() types.Delta {
	return p.delta.Clone()
}

// Read returns the components marked as read so far.
func (p *PatchableEntity) Read() types.ComponentSet {
	return p.read.Clone()
}

func (p *PatchableEntity) Removed() bool {
	return p.removed
}

// Entity returns the fetched entity with pending writes applied. Every
// component the fetched entity had counts as read.
func (p *PatchableEntity) Entity() *types.Entity {
	if p.removed {
		return nil
	}
	p.read.AddAll(p.base.Components())
	return p.delta.Apply(p.base)
}

// Remove schedules deletion of the whole entity. Pending component writes are
// discarded.
func (p *PatchableEntity) Remove() {
	p.removed = true
	p.delta = types.NewDelta(p.id)
}

func (p *PatchableEntity) dirty() bool {
	return p.removed || !p.delta.Empty()
}

// Read returns component acc of p and marks it read, so that the commit
// fails if another writer changed it in the meantime.
func Read[T types.Component](p *PatchableEntity, acc types.Accessor[T]) (T, bool) {
	p.read.Add(acc.ID())
	if p.removed || p.delta.Deleted.Contains(acc.ID()) {
		var zero T
		return zero, false
	}
	if v, ok := acc.Get(&p.delta.Values); ok {
		return v, true
	}
	return acc.Get(p.base)
}

// Write sets component acc of p. Writing does not mark the component read.
func Write[T types.Component](p *PatchableEntity, acc types.Accessor[T], v T) {
	p.removed = false
	p.delta.Set(v)
}

// Delete removes component acc from p.
func Delete[T types.Component](p *PatchableEntity, acc types.Accessor[T]) {
	p.delta.Delete(acc.ID())
}

package gamestate

import (
	"iter"
	"maps"
	"slices"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/types"
)

// EntityState is an entity and its version as read from a table or a store.
// Entity is nil when the entity does not exist; Version may still carry the
// tick of its deletion.
type EntityState struct {
	ID      types.EntityID
	Version types.EntityVersion
	Entity  *types.Entity
}

// Listener is notified after each change takes effect. entity is the state
// after the change, nil when the entity no longer exists.
type Listener interface {
	Applied(c change.Change, entity *types.Entity)
	Cleared()
}

type record struct {
	version types.EntityVersion
	entity  *types.Entity
}

type TableOption func(*VersionedTable)

// WithTombstones keeps the version of deleted entities so later readers can
// learn when the deletion happened.
func WithTombstones() TableOption {
	return func(t *VersionedTable) {
		t.keepTombstones = true
	}
}

// VersionedTable maps entity ids to entities and their versions.
type VersionedTable struct {
	records        map[types.EntityID]*record
	live           int
	tick           types.Tick
	keepTombstones bool
	listeners      []Listener
}

func NewVersionedTable(opts ...TableOption) *VersionedTable {
	t := &VersionedTable{records: map[types.EntityID]*record{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnChange registers a listener.
func (t *VersionedTable) OnChange(l Listener) {
	t.listeners = append(t.listeners, l)
}

// Get returns the entity, or nil. The returned value is owned by the table and
// must not be modified.
func (t *VersionedTable) Get(id types.EntityID) *types.Entity {
	if rec, ok := t.records[id]; ok {
		return rec.entity
	}
	return nil
}

// GetWithVersion returns the version and entity. Unknown ids have a zero
// version.
func (t *VersionedTable) GetWithVersion(id types.EntityID) (types.EntityVersion, *types.Entity) {
	if rec, ok := t.records[id]; ok {
		return rec.version, rec.entity
	}
	return types.EntityVersion{}, nil
}

func (t *VersionedTable) Has(id types.EntityID) bool {
	return t.Get(id) != nil
}

// Len is the number of live entities.
func (t *VersionedTable) Len() int {
	return t.live
}

// Tick is the highest tick the table has seen.
func (t *VersionedTable) Tick() types.Tick {
	return t.tick
}

// IDs returns every id the table holds a version for, deleted entities
// included, in ascending order.
func (t *VersionedTable) IDs() []types.EntityID {
	return slices.Sorted(maps.Keys(t.records))
}

// All iterates live entities in ascending id order.
func (t *VersionedTable) All() iter.Seq2[types.EntityID, *types.Entity] {
	return func(yield func(types.EntityID, *types.Entity) bool) {
		for _, id := range t.IDs() {
			rec := t.records[id]
			if rec.entity == nil {
				continue
			}
			if !yield(id, rec.entity) {
				return
			}
		}
	}
}

// Apply applies changes in order and returns those that took effect.
func (t *VersionedTable) Apply(changes ...change.Change) []change.Change {
	return t.apply(changes, false)
}

// Commit is Apply for the authority that assigns ticks. Changes at an
// entity's current tick are applied too, since every change of one
// transaction shares its tick.
func (t *VersionedTable) Commit(changes ...change.Change) []change.Change {
	return t.apply(changes, true)
}

// Overlay writes deltas onto live entities without moving their versions.
// It carries values owned by another partition, which must never make an
// entity look newer than its own partition has seen. Deltas for absent
// entities are dropped. The returned changes carry the entity's tick.
func (t *VersionedTable) Overlay(deltas ...types.Delta) []change.Change {
	var applied []change.Change
	for _, d := range deltas {
		rec := t.records[d.ID]
		if rec == nil || rec.entity == nil || d.Empty() {
			continue
		}
		rec.entity = d.Apply(rec.entity)
		c := change.NewUpdate(d).At(rec.version.Tick)
		applied = append(applied, c)
		for _, l := range t.listeners {
			l.Applied(c, rec.entity)
		}
	}
	return applied
}

func (t *VersionedTable) apply(changes []change.Change, sameTick bool) []change.Change {
	var applied []change.Change
	for _, c := range changes {
		rec := t.records[c.ID]
		if rec != nil && (c.Tick < rec.version.Tick || (c.Tick == rec.version.Tick && !sameTick)) {
			continue
		}
		var prior *types.Entity
		if rec != nil {
			prior = rec.entity
		}
		next := change.ApplyProposed(prior, c.ProposedChange)
		if prior == nil && next == nil {
			continue
		}
		var version types.EntityVersion
		if rec != nil {
			version = rec.version
		}
		t.install(c.ID, stamp(version, c, prior, next), next)
		applied = append(applied, c)
		for _, l := range t.listeners {
			l.Applied(c, next)
		}
	}
	return applied
}

// Load installs a snapshot of one entity, as read from a bootstrap. It is
// ignored when the table already holds the same or a newer version. A nil
// entity records a deletion.
func (t *VersionedTable) Load(id types.EntityID, version types.EntityVersion, entity *types.Entity) bool {
	if rec, ok := t.records[id]; ok && version.Tick <= rec.version.Tick {
		return false
	}
	prior := t.Get(id)
	if prior == nil && entity == nil {
		if t.keepTombstones {
			t.install(id, version.Clone(), nil)
		}
		return false
	}
	entity = entity.Clone()
	t.install(id, version.Clone(), entity)

	var c change.Change
	if entity == nil {
		c = change.NewDelete(id).At(version.Tick)
	} else {
		c = change.NewCreate(entity).At(version.Tick)
	}
	for _, l := range t.listeners {
		l.Applied(c, entity)
	}
	return true
}

// Clear removes every entity and version.
func (t *VersionedTable) Clear() {
	t.records = map[types.EntityID]*record{}
	t.live = 0
	t.tick = 0
	for _, l := range t.listeners {
		l.Cleared()
	}
}

func (t *VersionedTable) install(id types.EntityID, version types.EntityVersion, entity *types.Entity) {
	if t.tick < version.Tick {
		t.tick = version.Tick
	}
	rec, existed := t.records[id]
	wasLive := existed && rec.entity != nil
	switch {
	case entity == nil && !t.keepTombstones:
		delete(t.records, id)
	default:
		t.records[id] = &record{version: version, entity: entity}
	}
	switch {
	case wasLive && entity == nil:
		t.live--
	case !wasLive && entity != nil:
		t.live++
	}
}

// stamp computes the version after change c moved the entity from prior to
// next. Every component that was written or removed gets the change tick.
func stamp(v types.EntityVersion, c change.Change, prior, next *types.Entity) types.EntityVersion {
	out := types.EntityVersion{Tick: c.Tick}
	switch c.Kind {
	case change.Create:
		out.ByComponent = maps.Clone(v.ByComponent)
		if out.ByComponent == nil {
			out.ByComponent = map[types.ComponentID]types.Tick{}
		}
		touched := prior.Components()
		touched.AddAll(next.Components())
		for _, id := range touched.IDs() {
			out.ByComponent[id] = c.Tick
		}
	case change.Update:
		switch {
		case prior == nil && v.ByComponent == nil:
			out.ByComponent = map[types.ComponentID]types.Tick{}
		case v.ByComponent == nil:
			return out
		default:
			out.ByComponent = maps.Clone(v.ByComponent)
		}
		for _, id := range c.Delta.Components().IDs() {
			out.ByComponent[id] = c.Tick
		}
	case change.Delete:
		if v.ByComponent == nil {
			return out
		}
		out.ByComponent = maps.Clone(v.ByComponent)
		for _, id := range prior.Components().IDs() {
			out.ByComponent[id] = c.Tick
		}
	}
	return out
}

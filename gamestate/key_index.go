package gamestate

import (
	"cmp"
	"slices"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/types"
)

// KeyFn returns the keys an entity should be indexed under. changed is false
// when the change cannot have altered the keys, in which case the index is
// left as it is.
type KeyFn[K cmp.Ordered] func(entity *types.Entity, c change.Change) (keys []K, changed bool)

// ComponentKeyFn builds a KeyFn from fn that skips updates not touching any
// of the given components.
func ComponentKeyFn[K cmp.Ordered](fn func(*types.Entity) []K, components ...types.ComponentID) KeyFn[K] {
	watched := types.NewComponentSet(components...)
	return func(entity *types.Entity, c change.Change) ([]K, bool) {
		if c.Kind == change.Update && !c.Delta.Components().Intersects(watched) {
			return nil, false
		}
		return fn(entity), true
	}
}

// KeyIndex maps keys to the entities indexed under them.
type KeyIndex[K cmp.Ordered] struct {
	fn    KeyFn[K]
	byKey map[K]map[types.EntityID]struct{}
	byID  map[types.EntityID][]K
}

func NewKeyIndex[K cmp.Ordered](fn KeyFn[K]) *KeyIndex[K] {
	return &KeyIndex[K]{
		fn:    fn,
		byKey: map[K]map[types.EntityID]struct{}{},
		byID:  map[types.EntityID][]K{},
	}
}

func (x *KeyIndex[K]) Update(c change.Change, entity *types.Entity) {
	if entity == nil {
		x.set(c.ID, nil)
		return
	}
	keys, changed := x.fn(entity, c)
	if !changed {
		return
	}
	x.set(c.ID, keys)
}

func (x *KeyIndex[K]) set(id types.EntityID, keys []K) {
	keys = slices.Compact(slices.Sorted(slices.Values(keys)))
	old := x.byID[id]
	for _, k := range old {
		if _, keep := slices.BinarySearch(keys, k); keep {
			continue
		}
		members := x.byKey[k]
		delete(members, id)
		if len(members) == 0 {
			delete(x.byKey, k)
		}
	}
	for _, k := range keys {
		if _, had := slices.BinarySearch(old, k); had {
			continue
		}
		members, ok := x.byKey[k]
		if !ok {
			members = map[types.EntityID]struct{}{}
			x.byKey[k] = members
		}
		members[id] = struct{}{}
	}
	if len(keys) == 0 {
		delete(x.byID, id)
		return
	}
	x.byID[id] = keys
}

// ScanByKey returns the entities indexed under k in ascending id order.
func (x *KeyIndex[K]) ScanByKey(k K) []types.EntityID {
	members := x.byKey[k]
	out := make([]types.EntityID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// GetKeys returns the keys an entity is indexed under, sorted.
func (x *KeyIndex[K]) GetKeys(id types.EntityID) []K {
	return slices.Clone(x.byID[id])
}

func (x *KeyIndex[K]) Count(k K) int {
	return len(x.byKey[k])
}

func (x *KeyIndex[K]) Clear() {
	x.byKey = map[K]map[types.EntityID]struct{}{}
	x.byID = map[types.EntityID][]K{}
}

package types

import "maps"

// EntityVersion records when an entity and each of its components last
// changed. A nil ByComponent means component-level history is unknown, as is
// the case for entities installed from a bootstrap snapshot.
type EntityVersion struct {
	Tick        Tick
	ByComponent map[ComponentID]Tick
}

// ComponentTick returns the tick at which component c last changed. ok is
// false when no component history is kept; a component missing from the
// history is assumed to have changed at the entity tick.
func (v EntityVersion) ComponentTick(c ComponentID) (tick Tick, ok bool) {
	if v.ByComponent == nil {
		return 0, false
	}
	if t, found := v.ByComponent[c]; found {
		return t, true
	}
	return v.Tick, true
}

func (v EntityVersion) Clone() EntityVersion {
	return EntityVersion{Tick: v.Tick, ByComponent: maps.Clone(v.ByComponent)}
}

package txn

import (
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/types"
)

// CheckIff evaluates one precondition against an entity's version. A nil
// entity is absent.
//
// An entity whose tick is at or before the expected tick always passes, even
// when that tick predates a state the caller never saw; callers rely on
// expected ticks they actually read.
func CheckIff(iff Iff, version types.EntityVersion, entity *types.Entity) bool {
	if iff.Expected == nil {
		return entity != nil
	}
	expected := *iff.Expected
	if version.Tick <= expected {
		return true
	}
	if expected == 0 && entity == nil {
		return true
	}
	if len(iff.Components) == 0 {
		return false
	}
	for _, c := range iff.Components {
		tick, ok := version.ComponentTick(c)
		if !ok || tick > expected {
			return false
		}
	}
	return true
}

// CanApply checks every Iff of the transaction against the table. When it
// fails and eager is not nil, eager receives the changes the caller is
// missing: those for each requested catch-up and for each entity whose Iff
// failed.
func CanApply(cta ChangeToApply, table *gamestate.VersionedTable, eager *change.EagerBuffer) bool {
	ok := true
	var failed []Iff
	for _, iff := range cta.Iffs {
		version, entity := table.GetWithVersion(iff.ID)
		if !CheckIff(iff, version, entity) {
			ok = false
			failed = append(failed, iff)
		}
	}
	if ok || eager == nil {
		return ok
	}
	for _, c := range cta.Catchups {
		version, entity := table.GetWithVersion(c.ID)
		eager.ChangesSince(c.ID, c.From, version, entity)
	}
	for _, iff := range failed {
		var from types.Tick
		if iff.Expected != nil {
			from = *iff.Expected
		}
		version, entity := table.GetWithVersion(iff.ID)
		eager.ChangesSince(iff.ID, from, version, entity)
	}
	return false
}

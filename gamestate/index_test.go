package gamestate_test

import (
	"math"
	"testing"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/types"
)

func labelKeys(e *types.Entity) []string {
	if l, ok := types.LabelC.Get(e); ok {
		return []string{l.Text}
	}
	return nil
}

func newIndexedTable(t *testing.T) (*gamestate.MetaIndexTable, *gamestate.KeyIndex[string], *gamestate.SpatialIndex) {
	m := gamestate.NewMetaIndexTable(gamestate.NewVersionedTable())
	byLabel := gamestate.NewKeyIndex(gamestate.ComponentKeyFn(labelKeys, types.LabelID))
	spatial := gamestate.NewSpatialIndex()
	assert.NilError(t, m.AddIndex("label", byLabel))
	assert.NilError(t, m.AddIndex("spatial", spatial))
	return m, byLabel, spatial
}

func TestKeyIndexFollowsTable(t *testing.T) {
	m, byLabel, _ := newIndexedTable(t)
	m.Apply(
		change.NewCreate(types.NewEntity(1, types.Label{Text: "tree"})).At(1),
		change.NewCreate(types.NewEntity(2, types.Label{Text: "tree"})).At(2),
		change.NewCreate(types.NewEntity(3, types.Label{Text: "rock"})).At(3),
	)
	assert.DeepEqual(t, byLabel.ScanByKey("tree"), []types.EntityID{1, 2})
	assert.Equal(t, byLabel.Count("rock"), 1)

	d := types.NewDelta(2)
	d.Set(types.Label{Text: "rock"})
	m.Apply(change.NewUpdate(d).At(4))
	assert.DeepEqual(t, byLabel.ScanByKey("tree"), []types.EntityID{1})
	assert.DeepEqual(t, byLabel.ScanByKey("rock"), []types.EntityID{2, 3})
	assert.DeepEqual(t, byLabel.GetKeys(2), []string{"rock"})

	m.Apply(change.NewDelete(3).At(5))
	assert.DeepEqual(t, byLabel.ScanByKey("rock"), []types.EntityID{2})
	assert.Empty(t, byLabel.GetKeys(3))
}

func TestKeyIndexSkipsUnrelatedUpdates(t *testing.T) {
	calls := 0
	fn := gamestate.ComponentKeyFn(func(e *types.Entity) []string {
		calls++
		return labelKeys(e)
	}, types.LabelID)
	index := gamestate.NewKeyIndex(fn)
	m := gamestate.NewMetaIndexTable(gamestate.NewVersionedTable())
	assert.NilError(t, m.AddIndex("label", index))

	m.Apply(change.NewCreate(types.NewEntity(1, types.Label{Text: "a"})).At(1))
	d := types.NewDelta(1)
	d.Set(types.Iced{})
	m.Apply(change.NewUpdate(d).At(2))
	assert.Equal(t, calls, 1)
	assert.DeepEqual(t, index.ScanByKey("a"), []types.EntityID{1})
}

func TestAddIndexIndexesExistingEntities(t *testing.T) {
	table := gamestate.NewVersionedTable()
	table.Apply(change.NewCreate(types.NewEntity(1, types.Label{Text: "a"})).At(1))
	m := gamestate.NewMetaIndexTable(table)
	index := gamestate.NewKeyIndex(gamestate.ComponentKeyFn(labelKeys, types.LabelID))
	assert.NilError(t, m.AddIndex("label", index))
	assert.DeepEqual(t, index.ScanByKey("a"), []types.EntityID{1})

	assert.ErrorIs(t, m.AddIndex("label", index), gamestate.ErrDuplicateIndex)

	got, err := gamestate.GetIndex[*gamestate.KeyIndex[string]](m, "label")
	assert.NilError(t, err)
	assert.True(t, got == index)
	_, err = gamestate.GetIndex[*gamestate.SpatialIndex](m, "label")
	assert.ErrorIs(t, err, gamestate.ErrIndexTypeMismatch)
	_, err = gamestate.GetIndex[*gamestate.SpatialIndex](m, "nope")
	assert.ErrorIs(t, err, gamestate.ErrIndexNotFound)

	m.Clear()
	assert.Empty(t, index.ScanByKey("a"))
}

type placement struct {
	p types.Vec3f
	s *types.Vec3f
}

func spatialWith(t *testing.T, placements ...placement) (*gamestate.MetaIndexTable, *gamestate.SpatialIndex) {
	m, _, spatial := newIndexedTable(t)
	for i, pl := range placements {
		e := types.NewEntity(types.EntityID(i+1), types.Position{V: pl.p})
		if pl.s != nil {
			e.Set(types.Size{V: *pl.s})
		}
		m.Apply(change.NewCreate(e).At(types.Tick(i + 1)))
	}
	return m, spatial
}

func length(v types.Vec3f) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func TestScanSphereSinglePoint(t *testing.T) {
	_, index := spatialWith(t, placement{p: types.Vec3f{0, 0, 2}})
	assert.Empty(t, index.ScanSphere(types.Vec3f{}, 1))
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{}, 2), []types.EntityID{1})
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{}, 3), []types.EntityID{1})
}

func TestScanAabbIsHalfOpen(t *testing.T) {
	_, index := spatialWith(t,
		placement{p: types.Vec3f{0, 0, 2}},
		placement{p: types.Vec3f{0, 0, 3}},
		placement{p: types.Vec3f{0, 0, 4}},
		placement{p: types.Vec3f{0, 0, -5}},
	)
	box := func(lo, hi float64) gamestate.AABB {
		return gamestate.AABB{Min: types.Vec3f{lo, lo, lo}, Max: types.Vec3f{hi, hi, hi}}
	}
	assert.Empty(t, index.ScanAabb(box(-1, 1)))
	assert.Empty(t, index.ScanAabb(box(-2, 2)))
	assert.DeepEqual(t, index.ScanAabb(box(-3, 3)), []types.EntityID{1})
	assert.DeepEqual(t, index.ScanAabb(box(-4, 4)), []types.EntityID{1, 2})
	assert.DeepEqual(t, index.ScanAabb(gamestate.AABB{
		Min: types.Vec3f{-4, -4, -4},
		Max: types.Vec3f{4, 4, 4.0001},
	}), []types.EntityID{1, 2, 3})
	assert.DeepEqual(t, index.ScanAabb(box(-5, 5)), []types.EntityID{1, 2, 3, 4})
}

func TestScanSphereAcrossShards(t *testing.T) {
	_, index := spatialWith(t,
		placement{p: types.Vec3f{0, 0, 34}},
		placement{p: types.Vec3f{0, 0, 65}},
		placement{p: types.Vec3f{97, 0, 0}},
	)
	assert.Empty(t, index.ScanSphere(types.Vec3f{}, 33))
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{}, 34), []types.EntityID{1})
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{}, 65), []types.EntityID{1, 2})
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{}, 97), []types.EntityID{1, 2, 3})
}

func TestScanSphereDiagonal(t *testing.T) {
	_, index := spatialWith(t, placement{p: types.Vec3f{33, 33, 33}})
	c := types.Vec3f{31, 31, 31}
	assert.Empty(t, index.ScanSphere(c, length(types.Vec3f{2, 2, 2})-0.1))
	assert.DeepEqual(t, index.ScanSphere(c, length(types.Vec3f{2, 2, 2})+0.1), []types.EntityID{1})
	assert.Empty(t, index.ScanSphere(types.Vec3f{}, length(types.Vec3f{33, 33, 33})-0.5))
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{}, length(types.Vec3f{33, 33, 33})+0.5), []types.EntityID{1})
}

func TestSizedEntities(t *testing.T) {
	m, index := spatialWith(t,
		placement{p: types.Vec3f{0, 0, 2}},
		placement{p: types.Vec3f{0, 0, 3}},
		placement{p: types.Vec3f{0, 0, 4}},
		placement{p: types.Vec3f{0, 0, 5}, s: &types.Vec3f{1, 1, 2}},
	)
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{}, 4), []types.EntityID{1, 2, 3, 4})
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{0, 0, 8}, 2), []types.EntityID{4})
	assert.Empty(t, index.ScanSphere(types.Vec3f{0, 0, 8}, 1))
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{0, 0, 5}, 0.1), []types.EntityID{4})
	assert.DeepEqual(t, index.ScanPoint(types.Vec3f{0, 0.5, 6}), []types.EntityID{4})

	d := types.NewDelta(4)
	d.Set(types.Position{V: types.Vec3f{0, 0, 50}})
	m.Apply(change.NewUpdate(d).At(10))
	assert.Empty(t, index.ScanSphere(types.Vec3f{0, 0, 8}, 2))
	assert.DeepEqual(t, index.ScanPoint(types.Vec3f{0, 0, 50}), []types.EntityID{4})

	d = types.NewDelta(4)
	d.Delete(types.PositionID)
	m.Apply(change.NewUpdate(d).At(11))
	assert.Empty(t, index.GetKeys(4))
	assert.Equal(t, index.Len(), 3)
}

func TestSpatialKeysUseExclusiveUpperBound(t *testing.T) {
	size := &types.Vec3f{32, 32, 32}
	_, index := spatialWith(t,
		placement{p: types.Vec3f{16, 0, 16}, s: size},
		placement{p: types.Vec3f{48, 32, 48}, s: size},
		placement{p: types.Vec3f{-16, -32, -16}, s: size},
		placement{p: types.Vec3f{-0.5, 1, 40}},
	)
	assert.DeepEqual(t, index.GetKeys(1), []gamestate.Cell{{0, 0, 0}})
	assert.DeepEqual(t, index.GetKeys(2), []gamestate.Cell{{1, 1, 1}})
	assert.DeepEqual(t, index.GetKeys(3), []gamestate.Cell{{-1, -1, -1}})
	assert.DeepEqual(t, index.GetKeys(4), []gamestate.Cell{{-1, 0, 1}})

	// A box ending on a cell boundary is found by a query starting on it.
	assert.DeepEqual(t, index.ScanPoint(types.Vec3f{32, 32, 32}), []types.EntityID{1, 2})
}

func TestWideScans(t *testing.T) {
	_, empty := spatialWith(t)
	assert.Empty(t, empty.ScanSphere(types.Vec3f{}, 3e4))
	assert.Empty(t, empty.ScanAabb(gamestate.AABB{
		Min: types.Vec3f{-1e12, -1e12, -1e12},
		Max: types.Vec3f{1e12, 1e12, 1e12},
	}))

	_, index := spatialWith(t,
		placement{p: types.Vec3f{0, 0, 2}},
		placement{p: types.Vec3f{5e11, -5e11, 1e20}},
	)
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{}, 1e4), []types.EntityID{1})
	assert.DeepEqual(t, index.ScanPoint(types.Vec3f{5e11, -5e11, 1e20}), []types.EntityID{2})
	assert.DeepEqual(t, index.ScanAabb(gamestate.AABB{
		Min: types.Vec3f{-math.MaxFloat64, -math.MaxFloat64, -math.MaxFloat64},
		Max: types.Vec3f{math.MaxFloat64, math.MaxFloat64, math.MaxFloat64},
	}), []types.EntityID{1, 2})
}

func TestHugeEntity(t *testing.T) {
	m, index := spatialWith(t,
		placement{p: types.Vec3f{0, 0, 0}, s: &types.Vec3f{1e5, 1e5, 1e5}},
		placement{p: types.Vec3f{0, 0, 2}},
	)
	assert.Empty(t, index.GetKeys(1))
	assert.DeepEqual(t, index.ScanPoint(types.Vec3f{4e4, 4e4, -4e4}), []types.EntityID{1})
	assert.DeepEqual(t, index.ScanSphere(types.Vec3f{0, 0, 2}, 1), []types.EntityID{1, 2})
	assert.Empty(t, index.ScanPoint(types.Vec3f{0, -1, 0}))

	// shrinking the entity keys it by cell again
	d := types.NewDelta(1)
	d.Set(types.Size{V: types.Vec3f{1, 1, 1}})
	m.Apply(change.NewUpdate(d).At(3))
	assert.DeepEqual(t, index.GetKeys(1), []gamestate.Cell{{-1, 0, -1}, {-1, 0, 0}, {0, 0, -1}, {0, 0, 0}})
	assert.Empty(t, index.ScanPoint(types.Vec3f{4e4, 4e4, -4e4}))
}

func TestOverlay(t *testing.T) {
	m, _, spatial := newIndexedTable(t)
	m.Apply(change.NewCreate(types.NewEntity(1, types.Label{Text: "cart"})).At(4))

	moved := types.NewDelta(1)
	moved.Set(types.Position{V: types.Vec3f{40, 0, 0}})
	ghost := types.NewDelta(2)
	ghost.Set(types.Position{})
	applied := m.Overlay(moved, ghost)
	assert.DeepEqual(t, []change.Change{change.NewUpdate(moved).At(4)}, applied)

	v, e := m.GetWithVersion(1)
	assert.DeepEqual(t, v, types.EntityVersion{Tick: 4, ByComponent: map[types.ComponentID]types.Tick{types.LabelID: 4}})
	assert.Entity(t, types.NewEntity(1, types.Label{Text: "cart"}, types.Position{V: types.Vec3f{40, 0, 0}}), e)
	assert.Nil(t, m.Get(2))
	assert.DeepEqual(t, spatial.ScanPoint(types.Vec3f{40, 0, 0}), []types.EntityID{1})

	// a later change at the same tick is still stale
	assert.Empty(t, m.Apply(change.NewDelete(1).At(4)))
}

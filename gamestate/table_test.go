package gamestate_test

import (
	"testing"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/types"
)

type ticks = map[types.ComponentID]types.Tick

func TestApplyCreateUpdateDelete(t *testing.T) {
	table := gamestate.NewVersionedTable()

	applied := table.Apply(change.NewCreate(types.NewEntity(1, types.Label{Text: "a"})).At(5))
	assert.Len(t, applied, 1)
	v, e := table.GetWithVersion(1)
	assert.DeepEqual(t, v, types.EntityVersion{Tick: 5, ByComponent: ticks{types.LabelID: 5}})
	assert.Entity(t, types.NewEntity(1, types.Label{Text: "a"}), e)

	d := types.NewDelta(1)
	d.Set(types.Iced{})
	table.Apply(change.NewUpdate(d).At(6))
	v, e = table.GetWithVersion(1)
	assert.DeepEqual(t, v, types.EntityVersion{Tick: 6, ByComponent: ticks{types.LabelID: 5, types.IcedID: 6}})
	assert.Entity(t, types.NewEntity(1, types.Label{Text: "a"}, types.Iced{}), e)

	table.Apply(change.NewDelete(1).At(7))
	assert.Nil(t, table.Get(1))
	v, _ = table.GetWithVersion(1)
	assert.Equal(t, v.Tick, types.Tick(0))
	assert.Equal(t, table.Len(), 0)
	assert.Equal(t, table.Tick(), types.Tick(7))
}

func TestApplyIsIdempotent(t *testing.T) {
	table := gamestate.NewVersionedTable()
	create := change.NewCreate(types.NewEntity(1, types.Label{Text: "a"})).At(5)
	stale := change.NewCreate(types.NewEntity(1, types.Label{Text: "old"})).At(4)

	assert.Len(t, table.Apply(create), 1)
	assert.Len(t, table.Apply(create), 0)
	assert.Len(t, table.Apply(stale), 0)
	assert.Entity(t, types.NewEntity(1, types.Label{Text: "a"}), table.Get(1))
}

func TestTombstonesKeepDeletionVersion(t *testing.T) {
	table := gamestate.NewVersionedTable(gamestate.WithTombstones())
	table.Apply(change.NewCreate(types.NewEntity(1, types.Label{Text: "a"})).At(43))
	table.Apply(change.NewDelete(1).At(44))

	v, e := table.GetWithVersion(1)
	assert.Nil(t, e)
	assert.DeepEqual(t, v, types.EntityVersion{Tick: 44, ByComponent: ticks{types.LabelID: 44}})

	// A create on top of a deletion keeps the history of untouched components.
	table.Apply(change.NewCreate(types.NewEntity(1, types.Iced{})).At(45))
	v, _ = table.GetWithVersion(1)
	assert.DeepEqual(t, v, types.EntityVersion{Tick: 45, ByComponent: ticks{types.LabelID: 44, types.IcedID: 45}})
	assert.Equal(t, table.Len(), 1)
}

func TestCreateStampsReplacedComponents(t *testing.T) {
	table := gamestate.NewVersionedTable()
	table.Apply(change.NewCreate(types.NewEntity(1, types.Label{Text: "a"}, types.Iced{})).At(1))
	table.Apply(change.NewCreate(types.NewEntity(1, types.Iced{})).At(2))

	v, e := table.GetWithVersion(1)
	assert.DeepEqual(t, v.ByComponent, ticks{types.LabelID: 2, types.IcedID: 2})
	assert.Entity(t, types.NewEntity(1, types.Iced{}), e)
}

func TestUpdateWithoutHistoryStaysWithoutHistory(t *testing.T) {
	table := gamestate.NewVersionedTable()
	assert.True(t, table.Load(1, types.EntityVersion{Tick: 10}, types.NewEntity(1, types.Iced{})))

	d := types.NewDelta(1)
	d.Set(types.Label{Text: "b"})
	table.Apply(change.NewUpdate(d).At(11))
	v, _ := table.GetWithVersion(1)
	assert.Equal(t, v.Tick, types.Tick(11))
	assert.Nil(t, v.ByComponent)
}

func TestLoadIgnoresOlderVersions(t *testing.T) {
	table := gamestate.NewVersionedTable()
	table.Apply(change.NewCreate(types.NewEntity(1, types.Label{Text: "new"})).At(5))
	assert.False(t, table.Load(1, types.EntityVersion{Tick: 5}, types.NewEntity(1, types.Label{Text: "old"})))
	assert.True(t, table.Load(1, types.EntityVersion{Tick: 6}, nil))
	assert.Nil(t, table.Get(1))
}

func TestAllIteratesLiveEntitiesInOrder(t *testing.T) {
	table := gamestate.NewVersionedTable(gamestate.WithTombstones())
	table.Apply(
		change.NewCreate(types.NewEntity(3)).At(1),
		change.NewCreate(types.NewEntity(1)).At(2),
		change.NewCreate(types.NewEntity(2)).At(3),
		change.NewDelete(2).At(4),
	)
	var ids []types.EntityID
	for id := range table.All() {
		ids = append(ids, id)
	}
	assert.DeepEqual(t, ids, []types.EntityID{1, 3})
}

type recordingListener struct {
	applied []change.Change
	cleared int
}

func (r *recordingListener) Applied(c change.Change, _ *types.Entity) { r.applied = append(r.applied, c) }
func (r *recordingListener) Cleared()                                 { r.cleared++ }

func TestListenersSeeOnlyEffectiveChanges(t *testing.T) {
	table := gamestate.NewVersionedTable()
	l := &recordingListener{}
	table.OnChange(l)

	table.Apply(
		change.NewDelete(9).At(1),
		change.NewCreate(types.NewEntity(1)).At(2),
		change.NewCreate(types.NewEntity(1)).At(2),
	)
	assert.Len(t, l.applied, 1)
	table.Clear()
	assert.Equal(t, l.cleared, 1)
	assert.Equal(t, table.Len(), 0)
}

func TestCommitAppliesChangesSharingATick(t *testing.T) {
	table := gamestate.NewVersionedTable(gamestate.WithTombstones())
	d := types.NewDelta(1)
	d.Set(types.Iced{})
	applied := table.Commit(
		change.NewCreate(types.NewEntity(1, types.Label{Text: "a"})).At(3),
		change.NewUpdate(d).At(3),
	)
	assert.Len(t, applied, 2)
	assert.Entity(t, types.NewEntity(1, types.Label{Text: "a"}, types.Iced{}), table.Get(1))

	// Apply would have dropped the second change.
	other := gamestate.NewVersionedTable()
	applied = other.Apply(
		change.NewCreate(types.NewEntity(1, types.Label{Text: "a"})).At(3),
		change.NewUpdate(d).At(3),
	)
	assert.Len(t, applied, 1)
}

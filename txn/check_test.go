package txn_test

import (
	"testing"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

const e types.EntityID = 10

func TestCheckIffExistence(t *testing.T) {
	live := types.NewEntity(e)
	assert.True(t, txn.CheckIff(txn.Exists(e), types.EntityVersion{Tick: 3}, live))
	assert.False(t, txn.CheckIff(txn.Exists(e), types.EntityVersion{Tick: 3}, nil))
}

func TestCheckIffTicks(t *testing.T) {
	v := types.EntityVersion{Tick: 6, ByComponent: map[types.ComponentID]types.Tick{
		types.LabelID:    5,
		types.PositionID: 6,
	}}
	entity := types.NewEntity(e, types.Label{Text: "Hi"}, types.Position{})

	assert.True(t, txn.CheckIff(txn.AtTick(e, 6), v, entity))
	assert.True(t, txn.CheckIff(txn.AtTick(e, 7), v, entity))
	assert.False(t, txn.CheckIff(txn.AtTick(e, 5), v, entity))
	assert.True(t, txn.CheckIff(txn.AtTick(e, 5, types.LabelID), v, entity))
	assert.False(t, txn.CheckIff(txn.AtTick(e, 5, types.LabelID, types.PositionID), v, entity))
	// Components without history are assumed to have changed with the entity.
	assert.False(t, txn.CheckIff(txn.AtTick(e, 5, types.HealthID), v, entity))
}

func TestCheckIffWithoutComponentHistory(t *testing.T) {
	v := types.EntityVersion{Tick: 6}
	entity := types.NewEntity(e, types.Label{Text: "Hi"})
	assert.False(t, txn.CheckIff(txn.AtTick(e, 5, types.LabelID), v, entity))
	assert.True(t, txn.CheckIff(txn.AtTick(e, 6, types.LabelID), v, entity))
}

func TestCheckIffAbsence(t *testing.T) {
	assert.True(t, txn.CheckIff(txn.Absent(e), types.EntityVersion{}, nil))
	assert.True(t, txn.CheckIff(txn.Absent(e), types.EntityVersion{Tick: 44}, nil))
	assert.False(t, txn.CheckIff(txn.Absent(e), types.EntityVersion{Tick: 44}, types.NewEntity(e)))
}

func TestCheckIffDeletedComponents(t *testing.T) {
	v := types.EntityVersion{Tick: 44, ByComponent: map[types.ComponentID]types.Tick{types.GrabBagID: 44}}
	assert.False(t, txn.CheckIff(txn.AtTick(e, 5, types.GrabBagID), v, nil))
	assert.True(t, txn.CheckIff(txn.AtTick(e, 44, types.GrabBagID), v, nil))
}

// Caller A moves E at tick 6; caller B, who read E at tick 5, may still
// relabel it because the label has not changed since.
func TestDisjointComponentWritesDoNotConflict(t *testing.T) {
	table := gamestate.NewVersionedTable()
	table.Apply(change.NewCreate(types.NewEntity(e, types.Label{Text: "Hi"})).At(5))

	moveA := txn.ChangeToApply{Iffs: []txn.Iff{txn.AtTick(e, 5)}}
	assert.True(t, txn.CanApply(moveA, table, nil))
	d := types.NewDelta(e)
	d.Set(types.Position{V: types.Vec3f{1, 2, 3}})
	table.Apply(change.NewUpdate(d).At(6))

	v, _ := table.GetWithVersion(e)
	assert.Equal(t, v.ByComponent[types.PositionID], types.Tick(6))

	labelB := txn.ChangeToApply{Iffs: []txn.Iff{txn.AtTick(e, 5, types.LabelID)}}
	assert.True(t, txn.CanApply(labelB, table, nil))

	whole := txn.ChangeToApply{Iffs: []txn.Iff{txn.AtTick(e, 5)}}
	assert.False(t, txn.CanApply(whole, table, nil))
}

func TestCanApplyFillsCatchups(t *testing.T) {
	table := gamestate.NewVersionedTable()
	table.Apply(
		change.NewCreate(types.NewEntity(e, types.Label{Text: "Hi"})).At(5),
		change.NewCreate(types.NewEntity(e+1, types.Iced{})).At(6),
	)
	d := types.NewDelta(e)
	d.Set(types.Label{Text: "Bye"})
	table.Apply(change.NewUpdate(d).At(7))

	var eager change.EagerBuffer
	cta := txn.ChangeToApply{
		Iffs:     []txn.Iff{txn.AtTick(e, 5, types.LabelID)},
		Catchups: []txn.Catchup{{ID: e + 1, From: 0}},
	}
	assert.False(t, txn.CanApply(cta, table, &eager))
	got := eager.Pop()
	assert.Len(t, got, 2)
	assert.Equal(t, got[0].Kind, change.Create)
	assert.Equal(t, got[0].ID, e+1)
	assert.Equal(t, got[1].Kind, change.Update)
	assert.Equal(t, got[1].Tick, types.Tick(7))
	assert.Components(t, got[1].Delta.Values.Components(), types.LabelID)

	// Nothing is pushed for transactions that pass.
	ok := txn.ChangeToApply{Iffs: []txn.Iff{txn.AtTick(e, 7)}, Catchups: []txn.Catchup{{ID: e + 1}}}
	assert.True(t, txn.CanApply(ok, table, &eager))
	assert.True(t, eager.Empty())
}

func TestIffString(t *testing.T) {
	assert.Equal(t, txn.Exists(3).String(), "[3]")
	assert.Equal(t, txn.AtTick(3, 5, types.LabelID).String(), "[3, 5, label]")
}

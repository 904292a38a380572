package hfc_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/hfc"
	"pkg.world.dev/world-engine/worldstore/storage/memory"
	"pkg.world.dev/world-engine/worldstore/storage/redisstore"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
	"pkg.world.dev/world-engine/worldstore/world"
)

func update(id types.EntityID, components ...types.Component) change.ProposedChange {
	d := types.NewDelta(id)
	for _, c := range components {
		d.Set(c)
	}
	return change.NewUpdate(d)
}

func TestClassifyChangeToApply(t *testing.T) {
	removeHealth := types.NewDelta(1)
	removeHealth.Delete(types.HealthID)
	removePosition := types.NewDelta(1)
	removePosition.Delete(types.PositionID)

	tests := []struct {
		name    string
		changes []change.ProposedChange
		want    hfc.Class
	}{
		{"empty", nil, hfc.Unclassified},
		{"position", []change.ProposedChange{update(1, types.Position{})}, hfc.HFC},
		{"label", []change.ProposedChange{update(1, types.Label{Text: "a"})}, hfc.RC},
		{"removed hfc component", []change.ProposedChange{change.NewUpdate(removePosition)}, hfc.HFC},
		{"removed regular component", []change.ProposedChange{change.NewUpdate(removeHealth)}, hfc.RC},
		{"delete", []change.ProposedChange{change.NewDelete(1)}, hfc.RC},
		{"create with hfc only", []change.ProposedChange{
			change.NewCreate(types.NewEntity(1, types.Position{}, types.Orientation{})),
		}, hfc.HFC},
		{"mixed in one change", []change.ProposedChange{update(1, types.Position{}, types.Label{})}, hfc.Mixed},
		{"mixed across changes", []change.ProposedChange{
			update(1, types.NpcState{}),
			update(2, types.Health{HP: 1, MaxHP: 1}),
		}, hfc.Mixed},
		{"hfc and delete", []change.ProposedChange{update(1, types.Position{}), change.NewDelete(2)}, hfc.Mixed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := hfc.ClassifyChangeToApply(txn.ChangeToApply{Changes: tc.changes})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyIgnoresIffs(t *testing.T) {
	cta := txn.ChangeToApply{
		Iffs:    []txn.Iff{txn.AtTick(1, 4, types.PositionID)},
		Changes: []change.ProposedChange{update(1, types.Label{Text: "moved"})},
	}
	assert.Equal(t, hfc.RC, hfc.ClassifyChangeToApply(cta))
}

func TestPartitionDeltasToUpdates(t *testing.T) {
	mixed := types.NewDelta(1)
	mixed.Set(types.Position{V: types.Vec3f{1, 2, 3}})
	mixed.Set(types.Label{Text: "a"})
	mixed.Delete(types.EmoteID)
	mixed.Delete(types.IcedID)
	onlyRC := types.NewDelta(2)
	onlyRC.Set(types.Health{HP: 1, MaxHP: 1})

	rc, hfcChanges := hfc.PartitionDeltasToUpdates([]types.Delta{mixed, onlyRC, types.NewDelta(3)})

	wantRC1 := types.NewDelta(1)
	wantRC1.Set(types.Label{Text: "a"})
	wantRC1.Delete(types.IcedID)
	wantHFC := types.NewDelta(1)
	wantHFC.Set(types.Position{V: types.Vec3f{1, 2, 3}})
	wantHFC.Delete(types.EmoteID)

	assert.DeepEqual(t, []change.ProposedChange{change.NewUpdate(wantRC1), change.NewUpdate(onlyRC)}, rc)
	assert.DeepEqual(t, []change.ProposedChange{change.NewUpdate(wantHFC)}, hfcChanges)
}

func newHFCStore(t *testing.T) *redisstore.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return redisstore.New(client, redisstore.Options{Namespace: "hfc"})
}

func TestGetMergesPartitions(t *testing.T) {
	ctx := context.Background()
	rc := memory.New()
	hw := hfc.NewHybridWorld(rc, newHFCStore(t), nil)

	_, err := hw.Apply(ctx, txn.ChangeToApply{
		Iffs:    []txn.Iff{txn.Absent(1)},
		Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, types.Label{Text: "npc"}))},
	})
	assert.NilError(t, err)

	d := types.NewDelta(1)
	d.Set(types.Position{V: types.Vec3f{4, 5, 6}})
	d.Set(types.Health{HP: 3, MaxHP: 9})
	result, err := hw.ApplyDeltas(ctx, d)
	assert.NilError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 2, len(result.Outcomes))

	// an HFC write for an entity the regular partition does not know is not visible
	_, err = hw.ApplyDeltas(ctx, func() types.Delta {
		orphan := types.NewDelta(2)
		orphan.Set(types.Position{})
		return orphan
	}())
	assert.NilError(t, err)

	states, err := hw.GetWithVersion(ctx, 1, 2)
	assert.NilError(t, err)
	assert.Entity(t, types.NewEntity(1,
		types.Label{Text: "npc"},
		types.Position{V: types.Vec3f{4, 5, 6}},
		types.Health{HP: 3, MaxHP: 9},
	), states[0].Entity)
	assert.Equal(t, types.Tick(2), states[0].Version.Tick)
	assert.Nil(t, states[1].Entity)

	rcStates, err := rc.GetWithVersion(ctx, 1)
	assert.NilError(t, err)
	assert.False(t, types.PositionC.Has(rcStates[0].Entity))
}

func TestMixedTransactionIsRejected(t *testing.T) {
	ctx := context.Background()
	rc, hfcStore := memory.New(), memory.New()
	hw := hfc.NewHybridWorld(rc, hfcStore, nil)

	_, err := hw.Apply(ctx,
		txn.ChangeToApply{Changes: []change.ProposedChange{update(1, types.Label{})}},
		txn.ChangeToApply{Changes: []change.ProposedChange{update(1, types.Position{}, types.Label{})}},
	)
	assert.ErrorIs(t, err, hfc.ErrMixedTransaction)

	// nothing reached either partition
	tick, err := rc.Tick(ctx)
	assert.NilError(t, err)
	assert.Equal(t, types.Tick(0), tick)
	tick, err = hfcStore.Tick(ctx)
	assert.NilError(t, err)
	assert.Equal(t, types.Tick(0), tick)
}

func TestOutcomesKeepSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	hw := hfc.NewHybridWorld(memory.New(), memory.New(), nil)

	result, err := hw.Apply(ctx,
		txn.ChangeToApply{
			// blind: the Iff would fail against either partition
			Iffs:    []txn.Iff{txn.Exists(5)},
			Changes: []change.ProposedChange{update(5, types.Position{})},
		},
		txn.ChangeToApply{
			Iffs:     []txn.Iff{txn.Exists(6)},
			Changes:  []change.ProposedChange{update(6, types.Label{})},
			Catchups: []txn.Catchup{{ID: 6}},
		},
		txn.ChangeToApply{Changes: []change.ProposedChange{update(7, types.Label{})}},
	)
	assert.NilError(t, err)
	assert.DeepEqual(t, []txn.ApplyStatus{txn.Success, txn.Conflict, txn.Success}, result.Outcomes)
	assert.Equal(t, 2, len(result.Changes))
}

func TestDeletesFollowToHFC(t *testing.T) {
	ctx := context.Background()
	hfcStore := newHFCStore(t)
	hw := hfc.NewHybridWorld(memory.New(), hfcStore, nil)

	_, err := hw.Apply(ctx,
		txn.ChangeToApply{Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, types.Label{}))}},
		txn.ChangeToApply{Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, types.Position{}))}},
	)
	assert.NilError(t, err)

	result, err := hw.Apply(ctx, txn.ChangeToApply{
		Iffs:    []txn.Iff{txn.Exists(1)},
		Changes: []change.ProposedChange{change.NewDelete(1)},
	})
	assert.NilError(t, err)
	assert.True(t, result.Succeeded())
	// one delete from each partition
	assert.Equal(t, 2, len(result.Changes))

	states, err := hfcStore.GetWithVersion(ctx, 1)
	assert.NilError(t, err)
	assert.Nil(t, states[0].Entity)
}

// unavailableWorld reads from its store but fails every write.
type unavailableWorld struct {
	world.World
}

func (unavailableWorld) Apply(context.Context, ...txn.ChangeToApply) (*txn.ApplyResult, error) {
	return nil, eris.New("hfc partition unavailable")
}

func TestFailedHFCDeleteKeepsCommittedOutcome(t *testing.T) {
	ctx := context.Background()
	rc := memory.New()
	hw := hfc.NewHybridWorld(rc, unavailableWorld{memory.New()}, nil)
	_, err := hw.Apply(ctx, txn.ChangeToApply{
		Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, types.Label{Text: "p"}))},
	})
	assert.NilError(t, err)

	ed := world.NewEditor(hw)
	p, err := ed.GetOne(ctx, 1)
	assert.NilError(t, err)
	p.Remove()
	result, err := ed.Commit(ctx)
	assert.NilError(t, err)
	assert.True(t, result.Succeeded())
	assert.DeepEqual(t, []change.Change{change.NewDelete(1).At(2)}, result.Changes)

	states, err := rc.GetWithVersion(ctx, 1)
	assert.NilError(t, err)
	assert.Nil(t, states[0].Entity)
}

func TestEditorOverHybridWorld(t *testing.T) {
	ctx := context.Background()
	hw := hfc.NewHybridWorld(memory.New(), newHFCStore(t), nil)
	_, err := hw.Apply(ctx, txn.ChangeToApply{
		Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, types.Label{Text: "p"}))},
	})
	assert.NilError(t, err)

	move := func(x float64) error {
		ed := world.NewEditor(hw)
		p, err := ed.GetOne(ctx, 1)
		if err != nil {
			return err
		}
		pos, _ := world.Read(p, types.PositionC)
		pos.V[0] += x
		world.Write(p, types.PositionC, pos)
		_, err = ed.Commit(ctx)
		return err
	}
	assert.NilError(t, move(1))
	assert.NilError(t, move(2))

	ed := world.NewEditor(hw)
	p, err := ed.GetOne(ctx, 1)
	assert.NilError(t, err)
	pos, ok := world.Read(p, types.PositionC)
	assert.True(t, ok)
	assert.Equal(t, 3.0, pos.V[0])

	// writing both classes through one editor is refused
	world.Write(p, types.LabelC, types.Label{Text: "q"})
	world.Write(p, types.PositionC, types.Position{})
	_, err = ed.Commit(ctx)
	assert.ErrorIs(t, err, hfc.ErrMixedTransaction)
}

// Package storagetest is a conformance suite for storage.Store
// implementations. Every backend runs the same cases so that the in-memory
// store can stand in for Redis in tests of the layers above it.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/filter"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/storage"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

// Factory returns an empty store.
type Factory func(t *testing.T) storage.Store

// Run executes every conformance case against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateAssignsTick", testCreateAssignsTick},
		{"CreateReplacesExisting", testCreateReplacesExisting},
		{"UpdateSetsAndDeletes", testUpdateSetsAndDeletes},
		{"UpdateOfAbsentEntityCreatesIt", testUpdateOfAbsentEntityCreatesIt},
		{"DeleteLeavesTombstone", testDeleteLeavesTombstone},
		{"DeleteOfAbsentEntityIsNoop", testDeleteOfAbsentEntityIsNoop},
		{"RecreateAfterDelete", testRecreateAfterDelete},
		{"SeveralChangesToOneEntity", testSeveralChangesToOneEntity},
		{"ExistsIffFails", testExistsIffFails},
		{"EntityVersionIff", testEntityVersionIff},
		{"ComponentVersionIff", testComponentVersionIff},
		{"AbsentIffOnExistingEntity", testAbsentIffOnExistingEntity},
		{"CatchupsWithoutChanges", testCatchupsWithoutChanges},
		{"ConflictWithinBatch", testConflictWithinBatch},
		{"MalformedSibling", testMalformedSibling},
		{"FilteredGet", testFilteredGet},
		{"FilteredGetSince", testFilteredGetSince},
		{"BootstrapPages", testBootstrapPages},
		{"BootstrapFilter", testBootstrapFilter},
		{"BootstrapRejectsEmptyPages", testBootstrapRejectsEmptyPages},
		{"StreamLinksEntries", testStreamLinksEntries},
		{"ReadStreamBlocks", testReadStreamBlocks},
		{"EventsAndLeaderboard", testEventsAndLeaderboard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func apply(t *testing.T, s storage.Store, txs ...txn.ChangeToApply) *txn.ApplyResult {
	t.Helper()
	result, err := s.Apply(context.Background(), txs...)
	assert.NilError(t, err)
	assert.Equal(t, len(txs), len(result.Outcomes))
	return result
}

func mustSucceed(t *testing.T, s storage.Store, txs ...txn.ChangeToApply) *txn.ApplyResult {
	t.Helper()
	result := apply(t, s, txs...)
	for i, outcome := range result.Outcomes {
		assert.Equal(t, txn.Success, outcome, "transaction %d", i)
	}
	return result
}

func get(t *testing.T, s storage.Store, id types.EntityID) gamestate.EntityState {
	t.Helper()
	states, err := s.GetWithVersion(context.Background(), id)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(states))
	assert.Equal(t, id, states[0].ID)
	return states[0]
}

func create(e *types.Entity) txn.ChangeToApply {
	return txn.ChangeToApply{Changes: []change.ProposedChange{change.NewCreate(e)}}
}

func update(d types.Delta, iffs ...txn.Iff) txn.ChangeToApply {
	return txn.ChangeToApply{Iffs: iffs, Changes: []change.ProposedChange{change.NewUpdate(d)}}
}

func remove(id types.EntityID, iffs ...txn.Iff) txn.ChangeToApply {
	return txn.ChangeToApply{Iffs: iffs, Changes: []change.ProposedChange{change.NewDelete(id)}}
}

func delta(id types.EntityID, set []types.Component, deleted ...types.ComponentID) types.Delta {
	d := types.NewDelta(id)
	for _, v := range set {
		d.Set(v)
	}
	for _, c := range deleted {
		d.Delete(c)
	}
	return d
}

func tickOf(t *testing.T, s storage.Store) types.Tick {
	t.Helper()
	tick, err := s.Tick(context.Background())
	assert.NilError(t, err)
	return tick
}

var (
	label    = types.Label{Text: "the cave"}
	health   = types.Health{HP: 7, MaxHP: 10}
	position = types.Position{V: types.Vec3f{1, 2, 3}}
	grabBag  = types.GrabBag{Slots: types.ItemBag{"ore": 3}, Mined: true}
)

func testCreateAssignsTick(t *testing.T, s storage.Store) {
	e := types.NewEntity(1, label, position)
	result := mustSucceed(t, s, create(e))
	assert.DeepEqual(t, []change.Change{change.NewCreate(e).At(1)}, result.Changes)
	assert.Equal(t, 0, len(result.Catchups))
	assert.Equal(t, types.Tick(1), tickOf(t, s))

	state := get(t, s, 1)
	assert.Entity(t, e, state.Entity)
	assert.DeepEqual(t, types.EntityVersion{
		Tick:        1,
		ByComponent: map[types.ComponentID]types.Tick{types.LabelID: 1, types.PositionID: 1},
	}, state.Version)
}

func testCreateReplacesExisting(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label, health)))
	mustSucceed(t, s, create(types.NewEntity(1, position)))

	state := get(t, s, 1)
	assert.Entity(t, types.NewEntity(1, position), state.Entity)
	assert.DeepEqual(t, types.EntityVersion{
		Tick: 2,
		ByComponent: map[types.ComponentID]types.Tick{
			types.LabelID: 2, types.HealthID: 2, types.PositionID: 2,
		},
	}, state.Version)
}

func testUpdateSetsAndDeletes(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label, health)))
	d := delta(1, []types.Component{position}, types.HealthID)
	result := mustSucceed(t, s, update(d, txn.AtTick(1, 1)))
	assert.DeepEqual(t, []change.Change{change.NewUpdate(d).At(2)}, result.Changes)

	state := get(t, s, 1)
	assert.Entity(t, types.NewEntity(1, label, position), state.Entity)
	assert.DeepEqual(t, types.EntityVersion{
		Tick: 2,
		ByComponent: map[types.ComponentID]types.Tick{
			types.LabelID: 1, types.HealthID: 2, types.PositionID: 2,
		},
	}, state.Version)
}

func testUpdateOfAbsentEntityCreatesIt(t *testing.T, s storage.Store) {
	mustSucceed(t, s, update(delta(4, []types.Component{label})))
	state := get(t, s, 4)
	assert.Entity(t, types.NewEntity(4, label), state.Entity)
	assert.Equal(t, types.Tick(1), state.Version.Tick)
}

func testDeleteLeavesTombstone(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label, grabBag)))
	result := mustSucceed(t, s, remove(1, txn.Exists(1)))
	assert.DeepEqual(t, []change.Change{change.NewDelete(1).At(2)}, result.Changes)

	state := get(t, s, 1)
	assert.Nil(t, state.Entity)
	assert.DeepEqual(t, types.EntityVersion{
		Tick:        2,
		ByComponent: map[types.ComponentID]types.Tick{types.LabelID: 2, types.GrabBagID: 2},
	}, state.Version)

	// a stale reader learns about the delete
	result = apply(t, s, update(delta(1, []types.Component{health}), txn.AtTick(1, 1)))
	assert.Equal(t, txn.Conflict, result.Outcomes[0])
	assert.DeepEqual(t, []change.Change{change.NewDelete(1).At(2)}, result.Catchups)
}

func testDeleteOfAbsentEntityIsNoop(t *testing.T, s storage.Store) {
	result := mustSucceed(t, s, remove(9))
	assert.Equal(t, 0, len(result.Changes))
	assert.Nil(t, get(t, s, 9).Entity)
	assert.Equal(t, types.Tick(0), get(t, s, 9).Version.Tick)

	mark, err := s.Mark(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, storage.InitialStreamID, mark)
}

func testRecreateAfterDelete(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label)))
	mustSucceed(t, s, remove(1))

	result := apply(t, s, remove(1, txn.Exists(1)))
	assert.Equal(t, txn.Conflict, result.Outcomes[0])

	e := types.NewEntity(1, health)
	mustSucceed(t, s, txn.ChangeToApply{
		Iffs:    []txn.Iff{txn.Absent(1)},
		Changes: []change.ProposedChange{change.NewCreate(e)},
	})
	state := get(t, s, 1)
	assert.Entity(t, e, state.Entity)
	assert.Equal(t, types.Tick(3), state.Version.Tick)
	assert.Equal(t, types.Tick(3), state.Version.ByComponent[types.HealthID])
	assert.Equal(t, types.Tick(2), state.Version.ByComponent[types.LabelID])
}

func testSeveralChangesToOneEntity(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(2, label)))
	result := mustSucceed(t, s, txn.ChangeToApply{Changes: []change.ProposedChange{
		change.NewCreate(types.NewEntity(1, label)),
		change.NewDelete(2),
		change.NewUpdate(delta(1, []types.Component{health})),
		change.NewUpdate(delta(2, []types.Component{position})),
	}})
	want := []change.Change{
		change.NewCreate(types.NewEntity(1, label, health)).At(2),
		change.NewCreate(types.NewEntity(2, position)).At(2),
	}
	assert.DeepEqual(t, want, result.Changes)

	state := get(t, s, 1)
	assert.Entity(t, types.NewEntity(1, label, health), state.Entity)
	assert.Equal(t, types.Tick(2), state.Version.Tick)
	assert.Entity(t, types.NewEntity(2, position), get(t, s, 2).Entity)

	// readers of the stream see one change per entity
	entries, err := s.ReadStream(context.Background(), storage.InitialStreamID, 10, 0)
	assert.NilError(t, err)
	assert.Equal(t, 2, len(entries))
	assert.DeepEqual(t, want, entries[1].Changes)
}

func testExistsIffFails(t *testing.T, s storage.Store) {
	result := apply(t, s, txn.ChangeToApply{
		Iffs:    []txn.Iff{txn.Exists(5)},
		Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(6, label))},
	})
	assert.Equal(t, txn.Conflict, result.Outcomes[0])
	assert.Equal(t, 0, len(result.Changes))
	assert.Equal(t, 0, len(result.Catchups))
	assert.Nil(t, get(t, s, 6).Entity)
	assert.Equal(t, types.Tick(0), tickOf(t, s))
}

func testEntityVersionIff(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label)))
	mustSucceed(t, s, update(delta(1, []types.Component{health})))

	result := apply(t, s, update(delta(1, []types.Component{position}), txn.AtTick(1, 1)))
	assert.Equal(t, txn.Conflict, result.Outcomes[0])
	assert.DeepEqual(t, []change.Change{
		change.NewUpdate(delta(1, []types.Component{health})).At(2),
	}, result.Catchups)

	mustSucceed(t, s, update(delta(1, []types.Component{position}), txn.AtTick(1, 2)))
	assert.Entity(t, types.NewEntity(1, label, position, health), get(t, s, 1).Entity)
}

func testComponentVersionIff(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label, health)))
	mustSucceed(t, s, update(delta(1, []types.Component{types.Health{HP: 1, MaxHP: 10}})))

	mustSucceed(t, s, update(
		delta(1, []types.Component{types.Label{Text: "renamed"}}),
		txn.AtTick(1, 1, types.LabelID),
	))
	result := apply(t, s, update(
		delta(1, []types.Component{types.Health{HP: 10, MaxHP: 10}}),
		txn.AtTick(1, 1, types.HealthID, types.LabelID),
	))
	assert.Equal(t, txn.Conflict, result.Outcomes[0])

	state := get(t, s, 1)
	got, _ := types.HealthC.Get(state.Entity)
	assert.Equal(t, int32(1), got.HP)
}

func testAbsentIffOnExistingEntity(t *testing.T, s storage.Store) {
	e := types.NewEntity(1, label)
	mustSucceed(t, s, create(e))
	result := apply(t, s, txn.ChangeToApply{
		Iffs:    []txn.Iff{txn.Absent(1)},
		Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, health))},
	})
	assert.Equal(t, txn.Conflict, result.Outcomes[0])
	assert.DeepEqual(t, []change.Change{change.NewCreate(e).At(1)}, result.Catchups)
}

func testCatchupsWithoutChanges(t *testing.T, s storage.Store) {
	e := types.NewEntity(1, label, grabBag)
	mustSucceed(t, s, create(e))
	result := mustSucceed(t, s, txn.ChangeToApply{Catchups: []txn.Catchup{{ID: 1, From: 0}, {ID: 2, From: 0}}})
	assert.DeepEqual(t, []change.Change{change.NewCreate(e).At(1)}, result.Catchups)
	assert.Equal(t, 0, len(result.Changes))
	assert.Equal(t, types.Tick(1), tickOf(t, s))
}

func testConflictWithinBatch(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label)))
	first := delta(1, []types.Component{health})
	result := apply(t, s,
		update(first, txn.AtTick(1, 1)),
		update(delta(1, []types.Component{position}), txn.AtTick(1, 1)),
		create(types.NewEntity(2, label)),
	)
	assert.DeepEqual(t, []txn.ApplyStatus{txn.Success, txn.Conflict, txn.Success}, result.Outcomes)
	assert.DeepEqual(t, []change.Change{
		change.NewUpdate(first).At(2),
		change.NewCreate(types.NewEntity(2, label)).At(3),
	}, result.Changes)
	assert.DeepEqual(t, []change.Change{change.NewUpdate(first).At(2)}, result.Catchups)
}

func testMalformedSibling(t *testing.T, s storage.Store) {
	result := apply(t, s,
		create(types.NewEntity(0, label)),
		create(types.NewEntity(1, label)),
		txn.ChangeToApply{Iffs: []txn.Iff{txn.AtTick(1, 0, types.ComponentID(9999))}},
	)
	assert.DeepEqual(t, []txn.ApplyStatus{txn.Malformed, txn.Success, txn.Malformed}, result.Outcomes)
	assert.Entity(t, types.NewEntity(1, label), get(t, s, 1).Entity)
	assert.Equal(t, types.Tick(1), tickOf(t, s))
}

func testFilteredGet(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label, position)), create(types.NewEntity(2, label)))
	f := filter.Contains(types.PositionID).Compile()
	states, err := s.FilteredGet(context.Background(), f, 1, 2, 3)
	assert.NilError(t, err)
	assert.Equal(t, 3, len(states))
	assert.Entity(t, types.NewEntity(1, label, position), states[0].Entity)
	assert.Nil(t, states[1].Entity)
	assert.Equal(t, types.Tick(2), states[1].Version.Tick)
	assert.Nil(t, states[2].Entity)
	assert.Equal(t, types.Tick(0), states[2].Version.Tick)
}

func testFilteredGetSince(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label, position)), create(types.NewEntity(2, label)))
	mustSucceed(t, s, update(delta(1, []types.Component{health})))

	changes, err := s.FilteredGetSince(context.Background(), filter.Contains(types.PositionID).Compile(),
		txn.Catchup{ID: 1, From: 1},
		txn.Catchup{ID: 2, From: 0},
		txn.Catchup{ID: 3, From: 0},
	)
	assert.NilError(t, err)
	assert.DeepEqual(t, []change.Change{
		change.NewUpdate(delta(1, []types.Component{health})).At(3),
		change.NewDelete(2).At(2),
	}, changes)

	// up to date readers get nothing
	changes, err = s.FilteredGetSince(context.Background(), nil, txn.Catchup{ID: 1, From: 3})
	assert.NilError(t, err)
	assert.Equal(t, 0, len(changes))
}

func bootstrapAll(t *testing.T, s storage.Store, f *filter.Compiled) []change.Change {
	t.Helper()
	var out []change.Change
	cursor := ""
	for range 100 {
		page, err := s.Bootstrap(context.Background(), cursor, 2, f)
		assert.NilError(t, err)
		out = append(out, page.Changes...)
		if page.Done {
			return out
		}
		cursor = page.Cursor
	}
	t.Fatal("bootstrap did not finish")
	return nil
}

func testBootstrapPages(t *testing.T, s storage.Store) {
	for id := types.EntityID(1); id <= 5; id++ {
		mustSucceed(t, s, create(types.NewEntity(id, types.Label{Text: id.String()})))
	}
	mustSucceed(t, s, remove(3))

	var want []change.Change
	for id := types.EntityID(1); id <= 5; id++ {
		if id == 3 {
			want = append(want, change.NewDelete(3).At(6))
			continue
		}
		want = append(want, change.NewCreate(types.NewEntity(id, types.Label{Text: id.String()})).At(types.Tick(id)))
	}
	assert.ElementsMatch(t, want, bootstrapAll(t, s, nil))
}

func testBootstrapFilter(t *testing.T, s storage.Store) {
	mustSucceed(t, s,
		create(types.NewEntity(1, label, position)),
		create(types.NewEntity(2, label)),
		create(types.NewEntity(3, health, types.Iced{})),
	)
	f := filter.Any(types.PositionID, types.HealthID).And(filter.Exclude(types.IcedID)).Compile()
	assert.DeepEqual(t, []change.Change{
		change.NewCreate(types.NewEntity(1, label, position)).At(1),
	}, bootstrapAll(t, s, f))
}

func testBootstrapRejectsEmptyPages(t *testing.T, s storage.Store) {
	mustSucceed(t, s, create(types.NewEntity(1, label)))
	for _, count := range []int64{0, -1} {
		_, err := s.Bootstrap(context.Background(), "", count, nil)
		assert.ErrorIs(t, err, storage.ErrInvalidPageSize)
	}
}

func testStreamLinksEntries(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mark, err := s.Mark(ctx)
	assert.NilError(t, err)
	assert.Equal(t, storage.InitialStreamID, mark)

	mustSucceed(t, s, create(types.NewEntity(1, label)), create(types.NewEntity(2, label)))
	mustSucceed(t, s, remove(1))

	entries, err := s.ReadStream(ctx, mark, 10, 0)
	assert.NilError(t, err)
	assert.Equal(t, 2, len(entries))
	assert.Equal(t, storage.InitialStreamID, entries[0].Prev)
	assert.Equal(t, entries[0].ID, entries[1].Prev)
	assert.DeepEqual(t, []change.Change{
		change.NewCreate(types.NewEntity(1, label)).At(1),
		change.NewCreate(types.NewEntity(2, label)).At(2),
	}, entries[0].Changes)
	assert.DeepEqual(t, []change.Change{change.NewDelete(1).At(3)}, entries[1].Changes)

	mark, err = s.Mark(ctx)
	assert.NilError(t, err)
	assert.Equal(t, entries[1].ID, mark)

	entries, err = s.ReadStream(ctx, mark, 10, 0)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(entries))

	entries, err = s.ReadStream(ctx, storage.InitialStreamID, 1, 0)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(entries))
}

func testReadStreamBlocks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mark, err := s.Mark(ctx)
	assert.NilError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		_, err := s.Apply(ctx, create(types.NewEntity(1, label)))
		assert.Check(t, err == nil)
	}()
	entries, err := s.ReadStream(ctx, mark, 10, 5*time.Second)
	wg.Wait()
	assert.NilError(t, err)
	assert.Equal(t, 1, len(entries))

	// nothing arrives, so the read times out empty
	entries, err = s.ReadStream(ctx, entries[0].ID, 10, 50*time.Millisecond)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(entries))
}

func testEventsAndLeaderboard(t *testing.T, s storage.Store) {
	ctx := context.Background()
	kill := func(id types.EntityID) txn.Event { return txn.Event{Kind: "kill", EntityID: id} }
	mustSucceed(t, s, txn.ChangeToApply{
		Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, label))},
		Events:  []txn.Event{kill(1), kill(2), {Kind: "spawn"}},
	})
	mustSucceed(t, s, txn.ChangeToApply{
		Changes: []change.ProposedChange{change.NewUpdate(delta(1, []types.Component{health}))},
		Events:  []txn.Event{kill(1)},
	})
	// events of a failed or empty transaction are dropped
	apply(t, s,
		txn.ChangeToApply{
			Iffs:    []txn.Iff{txn.Absent(1)},
			Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1, label))},
			Events:  []txn.Event{kill(2)},
		},
		txn.ChangeToApply{Events: []txn.Event{kill(2)}},
	)

	events, err := s.Events(ctx)
	assert.NilError(t, err)
	assert.DeepEqual(t, []txn.Event{kill(1), kill(2), {Kind: "spawn"}, kill(1)}, events)

	board, err := s.Leaderboard(ctx, "kill", 10)
	assert.NilError(t, err)
	assert.DeepEqual(t, []storage.LeaderboardEntry{{ID: 1, Value: 2}, {ID: 2, Value: 1}}, board)

	board, err = s.Leaderboard(ctx, "kill", 1)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(board))

	board, err = s.Leaderboard(ctx, "spawn", 10)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(board))
}

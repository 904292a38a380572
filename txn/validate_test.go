package txn_test

import (
	"testing"

	"pkg.world.dev/world-engine/worldstore/assert"
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

func TestValidate(t *testing.T) {
	good := txn.ChangeToApply{
		Iffs:    []txn.Iff{txn.AtTick(1, 2, types.LabelID)},
		Changes: []change.ProposedChange{change.NewCreate(types.NewEntity(1))},
		Events:  []txn.Event{{Kind: "spawned", EntityID: 1}},
	}
	assert.NilError(t, txn.Validate(good))

	cases := map[string]txn.ChangeToApply{
		"bad iff id":        {Iffs: []txn.Iff{txn.Exists(0)}},
		"unknown component": {Iffs: []txn.Iff{txn.AtTick(1, 2, types.ComponentID(9999))}},
		"bad change":        {Changes: []change.ProposedChange{change.NewDelete(0)}},
		"bad catchup":       {Catchups: []txn.Catchup{{ID: types.MaxEntityID + 1}}},
		"untyped event":     {Events: []txn.Event{{}}},
	}
	for name, tx := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, txn.Validate(tx), txn.ErrMalformedTransaction)
		})
	}
}

func TestPartition(t *testing.T) {
	txs := []txn.ChangeToApply{
		{Changes: []change.ProposedChange{change.NewDelete(1)}},
		{Changes: []change.ProposedChange{change.NewDelete(0)}},
		{},
	}
	outcomes, valid, errs := txn.Partition(txs)
	assert.DeepEqual(t, outcomes, []txn.ApplyStatus{txn.Success, txn.Malformed, txn.Success})
	assert.DeepEqual(t, valid, []int{0, 2})
	assert.Len(t, errs, 1)
}

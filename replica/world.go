package replica

import (
	"context"

	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
	"pkg.world.dev/world-engine/worldstore/world"
)

// Applier submits transactions to the authoritative store.
type Applier interface {
	Apply(ctx context.Context, txs ...txn.ChangeToApply) (*txn.ApplyResult, error)
}

// WriteThrough reads from a replica and writes to the store that feeds it.
// What the store reports back, applied changes and catch-ups alike, is
// installed in the replica right away, so a retried editor reads the state
// that made its last attempt fail.
type WriteThrough struct {
	replica *Replica
	store   Applier
}

var _ world.World = (*WriteThrough)(nil)

func (r *Replica) WriteThrough(store Applier) *WriteThrough {
	return &WriteThrough{replica: r, store: store}
}

func (w *WriteThrough) GetWithVersion(ctx context.Context, ids ...types.EntityID) ([]gamestate.EntityState, error) {
	return w.replica.GetWithVersion(ctx, ids...)
}

func (w *WriteThrough) Apply(ctx context.Context, txs ...txn.ChangeToApply) (*txn.ApplyResult, error) {
	result, err := w.store.Apply(ctx, txs...)
	if err != nil {
		return nil, err
	}
	w.replica.mu.Lock()
	w.replica.admit(result.Changes)
	w.replica.mu.Unlock()
	w.replica.ApplyCatchups(result)
	return result, nil
}

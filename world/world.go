// Package world is the read-modify-write layer over the apply protocol. An
// Editor fetches entities on demand, records which components the caller read
// and what it wrote, and commits all of it as one conditional transaction.
package world

import (
	"context"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

var (
	ErrConflict     = eris.New("transaction conflicted")
	ErrMalformed    = eris.New("transaction malformed")
	ErrEntityExists = eris.New("entity already exists")
	ErrEditorClosed = eris.New("editor already committed")
)

// World is the surface an Editor needs from a store. storage.Store
// implementations and hfc.HybridWorld satisfy it.
type World interface {
	GetWithVersion(ctx context.Context, ids ...types.EntityID) ([]gamestate.EntityState, error)
	Apply(ctx context.Context, txs ...txn.ChangeToApply) (*txn.ApplyResult, error)
}

// outcomeError maps a non-success apply status to its sentinel.
func outcomeError(status txn.ApplyStatus) error {
	switch status {
	case txn.Success:
		return nil
	case txn.Malformed:
		return ErrMalformed
	default:
		return ErrConflict
	}
}

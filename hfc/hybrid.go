package hfc

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/gamestate"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
	"pkg.world.dev/world-engine/worldstore/world"
)

var ErrMixedTransaction = eris.New("transaction writes both high frequency and regular components")

// HybridWorld presents a regular and an HFC partition as a single world.
//
// Regular transactions keep their Iffs and catch-ups. HFC transactions are
// written blindly: their Iffs and catch-ups are dropped, since the versions
// a caller reads are those of the regular partition. A transaction that
// writes both classes is rejected.
type HybridWorld struct {
	RC     world.World
	HFC    world.World
	logger zerolog.Logger
}

var _ world.World = (*HybridWorld)(nil)

func NewHybridWorld(rc, hfc world.World, logger *zerolog.Logger) *HybridWorld {
	if logger == nil {
		logger = &zlog.Logger
	}
	return &HybridWorld{RC: rc, HFC: hfc, logger: logger.With().Str("component", "hybrid_world").Logger()}
}

// GetWithVersion reads both partitions concurrently. The regular partition
// decides existence and version; HFC components are overlaid on top of it.
func (h *HybridWorld) GetWithVersion(ctx context.Context, ids ...types.EntityID) ([]gamestate.EntityState, error) {
	var rc, hfc []gamestate.EntityState
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		rc, err = h.RC.GetWithVersion(egCtx, ids...)
		return eris.Wrap(err, "regular partition")
	})
	eg.Go(func() (err error) {
		hfc, err = h.HFC.GetWithVersion(egCtx, ids...)
		return eris.Wrap(err, "hfc partition")
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if len(rc) != len(ids) || len(hfc) != len(ids) {
		return nil, eris.Errorf("partitions returned %d and %d states for %d ids", len(rc), len(hfc), len(ids))
	}
	hfcSet := types.HFCComponents()
	for i := range rc {
		if rc[i].Entity == nil || hfc[i].Entity == nil {
			continue
		}
		merged := rc[i].Entity.Clone()
		for _, c := range hfc[i].Entity.Components().IDs() {
			if hfcSet.Contains(c) {
				types.CopyComponent(merged, hfc[i].Entity, c)
			}
		}
		rc[i].Entity = merged
	}
	return rc, nil
}

// Apply routes each transaction to its partition. Outcomes keep submission
// order. Entities deleted by successful regular transactions are deleted from
// the HFC partition as well.
func (h *HybridWorld) Apply(ctx context.Context, txs ...txn.ChangeToApply) (*txn.ApplyResult, error) {
	var rcIdx, hfcIdx []int
	var rcTxs, hfcTxs []txn.ChangeToApply
	for i, tx := range txs {
		switch ClassifyChangeToApply(tx) {
		case Mixed:
			return nil, eris.Wrapf(ErrMixedTransaction, "transaction %d", i)
		case HFC:
			hfcIdx = append(hfcIdx, i)
			hfcTxs = append(hfcTxs, txn.ChangeToApply{Changes: tx.Changes, Events: tx.Events})
		default:
			rcIdx = append(rcIdx, i)
			rcTxs = append(rcTxs, tx)
		}
	}

	var rcResult, hfcResult *txn.ApplyResult
	eg, egCtx := errgroup.WithContext(ctx)
	if len(rcTxs) > 0 {
		eg.Go(func() (err error) {
			rcResult, err = h.RC.Apply(egCtx, rcTxs...)
			return eris.Wrap(err, "regular partition")
		})
	}
	if len(hfcTxs) > 0 {
		eg.Go(func() (err error) {
			hfcResult, err = h.HFC.Apply(egCtx, hfcTxs...)
			return eris.Wrap(err, "hfc partition")
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	result := &txn.ApplyResult{Outcomes: make([]txn.ApplyStatus, len(txs))}
	if rcResult != nil {
		if err := scatter(result.Outcomes, rcIdx, rcResult.Outcomes); err != nil {
			return nil, err
		}
		result.Changes = append(result.Changes, rcResult.Changes...)
		result.Catchups = append(result.Catchups, rcResult.Catchups...)
	}
	if hfcResult != nil {
		if err := scatter(result.Outcomes, hfcIdx, hfcResult.Outcomes); err != nil {
			return nil, err
		}
		result.Changes = append(result.Changes, hfcResult.Changes...)
	}

	if rcResult != nil {
		result.Changes = append(result.Changes, h.followDeletes(ctx, rcTxs, rcResult.Outcomes)...)
	}
	return result, nil
}

func scatter(dst []txn.ApplyStatus, idx []int, src []txn.ApplyStatus) error {
	if len(idx) != len(src) {
		return eris.Errorf("expected %d outcomes, got %d", len(idx), len(src))
	}
	for i, o := range src {
		dst[idx[i]] = o
	}
	return nil
}

// followDeletes removes the HFC components of entities that successful
// regular transactions deleted. The regular partition has already committed,
// so a failure here is logged and leaves the outcomes untouched. Leftover HFC
// components are invisible because reads require the regular entity.
func (h *HybridWorld) followDeletes(
	ctx context.Context, txs []txn.ChangeToApply, outcomes []txn.ApplyStatus,
) []change.Change {
	var deletes []change.ProposedChange
	for i, tx := range txs {
		if outcomes[i] != txn.Success {
			continue
		}
		for _, p := range tx.Changes {
			if p.Kind == change.Delete {
				deletes = append(deletes, p)
			}
		}
	}
	if len(deletes) == 0 {
		return nil
	}
	result, err := h.HFC.Apply(ctx, txn.ChangeToApply{Changes: deletes})
	if err != nil {
		h.logger.Warn().Err(err).Int("deletes", len(deletes)).Msg("failed to delete hfc components")
		return nil
	}
	return result.Changes
}

// ApplyDeltas writes blind updates, each split into its regular and HFC
// halves. The halves are applied as one transaction per partition.
func (h *HybridWorld) ApplyDeltas(ctx context.Context, deltas ...types.Delta) (*txn.ApplyResult, error) {
	rcChanges, hfcChanges := PartitionDeltasToUpdates(deltas)
	var txs []txn.ChangeToApply
	if len(rcChanges) > 0 {
		txs = append(txs, txn.ChangeToApply{Changes: rcChanges})
	}
	if len(hfcChanges) > 0 {
		txs = append(txs, txn.ChangeToApply{Changes: hfcChanges})
	}
	if len(txs) == 0 {
		return &txn.ApplyResult{}, nil
	}
	return h.Apply(ctx, txs...)
}

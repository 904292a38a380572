package txn

import (
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/types"
)

var ErrMalformedTransaction = eris.New("malformed transaction")

// Validate rejects transactions the store must never see: invalid ids,
// unknown components, badly shaped changes and untyped events.
func Validate(cta ChangeToApply) error {
	for _, iff := range cta.Iffs {
		if !iff.ID.Valid() {
			return eris.Wrapf(ErrMalformedTransaction, "iff %s: %v", iff, types.ErrInvalidEntityID)
		}
		for _, c := range iff.Components {
			if !c.Valid() {
				return eris.Wrapf(ErrMalformedTransaction, "iff %s: %v", iff, types.ErrUnknownComponent)
			}
		}
	}
	for _, c := range cta.Changes {
		if err := c.Validate(); err != nil {
			return eris.Wrap(ErrMalformedTransaction, err.Error())
		}
	}
	for _, c := range cta.Catchups {
		if !c.ID.Valid() {
			return eris.Wrapf(ErrMalformedTransaction, "catchup %d: %v", c.ID, types.ErrInvalidEntityID)
		}
	}
	for _, e := range cta.Events {
		if e.Kind == "" {
			return eris.Wrap(ErrMalformedTransaction, "event without kind")
		}
	}
	return nil
}

// Partition validates a batch. It returns the outcome slot for each
// transaction, pre-filled with Malformed for rejected ones, and the indices of
// the transactions that should be sent to the store.
func Partition(txs []ChangeToApply) (outcomes []ApplyStatus, valid []int, errs []error) {
	outcomes = make([]ApplyStatus, len(txs))
	for i, tx := range txs {
		if err := Validate(tx); err != nil {
			outcomes[i] = Malformed
			errs = append(errs, err)
			continue
		}
		valid = append(valid, i)
	}
	return outcomes, valid, errs
}

// Package hfc separates high-frequency components (HFC) from regular
// components (RC). HFC values such as positions are rewritten many times a
// second and tolerate blind last-writer-wins updates, so they are kept in a
// partition of their own and the regular partition keeps its compare-and-swap
// guarantees.
package hfc

import (
	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/txn"
	"pkg.world.dev/world-engine/worldstore/types"
)

// Class is the partition a transaction belongs to.
type Class uint8

const (
	// Unclassified transactions touch no component, e.g. catch-up requests.
	Unclassified Class = iota
	RC
	HFC
	Mixed
)

func (c Class) String() string {
	switch c {
	case Unclassified:
		return "unclassified"
	case RC:
		return "rc"
	case HFC:
		return "hfc"
	case Mixed:
		return "mixed"
	}
	return "unknown"
}

func join(a, b Class) Class {
	switch {
	case a == Unclassified:
		return b
	case b == Unclassified || a == b:
		return a
	}
	return Mixed
}

// ClassifyChange returns the class of the components one change writes.
// Deletes remove every component of the entity and are regular changes; the
// HFC partition follows them.
func ClassifyChange(p change.ProposedChange) Class {
	if p.Kind == change.Delete {
		return RC
	}
	components := p.Components()
	hfc := types.HFCComponents()
	out := Unclassified
	if components.Intersects(hfc) {
		out = HFC
	}
	if !components.Difference(hfc).Empty() {
		out = join(out, RC)
	}
	return out
}

// ClassifyChangeToApply returns the class of every component the transaction
// writes. Iffs do not take part: a regular write may depend on a read of an
// HFC component.
func ClassifyChangeToApply(cta txn.ChangeToApply) Class {
	out := Unclassified
	for _, p := range cta.Changes {
		out = join(out, ClassifyChange(p))
		if out == Mixed {
			return Mixed
		}
	}
	return out
}

// PartitionDeltasToUpdates splits each delta into an update of its regular
// components and an update of its HFC components. Empty halves are dropped.
func PartitionDeltasToUpdates(deltas []types.Delta) (rcChanges, hfcChanges []change.ProposedChange) {
	hfc := types.HFCComponents()
	for _, d := range deltas {
		touched := d.Components()
		if h := d.Restrict(hfc); !h.Empty() {
			hfcChanges = append(hfcChanges, change.NewUpdate(h))
		}
		if rc := d.Restrict(touched.Difference(hfc)); !rc.Empty() {
			rcChanges = append(rcChanges, change.NewUpdate(rc))
		}
	}
	return rcChanges, hfcChanges
}

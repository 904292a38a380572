// Package txn defines conditional transactions against the world store and
// the compare-and-swap rules that decide whether they apply.
package txn

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/types"
)

// Iff is a precondition on one entity.
//
//	Exists(id)            the entity exists
//	AtTick(id, v)         the entity has not changed since v
//	AtTick(id, v, c...)   none of the listed components changed since v
//
// AtTick(id, 0) holds for an entity that has never existed or is deleted.
type Iff struct {
	ID         types.EntityID
	Expected   *types.Tick
	Components []types.ComponentID
}

func Exists(id types.EntityID) Iff {
	return Iff{ID: id}
}

func AtTick(id types.EntityID, tick types.Tick, components ...types.ComponentID) Iff {
	return Iff{ID: id, Expected: &tick, Components: components}
}

// Absent requires that the entity does not exist.
func Absent(id types.EntityID) Iff {
	return AtTick(id, 0)
}

func (i Iff) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d", i.ID)
	if i.Expected != nil {
		fmt.Fprintf(&sb, ", %d", *i.Expected)
	}
	for _, c := range i.Components {
		fmt.Fprintf(&sb, ", %s", c)
	}
	sb.WriteByte(']')
	return sb.String()
}

// Catchup asks for every change to an entity after From.
type Catchup struct {
	ID   types.EntityID
	From types.Tick
}

// Event is an opaque record published alongside a successful transaction.
type Event struct {
	Kind     string          `json:"kind"`
	EntityID types.EntityID  `json:"entityId,string,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ChangeToApply is one transaction: every Iff must hold for the changes to be
// applied, all together, at a single new tick.
type ChangeToApply struct {
	Iffs     []Iff
	Changes  []change.ProposedChange
	Events   []Event
	Catchups []Catchup
}

type ApplyStatus uint8

const (
	Success ApplyStatus = iota
	Conflict
	Malformed
)

func (s ApplyStatus) String() string {
	switch s {
	case Success:
		return "success"
	case Conflict:
		return "conflict"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// ApplyResult is the outcome of a batch. Outcomes has one entry per
// transaction in submission order. Changes lists everything the batch did to
// the world; Catchups answers the catch-up requests of transactions that did
// not apply changes.
type ApplyResult struct {
	Outcomes []ApplyStatus
	Changes  []change.Change
	Catchups []change.Change
}

// Succeeded reports whether every transaction in the batch applied.
func (r *ApplyResult) Succeeded() bool {
	for _, o := range r.Outcomes {
		if o != Success {
			return false
		}
	}
	return true
}

// Count returns how many transactions ended with the given status.
func (r *ApplyResult) Count(status ApplyStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o == status {
			n++
		}
	}
	return n
}

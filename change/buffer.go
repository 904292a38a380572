package change

import (
	"pkg.world.dev/world-engine/worldstore/types"
)

// Buffer is a FIFO of changes. It keeps every change pushed to it; Compact
// folds changes to the same entity together on request.
type Buffer struct {
	changes []Change
}

func (b *Buffer) Push(changes ...Change) {
	b.changes = append(b.changes, changes...)
}

// Pop drains the buffer and returns its contents in push order.
func (b *Buffer) Pop() []Change {
	out := b.changes
	b.changes = nil
	return out
}

func (b *Buffer) Len() int {
	return len(b.changes)
}

func (b *Buffer) Empty() bool {
	return len(b.changes) == 0
}

// Compact merges queued changes per entity. The merged change for an entity
// takes the position of that entity's first change.
func (b *Buffer) Compact() {
	if len(b.changes) < 2 {
		return
	}
	index := make(map[types.EntityID]int, len(b.changes))
	out := make([]Change, 0, len(b.changes))
	for _, c := range b.changes {
		if i, ok := index[c.ID]; ok {
			out[i] = Merge(&out[i], c)
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	b.changes = out
}

// EagerBuffer computes catch-up changes from versioned state as soon as they
// are requested.
type EagerBuffer struct {
	Buffer
}

// ChangesSince pushes the minimal changes that bring a reader who last saw
// the entity at from up to the given state. A nil entity is absent.
func (b *EagerBuffer) ChangesSince(
	id types.EntityID, from types.Tick, version types.EntityVersion, entity *types.Entity,
) {
	if version.Tick == 0 || version.Tick < from {
		return
	}
	if entity == nil {
		b.Push(NewDelete(id).At(version.Tick))
		return
	}
	if version.ByComponent == nil || from == 0 {
		b.Push(NewCreate(entity.Clone()).At(version.Tick))
		return
	}
	candidates := entity.Components()
	for c := range version.ByComponent {
		candidates.Add(c)
	}
	delta := types.NewDelta(id)
	for _, c := range candidates.IDs() {
		t, _ := version.ComponentTick(c)
		if t <= from {
			continue
		}
		if v, ok := entity.Get(c); ok {
			delta.Set(v)
		} else {
			delta.Delete(c)
		}
	}
	if delta.Empty() {
		return
	}
	b.Push(NewUpdate(delta).At(version.Tick))
}

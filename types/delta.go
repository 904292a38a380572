package types

// Delta is a partial update to one entity. Each component is either
// unspecified, set (a non-nil field in Values) or deleted (a member of
// Deleted), never both set and deleted.
type Delta struct {
	ID      EntityID
	Values  Entity
	Deleted ComponentSet
}

func NewDelta(id EntityID) Delta {
	return Delta{ID: id, Values: Entity{ID: id}}
}

// DeltaFromEntity returns a delta that sets every component of e.
func DeltaFromEntity(e *Entity) Delta {
	d := Delta{ID: e.ID, Values: *e.Clone()}
	return d
}

func (d *Delta) Set(v Component) {
	d.Values.ID = d.ID
	d.Values.Set(v)
	d.Deleted.Remove(v.ComponentID())
}

func (d *Delta) Delete(c ComponentID) {
	d.Values.Clear(c)
	d.Deleted.Add(c)
}

// Components returns every component the delta touches.
func (d Delta) Components() ComponentSet {
	s := d.Values.Components()
	s.AddAll(d.Deleted)
	return s
}

func (d Delta) Empty() bool {
	return d.Deleted.Empty() && d.Values.Components().Empty()
}

// Apply returns a copy of e with the delta applied. A nil e is treated as an
// entity with no components.
func (d Delta) Apply(e *Entity) *Entity {
	out := e.Clone()
	if out == nil {
		out = &Entity{ID: d.ID}
	}
	d.applyInPlace(out)
	return out
}

func (d Delta) applyInPlace(e *Entity) {
	for _, c := range d.Values.Components().IDs() {
		CopyComponent(e, &d.Values, c)
	}
	for _, c := range d.Deleted.IDs() {
		e.Clear(c)
	}
}

// Merge returns the delta equivalent to applying d and then later.
func (d Delta) Merge(later Delta) Delta {
	out := d.Clone()
	for _, c := range later.Values.Components().IDs() {
		CopyComponent(&out.Values, &later.Values, c)
		out.Deleted.Remove(c)
	}
	for _, c := range later.Deleted.IDs() {
		out.Values.Clear(c)
		out.Deleted.Add(c)
	}
	return out
}

func (d Delta) Clone() Delta {
	return Delta{ID: d.ID, Values: *d.Values.Clone(), Deleted: d.Deleted.Clone()}
}

// Restrict returns the part of the delta that touches the given components.
func (d Delta) Restrict(components ComponentSet) Delta {
	out := NewDelta(d.ID)
	for _, c := range d.Values.Components().IDs() {
		if components.Contains(c) {
			CopyComponent(&out.Values, &d.Values, c)
		}
	}
	for _, c := range d.Deleted.IDs() {
		if components.Contains(c) {
			out.Deleted.Add(c)
		}
	}
	return out
}

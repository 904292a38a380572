package gamestate

import (
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/types"
)

// Index is a secondary index maintained from table changes.
type Index interface {
	Update(c change.Change, entity *types.Entity)
	Clear()
}

// MetaIndexTable is a VersionedTable with named indices that are updated
// after every change the table applies.
type MetaIndexTable struct {
	*VersionedTable
	indexes map[string]Index
	order   []string
}

// NewMetaIndexTable attaches the table to an empty set of indices. Entities
// already in the table are indexed as each index is added.
func NewMetaIndexTable(table *VersionedTable) *MetaIndexTable {
	m := &MetaIndexTable{VersionedTable: table, indexes: map[string]Index{}}
	table.OnChange(m)
	return m
}

// AddIndex registers an index under a unique name and indexes the current
// contents of the table.
func (m *MetaIndexTable) AddIndex(name string, index Index) error {
	if _, ok := m.indexes[name]; ok {
		return eris.Wrapf(ErrDuplicateIndex, "%q", name)
	}
	for id, e := range m.All() {
		v, _ := m.GetWithVersion(id)
		index.Update(change.NewCreate(e).At(v.Tick), e)
	}
	m.indexes[name] = index
	m.order = append(m.order, name)
	return nil
}

// Index returns a registered index.
func (m *MetaIndexTable) Index(name string) (Index, bool) {
	index, ok := m.indexes[name]
	return index, ok
}

// Applied implements Listener.
func (m *MetaIndexTable) Applied(c change.Change, entity *types.Entity) {
	for _, name := range m.order {
		m.indexes[name].Update(c, entity)
	}
}

// Cleared implements Listener.
func (m *MetaIndexTable) Cleared() {
	for _, name := range m.order {
		m.indexes[name].Clear()
	}
}

// GetIndex returns the named index with its concrete type.
func GetIndex[T Index](m *MetaIndexTable, name string) (T, error) {
	var zero T
	index, ok := m.Index(name)
	if !ok {
		return zero, eris.Wrapf(ErrIndexNotFound, "%q", name)
	}
	typed, ok := index.(T)
	if !ok {
		return zero, eris.Wrapf(ErrIndexTypeMismatch, "%q is %T", name, index)
	}
	return typed, nil
}

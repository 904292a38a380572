package gamestate

import (
	"math"
	"slices"

	"pkg.world.dev/world-engine/worldstore/change"
	"pkg.world.dev/world-engine/worldstore/types"
)

// ShardSize is the edge length of a spatial index cell.
const ShardSize = 32

// Cell is the integer coordinate of a ShardSize cube.
type Cell [3]int32

// AABB is an axis-aligned box. A point has Min == Max.
type AABB struct {
	Min types.Vec3f
	Max types.Vec3f
}

// EntityAABB is the box an entity occupies: its position, extended by its
// size when it has one. The box is centered on the position in x and z and
// stands on it in y.
func EntityAABB(e *types.Entity) (AABB, bool) {
	pos, ok := types.PositionC.Get(e)
	if !ok {
		return AABB{}, false
	}
	p := pos.V
	size, ok := types.SizeC.Get(e)
	if !ok {
		return AABB{Min: p, Max: p}, true
	}
	s := size.V
	return AABB{
		Min: types.Vec3f{p[0] - s[0]/2, p[1], p[2] - s[2]/2},
		Max: types.Vec3f{p[0] + s[0]/2, p[1] + s[1], p[2] + s[2]/2},
	}, true
}

func (b AABB) isPoint() bool {
	return b.Min == b.Max
}

// distance is the Euclidean distance from p to the closest point of the box.
func (b AABB) distance(p types.Vec3f) float64 {
	var sum float64
	for i := range 3 {
		var d float64
		switch {
		case p[i] < b.Min[i]:
			d = b.Min[i] - p[i]
		case p[i] > b.Max[i]:
			d = p[i] - b.Max[i]
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}

// maxEntityCells bounds how many cells one entity is keyed under. Larger
// boxes are kept aside and checked by every scan.
const maxEntityCells = 4096

// cells returns the cells the box occupies. The upper bound is exclusive, so
// a box aligned to cell boundaries occupies exactly the cells it covers. It
// returns false for boxes spanning more than maxEntityCells.
func (b AABB) cells() ([]Cell, bool) {
	if b.isPoint() {
		return []Cell{cellOf(b.Min)}, true
	}
	var lo, hi Cell
	for i := range 3 {
		lo[i] = floorCell(b.Min[i])
		hi[i] = max(lo[i], toCell(math.Ceil(b.Max[i]/ShardSize))-1)
	}
	if cellCount(lo, hi) > maxEntityCells {
		return nil, false
	}
	return cellRange(lo, hi), true
}

// toCell converts a whole cell coordinate, saturating at the int32 range.
func toCell(f float64) int32 {
	switch {
	case f <= math.MinInt32:
		return math.MinInt32
	case f >= math.MaxInt32:
		return math.MaxInt32
	}
	return int32(f)
}

func floorCell(x float64) int32 {
	return toCell(math.Floor(x / ShardSize))
}

// queryLowCell is the lowest cell a query starting at x must visit. A query
// starting exactly on a cell boundary also visits the cell below, whose boxes
// may end on that boundary.
func queryLowCell(x float64) int32 {
	return toCell(math.Ceil(x/ShardSize) - 1)
}

func cellOf(p types.Vec3f) Cell {
	return Cell{floorCell(p[0]), floorCell(p[1]), floorCell(p[2])}
}

// cellCount is the number of cells in [lo, hi]. It is a float so that ranges
// spanning the whole int32 space do not overflow.
func cellCount(lo, hi Cell) float64 {
	n := 1.0
	for i := range 3 {
		if hi[i] < lo[i] {
			return 0
		}
		n *= float64(int64(hi[i])-int64(lo[i])) + 1
	}
	return n
}

func (c Cell) within(lo, hi Cell) bool {
	for i := range 3 {
		if c[i] < lo[i] || c[i] > hi[i] {
			return false
		}
	}
	return true
}

func cellRange(lo, hi Cell) []Cell {
	out := make([]Cell, 0, int(cellCount(lo, hi)))
	for x := int64(lo[0]); x <= int64(hi[0]); x++ {
		for y := int64(lo[1]); y <= int64(hi[1]); y++ {
			for z := int64(lo[2]); z <= int64(hi[2]); z++ {
				out = append(out, Cell{int32(x), int32(y), int32(z)})
			}
		}
	}
	return out
}

func compareCells(a, b Cell) int {
	for i := range 3 {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SpatialIndex indexes entities with a Position by the cells their box
// occupies. Entities too large to key by cell are kept in a separate set.
type SpatialIndex struct {
	cells map[Cell]map[types.EntityID]struct{}
	boxes map[types.EntityID]AABB
	keys  map[types.EntityID][]Cell
	large map[types.EntityID]struct{}
}

func NewSpatialIndex() *SpatialIndex {
	s := &SpatialIndex{}
	s.Clear()
	return s
}

var spatialComponents = types.NewComponentSet(types.PositionID, types.SizeID)

func (s *SpatialIndex) Update(c change.Change, entity *types.Entity) {
	if entity != nil && c.Kind == change.Update && !c.Delta.Components().Intersects(spatialComponents) {
		return
	}
	box, ok := EntityAABB(entity)
	if !ok {
		s.remove(c.ID)
		return
	}
	s.put(c.ID, box)
}

func (s *SpatialIndex) put(id types.EntityID, box AABB) {
	cells, ok := box.cells()
	if ok {
		delete(s.large, id)
	} else {
		s.large[id] = struct{}{}
	}
	slices.SortFunc(cells, compareCells)
	old := s.keys[id]
	for _, cell := range old {
		if _, keep := slices.BinarySearchFunc(cells, cell, compareCells); keep {
			continue
		}
		s.leave(cell, id)
	}
	for _, cell := range cells {
		if _, had := slices.BinarySearchFunc(old, cell, compareCells); had {
			continue
		}
		members, ok := s.cells[cell]
		if !ok {
			members = map[types.EntityID]struct{}{}
			s.cells[cell] = members
		}
		members[id] = struct{}{}
	}
	if len(cells) == 0 {
		delete(s.keys, id)
	} else {
		s.keys[id] = cells
	}
	s.boxes[id] = box
}

func (s *SpatialIndex) remove(id types.EntityID) {
	for _, cell := range s.keys[id] {
		s.leave(cell, id)
	}
	delete(s.keys, id)
	delete(s.boxes, id)
	delete(s.large, id)
}

func (s *SpatialIndex) leave(cell Cell, id types.EntityID) {
	members := s.cells[cell]
	delete(members, id)
	if len(members) == 0 {
		delete(s.cells, cell)
	}
}

func (s *SpatialIndex) Clear() {
	s.cells = map[Cell]map[types.EntityID]struct{}{}
	s.boxes = map[types.EntityID]AABB{}
	s.keys = map[types.EntityID][]Cell{}
	s.large = map[types.EntityID]struct{}{}
}

// GetKeys returns the cells an entity occupies. It is empty for entities
// spanning more than maxEntityCells cells.
func (s *SpatialIndex) GetKeys(id types.EntityID) []Cell {
	return slices.Clone(s.keys[id])
}

// Len is the number of indexed entities.
func (s *SpatialIndex) Len() int {
	return len(s.boxes)
}

func (s *SpatialIndex) scan(lo, hi types.Vec3f, match func(AABB) bool) []types.EntityID {
	var loCell, hiCell Cell
	for i := range 3 {
		loCell[i] = queryLowCell(lo[i])
		hiCell[i] = floorCell(hi[i])
	}
	seen := map[types.EntityID]struct{}{}
	var out []types.EntityID
	visit := func(members map[types.EntityID]struct{}) {
		for id := range members {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if match(s.boxes[id]) {
				out = append(out, id)
			}
		}
	}
	// Wide queries walk the occupied cells instead of the query range.
	if cellCount(loCell, hiCell) > float64(len(s.cells)) {
		for cell, members := range s.cells {
			if cell.within(loCell, hiCell) {
				visit(members)
			}
		}
	} else {
		for _, cell := range cellRange(loCell, hiCell) {
			visit(s.cells[cell])
		}
	}
	visit(s.large)
	slices.Sort(out)
	return out
}

// ScanAabb returns the entities whose box intersects the half-open query box
// [min, max).
func (s *SpatialIndex) ScanAabb(query AABB) []types.EntityID {
	return s.scan(query.Min, query.Max, func(b AABB) bool {
		for i := range 3 {
			if b.Max[i] < query.Min[i] || b.Min[i] >= query.Max[i] {
				return false
			}
		}
		return true
	})
}

// ScanSphere returns the entities whose box is within radius of center.
func (s *SpatialIndex) ScanSphere(center types.Vec3f, radius float64) []types.EntityID {
	lo := types.Vec3f{center[0] - radius, center[1] - radius, center[2] - radius}
	hi := types.Vec3f{center[0] + radius, center[1] + radius, center[2] + radius}
	return s.scan(lo, hi, func(b AABB) bool {
		return b.distance(center) <= radius
	})
}

// ScanPoint returns the entities whose box contains p, boundary included.
func (s *SpatialIndex) ScanPoint(p types.Vec3f) []types.EntityID {
	return s.scan(p, p, func(b AABB) bool {
		for i := range 3 {
			if p[i] < b.Min[i] || p[i] > b.Max[i] {
				return false
			}
		}
		return true
	})
}

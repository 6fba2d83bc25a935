package grid

import (
	"math"

	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/gwlog"
)

// FixedPointScale is the number of fixed-point steps per coordinate unit
const FixedPointScale = 100

// Holder is implemented by objects that can be placed on a grid
type Holder interface {
	GridChild() *GridChild
}

// GridChild keeps an object's node under the cell origin of its current zone.
//
// Two origin nodes alternate: moving to a new cell positions the idle one and
// reparents the object under it, so the node the object sits under is never
// moved while occupied.
type GridChild struct {
	node    *Node
	origins [2]*Node
	current int
	grid    Parent
	zone    common.ZoneID
	placed  bool
}

// NewGridChild wraps the node of an object
func NewGridChild(node *Node) *GridChild {
	return &GridChild{node: node, current: -1}
}

// Node returns the object's node
func (gc *GridChild) Node() *Node { return gc.node }

// Grid returns the grid the object is placed on, or nil
func (gc *GridChild) Grid() Parent { return gc.grid }

// Zone returns the current grid zone
func (gc *GridChild) Zone() (common.ZoneID, bool) { return gc.zone, gc.placed }

// CellOrigin returns the origin node currently holding the object, or nil
func (gc *GridChild) CellOrigin() *Node {
	if !gc.placed {
		return nil
	}
	return gc.origins[gc.current]
}

// SetGridCell moves the object into zone's cell of grid. With teleport, or when
// the object had no parent, the local position is kept and the object jumps;
// otherwise the world position is preserved.
func (gc *GridChild) SetGridCell(grid Parent, zone common.ZoneID, teleport bool) bool {
	if grid == nil {
		gc.ClearGridCell()
		return false
	}
	origin, ok := grid.ZoneCellOrigin(zone)
	if !ok {
		gwlog.Warnf("GridChild.SetGridCell: zone %d is not a grid zone", zone)
		gc.ClearGridCell()
		return false
	}
	if gc.grid != nil && gc.grid != grid {
		gc.ClearGridCell()
	}

	next := 0
	if gc.current >= 0 {
		next = 1 - gc.current
	}
	if gc.origins[next] == nil {
		gc.origins[next] = NewNode("cellOrigin")
	}
	cell := gc.origins[next]
	cell.ReparentTo(grid.GridNode())
	cell.SetPos(origin)

	if teleport || gc.node.Parent() == nil {
		gc.node.ReparentTo(cell)
	} else {
		gc.node.WrtReparentTo(cell)
	}
	gc.current = next
	gc.grid = grid
	gc.zone = zone
	gc.placed = true
	return true
}

// ClearGridCell takes the object off its grid, keeping its world position
func (gc *GridChild) ClearGridCell() {
	if !gc.placed {
		return
	}
	gc.node.WrtReparentTo(nil)
	for _, o := range gc.origins {
		if o != nil {
			o.DetachNode()
		}
	}
	gc.grid = nil
	gc.zone = 0
	gc.placed = false
	gc.current = -1
}

// PackCoord converts a coordinate to 16-bit fixed point
func PackCoord(c Coord) (int16, bool) {
	v := math.Round(float64(c) * FixedPointScale)
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, false
	}
	return int16(v), true
}

// UnpackCoord converts 16-bit fixed point back to a coordinate
func UnpackCoord(v int16) Coord {
	return Coord(v) / FixedPointScale
}

// RelativeFixedPos returns the object position relative to its cell origin in
// fixed point. It fails when the object is off-grid or too far from the origin.
func (gc *GridChild) RelativeFixedPos() (x, y, z int16, ok bool) {
	cell := gc.CellOrigin()
	if cell == nil {
		return 0, 0, 0, false
	}
	rel := gc.node.RelativePos(cell)
	var okX, okY, okZ bool
	x, okX = PackCoord(rel.X)
	y, okY = PackCoord(rel.Y)
	z, okZ = PackCoord(rel.Z)
	return x, y, z, okX && okY && okZ
}

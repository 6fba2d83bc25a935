package grid

import (
	"math"

	"github.com/xiaonanln/godor/engine/common"
)

// Parent is implemented by objects that lay out children on a zone grid
type Parent interface {
	// GridNode is the node cell origins are parented to
	GridNode() *Node
	// ZoneCellOrigin returns the origin of a zone's cell in grid coordinates
	ZoneCellOrigin(zone common.ZoneID) (Vector3, bool)
}

// CartesianGrid maps a square of GridSize x GridSize cells centered on its
// node to zones StartingZone .. StartingZone+GridSize*GridSize-1, row major.
type CartesianGrid struct {
	node         *Node
	CellWidth    Coord
	StartingZone common.ZoneID
	GridSize     int
	GridRadius   int // cells of interest around the current cell
}

// NewCartesianGrid creates a grid rooted at a fresh node
func NewCartesianGrid(name string, cellWidth Coord, startingZone common.ZoneID, gridSize, gridRadius int) *CartesianGrid {
	return &CartesianGrid{
		node:         NewNode(name),
		CellWidth:    cellWidth,
		StartingZone: startingZone,
		GridSize:     gridSize,
		GridRadius:   gridRadius,
	}
}

func (g *CartesianGrid) GridNode() *Node {
	return g.node
}

func (g *CartesianGrid) halfWidth() Coord {
	return g.CellWidth * Coord(g.GridSize) / 2
}

// IsGridZone returns whether zone is one of the grid cells
func (g *CartesianGrid) IsGridZone(zone common.ZoneID) bool {
	return zone >= g.StartingZone && zone < g.StartingZone+common.ZoneID(g.GridSize*g.GridSize)
}

// GetZoneFromXYZ returns the zone containing pos, given in grid coordinates
func (g *CartesianGrid) GetZoneFromXYZ(pos Vector3) (common.ZoneID, bool) {
	half := g.halfWidth()
	col := int(math.Floor(float64((pos.X + half) / g.CellWidth)))
	row := int(math.Floor(float64((pos.Y + half) / g.CellWidth)))
	if col < 0 || col >= g.GridSize || row < 0 || row >= g.GridSize {
		return 0, false
	}
	return g.StartingZone + common.ZoneID(row*g.GridSize+col), true
}

func (g *CartesianGrid) cellOf(zone common.ZoneID) (row, col int) {
	idx := int(zone - g.StartingZone)
	return idx / g.GridSize, idx % g.GridSize
}

// ZoneCellOrigin returns the center of a zone's cell
func (g *CartesianGrid) ZoneCellOrigin(zone common.ZoneID) (Vector3, bool) {
	if !g.IsGridZone(zone) {
		return Vector3{}, false
	}
	row, col := g.cellOf(zone)
	half := g.halfWidth()
	return Vector3{
		X: Coord(col)*g.CellWidth - half + g.CellWidth/2,
		Y: Coord(row)*g.CellWidth - half + g.CellWidth/2,
	}, true
}

// GetInterestZones returns zones within GridRadius cells of zone, including zone
func (g *CartesianGrid) GetInterestZones(zone common.ZoneID) []common.ZoneID {
	if !g.IsGridZone(zone) {
		return nil
	}
	row, col := g.cellOf(zone)
	var zones []common.ZoneID
	for r := row - g.GridRadius; r <= row+g.GridRadius; r++ {
		for c := col - g.GridRadius; c <= col+g.GridRadius; c++ {
			if r >= 0 && r < g.GridSize && c >= 0 && c < g.GridSize {
				zones = append(zones, g.StartingZone+common.ZoneID(r*g.GridSize+c))
			}
		}
	}
	return zones
}

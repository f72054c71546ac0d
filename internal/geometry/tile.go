package geometry

import "image"

// NoLayer marks a 2D tile index.
const NoLayer = -1

// RowCol addresses a tile slot in a 2D grid.
type RowCol struct {
	Row int
	Col int
}

// TileIndex addresses a tile slot in a 2D or 3D grid. Layer is NoLayer for 2D grids.
type TileIndex struct {
	Layer int
	Row   int
	Col   int
}

// Index2D returns a 2D tile index.
func Index2D(row, col int) TileIndex {
	return TileIndex{Layer: NoLayer, Row: row, Col: col}
}

// Is2D reports whether the index carries no layer.
func (t TileIndex) Is2D() bool { return t.Layer == NoLayer }

// RowCol drops the layer.
func (t TileIndex) RowCol() RowCol { return RowCol{Row: t.Row, Col: t.Col} }

// TileRegion holds the inclusive pixel bounds of one tile.
type TileRegion struct {
	XMin, XMax int
	YMin, YMax int
}

// Width returns the number of columns covered.
func (r TileRegion) Width() int { return r.XMax - r.XMin + 1 }

// Height returns the number of rows covered.
func (r TileRegion) Height() int { return r.YMax - r.YMin + 1 }

// Rect converts the inclusive bounds to a half-open rectangle.
func (r TileRegion) Rect() image.Rectangle {
	return image.Rect(r.XMin, r.YMin, r.XMax+1, r.YMax+1)
}

// TileBoundaryCalculator maps tile grid coordinates to pixel bounds.
type TileBoundaryCalculator struct {
	rasterWidth  int
	rasterHeight int
	tileWidth    int
	tileHeight   int
}

func NewTileBoundaryCalculator(rasterWidth, rasterHeight, tileWidth, tileHeight int) *TileBoundaryCalculator {
	return &TileBoundaryCalculator{
		rasterWidth:  rasterWidth,
		rasterHeight: rasterHeight,
		tileWidth:    tileWidth,
		tileHeight:   tileHeight,
	}
}

// Bounds returns the tile at (col, row), clipped to the raster extent.
func (c *TileBoundaryCalculator) Bounds(col, row int) TileRegion {
	xMin := col * c.tileWidth
	yMin := row * c.tileHeight
	return TileRegion{
		XMin: xMin,
		XMax: min(xMin+c.tileWidth-1, c.rasterWidth-1),
		YMin: yMin,
		YMax: min(yMin+c.tileHeight-1, c.rasterHeight-1),
	}
}

// Columns returns the number of tile columns.
func (c *TileBoundaryCalculator) Columns() int { return CeilDiv(c.rasterWidth, c.tileWidth) }

// Rows returns the number of tile rows.
func (c *TileBoundaryCalculator) Rows() int { return CeilDiv(c.rasterHeight, c.tileHeight) }

// TileIndexRegion is an inclusive range of tile rows and columns.
type TileIndexRegion struct {
	MinRow, MaxRow int
	MinCol, MaxCol int
}

// Empty reports whether the range covers no tile.
func (r TileIndexRegion) Empty() bool {
	return r.MaxRow < r.MinRow || r.MaxCol < r.MinCol
}

// TileIndexCalculator maps pixel areas to tile grid ranges.
type TileIndexCalculator struct {
	tileWidth  int
	tileHeight int
}

func NewTileIndexCalculator(tileWidth, tileHeight int) *TileIndexCalculator {
	return &TileIndexCalculator{tileWidth: tileWidth, tileHeight: tileHeight}
}

// TileIndexRegion returns the tiles intersecting area. An empty area yields an
// empty range.
func (c *TileIndexCalculator) TileIndexRegion(area image.Rectangle) TileIndexRegion {
	if area.Empty() {
		return TileIndexRegion{MinRow: 0, MaxRow: -1, MinCol: 0, MaxCol: -1}
	}
	return TileIndexRegion{
		MinRow: FloorDiv(area.Min.Y, c.tileHeight),
		MaxRow: FloorDiv(area.Max.Y-1, c.tileHeight),
		MinCol: FloorDiv(area.Min.X, c.tileWidth),
		MaxCol: FloorDiv(area.Max.X-1, c.tileWidth),
	}
}

// CeilDiv divides rounding towards positive infinity; both operands must be positive.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// FloorDiv divides rounding towards negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

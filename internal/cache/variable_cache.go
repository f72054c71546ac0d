package cache

import (
	"fmt"
	"image"
	"sync"

	"rastercache/internal/geometry"
	"rastercache/internal/raster"
)

// slot is the per-tile state of a grid: either empty (not cached) or filled.
type slot[T any] struct {
	value  T
	filled bool
}

// tileGrid is the read-side grid of one variable, 2D or 3D.
type tileGrid interface {
	Descriptor() VariableDescriptor
	AffectedTileLocations(offsets, shapes []int) []geometry.TileIndex
	TileLocations(offsets, shapes []int) []geometry.TileIndex
	SizeInBytes() int64
	Dispose() int64

	// tileRegion returns the tile-aligned, edge-clipped region of a slot as
	// provider offsets/shapes and as a cuboid.
	tileRegion(idx geometry.TileIndex) (offsets, shapes []int, bounds geometry.Cuboid)
	tile(idx geometry.TileIndex) (geometry.Cuboid, *raster.Array, bool)
	store(idx geometry.TileIndex, data *raster.Array) bool
}

// newTileGrid picks the grid implementation matching the descriptor rank.
func newTileGrid(desc VariableDescriptor) (tileGrid, error) {
	if desc.Rank() == 3 {
		return NewVariableCache3D(desc)
	}
	return NewVariableCache2D(desc)
}

// VariableCache2D is the lazily populated tile grid of a 2D variable.
type VariableCache2D struct {
	mu       sync.RWMutex
	desc     VariableDescriptor
	boundary *geometry.TileBoundaryCalculator
	indexer  *geometry.TileIndexCalculator
	rows     int
	cols     int
	slots    []slot[CacheData2D]
	size     int64
	disposed bool
}

// NewVariableCache2D allocates ⌈height/tileHeight⌉ × ⌈width/tileWidth⌉ empty slots.
func NewVariableCache2D(desc VariableDescriptor) (*VariableCache2D, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Rank() != 2 {
		return nil, fmt.Errorf("%w: variable %q is not 2D", raster.ErrConfiguration, desc.Name)
	}
	v := &VariableCache2D{
		desc:     desc,
		boundary: geometry.NewTileBoundaryCalculator(desc.Width, desc.Height, desc.TileWidth, desc.TileHeight),
		indexer:  geometry.NewTileIndexCalculator(desc.TileWidth, desc.TileHeight),
	}
	v.rows = v.boundary.Rows()
	v.cols = v.boundary.Columns()
	v.slots = make([]slot[CacheData2D], v.rows*v.cols)
	return v, nil
}

func (v *VariableCache2D) Descriptor() VariableDescriptor { return v.desc }

// GridSize returns the number of tile rows and columns.
func (v *VariableCache2D) GridSize() (rows, cols int) { return v.rows, v.cols }

func (v *VariableCache2D) indexRange(offsets, shapes []int) (geometry.TileIndexRegion, bool) {
	if len(offsets) != 2 || len(shapes) != 2 {
		return geometry.TileIndexRegion{}, false
	}
	if !positive(shapes) {
		return geometry.TileIndexRegion{}, false
	}
	area := image.Rect(offsets[1], offsets[0], offsets[1]+shapes[1], offsets[0]+shapes[0]).
		Intersect(image.Rect(0, 0, v.desc.Width, v.desc.Height))
	if area.Empty() {
		return geometry.TileIndexRegion{}, false
	}
	return v.indexer.TileIndexRegion(area), true
}

// TileLocations returns every slot the (y, x) query spans, populated or not.
func (v *VariableCache2D) TileLocations(offsets, shapes []int) []geometry.TileIndex {
	r, ok := v.indexRange(offsets, shapes)
	if !ok {
		return nil
	}
	locations := make([]geometry.TileIndex, 0, (r.MaxRow-r.MinRow+1)*(r.MaxCol-r.MinCol+1))
	for row := r.MinRow; row <= r.MaxRow; row++ {
		for col := r.MinCol; col <= r.MaxCol; col++ {
			locations = append(locations, geometry.Index2D(row, col))
		}
	}
	return locations
}

// AffectedTileLocations returns the populated slots whose bounds intersect the
// query. An empty result means nothing of the region is cached.
func (v *VariableCache2D) AffectedTileLocations(offsets, shapes []int) []geometry.TileIndex {
	r, ok := v.indexRange(offsets, shapes)
	if !ok {
		return nil
	}
	query := [2]int{offsets[0], offsets[1]}
	extent := [2]int{shapes[0], shapes[1]}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.disposed {
		return nil
	}

	var hits []geometry.TileIndex
	for row := r.MinRow; row <= r.MaxRow; row++ {
		for col := r.MinCol; col <= r.MaxCol; col++ {
			s := v.slots[row*v.cols+col]
			if s.filled && s.value.Intersects(query, extent) {
				hits = append(hits, geometry.Index2D(row, col))
			}
		}
	}
	return hits
}

// CacheData returns the slot at (row, col) if it is populated.
func (v *VariableCache2D) CacheData(row, col int) (CacheData2D, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.disposed || row < 0 || row >= v.rows || col < 0 || col >= v.cols {
		return CacheData2D{}, false
	}
	s := v.slots[row*v.cols+col]
	return s.value, s.filled
}

func (v *VariableCache2D) tileRegion(idx geometry.TileIndex) ([]int, []int, geometry.Cuboid) {
	b := v.boundary.Bounds(idx.Col, idx.Row)
	offsets := []int{b.YMin, b.XMin}
	shapes := []int{b.Height(), b.Width()}
	return offsets, shapes, geometry.Cuboid{Y: b.YMin, X: b.XMin, Depth: 1, Height: b.Height(), Width: b.Width()}
}

func (v *VariableCache2D) tile(idx geometry.TileIndex) (geometry.Cuboid, *raster.Array, bool) {
	cd, ok := v.CacheData(idx.Row, idx.Col)
	if !ok {
		return geometry.Cuboid{}, nil, false
	}
	return cd.Cuboid(), cd.data, true
}

func (v *VariableCache2D) store(idx geometry.TileIndex, data *raster.Array) bool {
	offsets, shapes, _ := v.tileRegion(idx)

	v.mu.Lock()
	defer v.mu.Unlock()

	i := idx.Row*v.cols + idx.Col
	if v.disposed || v.slots[i].filled {
		return false
	}
	cd := NewCacheData2D([2]int{offsets[0], offsets[1]}, [2]int{shapes[0], shapes[1]})
	cd.data = data
	v.slots[i] = slot[CacheData2D]{value: cd, filled: true}
	v.size += data.SizeInBytes()
	return true
}

// SizeInBytes returns the payload bytes held by populated slots.
func (v *VariableCache2D) SizeInBytes() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.size
}

// Dispose drops all slots and returns the number of payload bytes released.
func (v *VariableCache2D) Dispose() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	freed := v.size
	v.slots = nil
	v.size = 0
	v.disposed = true
	return freed
}

// VariableCache3D is the lazily populated tile grid of a layered variable.
type VariableCache3D struct {
	mu       sync.RWMutex
	desc     VariableDescriptor
	boundary *geometry.TileBoundaryCalculator
	indexer  *geometry.TileIndexCalculator
	layers   int
	rows     int
	cols     int
	slots    []slot[CacheData3D]
	size     int64
	disposed bool
}

// NewVariableCache3D allocates ⌈layers/tileLayers⌉ × ⌈height/tileHeight⌉ ×
// ⌈width/tileWidth⌉ empty slots.
func NewVariableCache3D(desc VariableDescriptor) (*VariableCache3D, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Rank() != 3 {
		return nil, fmt.Errorf("%w: variable %q is not 3D", raster.ErrConfiguration, desc.Name)
	}
	v := &VariableCache3D{
		desc:     desc,
		boundary: geometry.NewTileBoundaryCalculator(desc.Width, desc.Height, desc.TileWidth, desc.TileHeight),
		indexer:  geometry.NewTileIndexCalculator(desc.TileWidth, desc.TileHeight),
		layers:   geometry.CeilDiv(desc.Layers, desc.TileLayers),
	}
	v.rows = v.boundary.Rows()
	v.cols = v.boundary.Columns()
	v.slots = make([]slot[CacheData3D], v.layers*v.rows*v.cols)
	return v, nil
}

func (v *VariableCache3D) Descriptor() VariableDescriptor { return v.desc }

// GridSize returns the number of tile layers, rows and columns.
func (v *VariableCache3D) GridSize() (layers, rows, cols int) { return v.layers, v.rows, v.cols }

func (v *VariableCache3D) slotIndex(layer, row, col int) int {
	return (layer*v.rows+row)*v.cols + col
}

func (v *VariableCache3D) indexRange(offsets, shapes []int) (minLayer, maxLayer int, r geometry.TileIndexRegion, ok bool) {
	if len(offsets) != 3 || len(shapes) != 3 {
		return 0, 0, r, false
	}
	if !positive(shapes) {
		return 0, 0, r, false
	}
	zStart := max(offsets[0], 0)
	zEnd := min(offsets[0]+shapes[0], v.desc.Layers)
	if zEnd <= zStart {
		return 0, 0, r, false
	}
	area := image.Rect(offsets[2], offsets[1], offsets[2]+shapes[2], offsets[1]+shapes[1]).
		Intersect(image.Rect(0, 0, v.desc.Width, v.desc.Height))
	if area.Empty() {
		return 0, 0, r, false
	}
	return zStart / v.desc.TileLayers, (zEnd - 1) / v.desc.TileLayers, v.indexer.TileIndexRegion(area), true
}

// TileLocations returns every slot the (z, y, x) query spans.
func (v *VariableCache3D) TileLocations(offsets, shapes []int) []geometry.TileIndex {
	minLayer, maxLayer, r, ok := v.indexRange(offsets, shapes)
	if !ok {
		return nil
	}
	var locations []geometry.TileIndex
	for layer := minLayer; layer <= maxLayer; layer++ {
		for row := r.MinRow; row <= r.MaxRow; row++ {
			for col := r.MinCol; col <= r.MaxCol; col++ {
				locations = append(locations, geometry.TileIndex{Layer: layer, Row: row, Col: col})
			}
		}
	}
	return locations
}

// AffectedTileLocations returns the populated slots intersecting the query.
func (v *VariableCache3D) AffectedTileLocations(offsets, shapes []int) []geometry.TileIndex {
	minLayer, maxLayer, r, ok := v.indexRange(offsets, shapes)
	if !ok {
		return nil
	}
	query := [3]int{offsets[0], offsets[1], offsets[2]}
	extent := [3]int{shapes[0], shapes[1], shapes[2]}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.disposed {
		return nil
	}

	var hits []geometry.TileIndex
	for layer := minLayer; layer <= maxLayer; layer++ {
		for row := r.MinRow; row <= r.MaxRow; row++ {
			for col := r.MinCol; col <= r.MaxCol; col++ {
				s := v.slots[v.slotIndex(layer, row, col)]
				if s.filled && s.value.Intersects(query, extent) {
					hits = append(hits, geometry.TileIndex{Layer: layer, Row: row, Col: col})
				}
			}
		}
	}
	return hits
}

// CacheData returns the slot at (layer, row, col) if it is populated.
func (v *VariableCache3D) CacheData(layer, row, col int) (CacheData3D, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.disposed || layer < 0 || layer >= v.layers || row < 0 || row >= v.rows || col < 0 || col >= v.cols {
		return CacheData3D{}, false
	}
	s := v.slots[v.slotIndex(layer, row, col)]
	return s.value, s.filled
}

func (v *VariableCache3D) tileRegion(idx geometry.TileIndex) ([]int, []int, geometry.Cuboid) {
	b := v.boundary.Bounds(idx.Col, idx.Row)
	zMin := idx.Layer * v.desc.TileLayers
	depth := min(v.desc.TileLayers, v.desc.Layers-zMin)
	offsets := []int{zMin, b.YMin, b.XMin}
	shapes := []int{depth, b.Height(), b.Width()}
	return offsets, shapes, geometry.NewCuboid([3]int(offsets), [3]int(shapes))
}

func (v *VariableCache3D) tile(idx geometry.TileIndex) (geometry.Cuboid, *raster.Array, bool) {
	cd, ok := v.CacheData(idx.Layer, idx.Row, idx.Col)
	if !ok {
		return geometry.Cuboid{}, nil, false
	}
	return cd.BoundingCuboid(), cd.data, true
}

func (v *VariableCache3D) store(idx geometry.TileIndex, data *raster.Array) bool {
	offsets, shapes, _ := v.tileRegion(idx)

	v.mu.Lock()
	defer v.mu.Unlock()

	i := v.slotIndex(idx.Layer, idx.Row, idx.Col)
	if v.disposed || v.slots[i].filled {
		return false
	}
	cd := NewCacheData3D([3]int(offsets), [3]int(shapes))
	cd.data = data
	v.slots[i] = slot[CacheData3D]{value: cd, filled: true}
	v.size += data.SizeInBytes()
	return true
}

func (v *VariableCache3D) SizeInBytes() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.size
}

func (v *VariableCache3D) Dispose() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	freed := v.size
	v.slots = nil
	v.size = 0
	v.disposed = true
	return freed
}

// positive reports whether every extent is non-empty; image.Rect would otherwise
// swap the corners of a negative shape.
func positive(shapes []int) bool {
	for _, s := range shapes {
		if s <= 0 {
			return false
		}
	}
	return true
}

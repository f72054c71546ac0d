package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rastercache/internal/geometry"
	"rastercache/internal/metrics"
	"rastercache/internal/raster"
)

// ProductCache is the read cache of one data product: one lazily created tile
// grid per variable, filled on demand from a CacheDataProvider.
type ProductCache struct {
	provider CacheDataProvider
	log      *zap.Logger
	rec      metrics.Recorder
	fills    singleflight.Group

	mu       sync.RWMutex
	id       uuid.UUID
	grids    map[string]tileGrid
	budget   *budget
	reserved int64
	gen      uint64
}

type tileData struct {
	bounds geometry.Cuboid
	data   *raster.Array
}

// NewProductCache creates an empty cache in front of provider. log and rec may be nil.
func NewProductCache(provider CacheDataProvider, log *zap.Logger, rec metrics.Recorder) *ProductCache {
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	return &ProductCache{
		provider: provider,
		log:      log,
		rec:      rec,
		grids:    make(map[string]tileGrid),
	}
}

// ID returns the identity assigned by the Manager, uuid.Nil until registered.
func (c *ProductCache) ID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *ProductCache) register(id ID, b *budget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.budget = b
}

// VariableDescriptor returns the descriptor of name, initiating its grid.
func (c *ProductCache) VariableDescriptor(ctx context.Context, name string) (VariableDescriptor, error) {
	grid, err := c.grid(ctx, name)
	if err != nil {
		return VariableDescriptor{}, err
	}
	return grid.Descriptor(), nil
}

func (c *ProductCache) grid(ctx context.Context, name string) (tileGrid, error) {
	c.mu.RLock()
	grid, ok := c.grids[name]
	c.mu.RUnlock()
	if ok {
		return grid, nil
	}

	desc, err := c.provider.VariableDescriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	grid, err = newTileGrid(desc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.grids[name]; ok {
		return existing, nil
	}
	c.grids[name] = grid
	c.log.Debug("Initiated variable cache",
		zap.String("variable", name),
		zap.Int("width", desc.Width),
		zap.Int("height", desc.Height),
		zap.Int("layers", desc.Layers),
		zap.Int("tile_width", desc.TileWidth),
		zap.Int("tile_height", desc.TileHeight),
	)
	return grid, nil
}

// Read fills target with the region of variable name described by offsets and
// shapes. target offsets are raster coordinates of its origin, and target must
// cover the whole region. A 2D target may receive a single-layer 3D read.
// Provider errors are returned unchanged.
func (c *ProductCache) Read(ctx context.Context, name string, offsets, shapes []int, target *raster.DataBuffer) error {
	if err := raster.ValidateRegion(offsets, shapes); err != nil {
		return err
	}
	if target == nil || target.Data == nil {
		return fmt.Errorf("%w: nil read target", raster.ErrConfiguration)
	}
	if err := raster.ValidateRegion(target.Offsets, target.Shapes); err != nil {
		return fmt.Errorf("read target: %w", err)
	}

	grid, err := c.grid(ctx, name)
	if err != nil {
		return err
	}
	desc := grid.Descriptor()
	if len(shapes) != desc.Rank() {
		return fmt.Errorf("%w: rank %d request for rank %d variable %q",
			raster.ErrConfiguration, len(shapes), desc.Rank(), name)
	}
	if target.Data.Type() != desc.DataType {
		return fmt.Errorf("%w: target %s, variable %q is %s",
			raster.ErrTypeMismatch, target.Data.Type(), name, desc.DataType)
	}
	if raster.ShapeSize(shapes) == 0 {
		return nil
	}

	request := regionCuboid(offsets, shapes)
	if !desc.Extent().Contains(request) {
		return fmt.Errorf("%w: %v+%v outside variable %q", raster.ErrOutOfBounds, offsets, shapes, name)
	}
	if len(target.Shapes) == 2 && request.Depth != 1 {
		return fmt.Errorf("%w: %d layers requested into a 2D target", raster.ErrConfiguration, request.Depth)
	}
	dst := target.Cuboid(request.Z)
	if !dst.Contains(request) {
		return fmt.Errorf("%w: target %v+%v does not cover %v+%v",
			raster.ErrConfiguration, target.Offsets, target.Shapes, offsets, shapes)
	}

	c.rec.TileHit(ctx, name, len(grid.AffectedTileLocations(offsets, shapes)))

	for _, idx := range grid.TileLocations(offsets, shapes) {
		var tile tileData
		bounds, data, ok := grid.tile(idx)
		if ok {
			tile = tileData{bounds: bounds, data: data}
		} else if tile, err = c.fill(ctx, name, grid, idx); err != nil {
			return err
		}
		if err := copyTile(target, dst, request, tile); err != nil {
			return err
		}
	}
	return nil
}

func (c *ProductCache) fill(ctx context.Context, name string, grid tileGrid, idx geometry.TileIndex) (tileData, error) {
	key := fmt.Sprintf("%s/%d/%d/%d", name, idx.Layer, idx.Row, idx.Col)
	v, err, _ := c.fills.Do(key, func() (any, error) {
		if bounds, data, ok := grid.tile(idx); ok {
			return tileData{bounds: bounds, data: data}, nil
		}

		desc := grid.Descriptor()
		tileOffsets, tileShapes, bounds := grid.tileRegion(idx)
		c.rec.TileMiss(ctx, name)

		buf, err := raster.NewArray(desc.DataType, raster.ShapeSize(tileShapes))
		if err != nil {
			return nil, err
		}
		block, err := c.provider.ReadCacheBlock(ctx, name, tileOffsets, tileShapes, buf)
		if err != nil {
			return nil, err
		}
		if err := checkBlock(block, desc, tileShapes); err != nil {
			return nil, fmt.Errorf("tile %v of %q: %w", tileOffsets, name, err)
		}

		n := block.Data.SizeInBytes()
		gen, ok := c.reserve(n)
		if !ok {
			c.log.Warn("Cache budget exhausted, serving tile uncached",
				zap.String("variable", name),
				zap.Int64("bytes", n),
			)
			return tileData{bounds: bounds, data: block.Data}, nil
		}
		if grid.store(idx, block.Data) {
			c.rec.TileFilled(ctx, name, n)
		} else {
			c.release(n, gen)
		}
		return tileData{bounds: bounds, data: block.Data}, nil
	})
	if err != nil {
		return tileData{}, err
	}
	return v.(tileData), nil
}

func (c *ProductCache) reserve(n int64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.budget.tryAcquire(n) {
		return c.gen, false
	}
	c.reserved += n
	return c.gen, true
}

func (c *ProductCache) release(n int64, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.reserved < n {
		return
	}
	c.reserved -= n
	c.budget.release(n)
}

// SizeInBytes returns the payload bytes held by all variable grids.
func (c *ProductCache) SizeInBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, grid := range c.grids {
		total += grid.SizeInBytes()
	}
	return total
}

// Dispose drops every tile and resets the byte total to zero. The cache stays
// usable and refills on demand.
func (c *ProductCache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var freed int64
	for _, grid := range c.grids {
		freed += grid.Dispose()
	}
	c.grids = make(map[string]tileGrid)
	c.budget.release(c.reserved)
	c.reserved = 0
	c.gen++
	if freed > 0 {
		c.log.Debug("Disposed product cache", zap.String("id", c.id.String()), zap.Int64("freed_bytes", freed))
	}
}

func regionCuboid(offsets, shapes []int) geometry.Cuboid {
	if len(shapes) == 3 {
		return geometry.NewCuboid([3]int(offsets), [3]int(shapes))
	}
	return geometry.NewCuboid([3]int{0, offsets[0], offsets[1]}, [3]int{1, shapes[0], shapes[1]})
}

func checkBlock(block *raster.DataBuffer, desc VariableDescriptor, shapes []int) error {
	if block == nil || block.Data == nil {
		return fmt.Errorf("%w: provider returned no data", raster.ErrConfiguration)
	}
	if block.Data.Type() != desc.DataType {
		return fmt.Errorf("%w: provider returned %s, want %s", raster.ErrTypeMismatch, block.Data.Type(), desc.DataType)
	}
	if !slices.Equal(block.Shapes, shapes) || block.Data.Len() != raster.ShapeSize(shapes) {
		return fmt.Errorf("%w: provider returned shape %v (%d elements), want %v",
			raster.ErrConfiguration, block.Shapes, block.Data.Len(), shapes)
	}
	return nil
}

// copyTile copies the part of tile inside request into target, whose region in
// raster space is dst.
func copyTile(target *raster.DataBuffer, dst, request geometry.Cuboid, tile tileData) error {
	inter := request.Intersection(tile.bounds)
	if inter.IsEmpty() {
		return nil
	}
	dstShape := dst.Shapes()
	srcShape := tile.bounds.Shapes()
	return raster.CopyRegion(
		target.Data, dstShape[:], []int{inter.Z - dst.Z, inter.Y - dst.Y, inter.X - dst.X},
		tile.data, srcShape[:], []int{inter.Z - tile.bounds.Z, inter.Y - tile.bounds.Y, inter.X - tile.bounds.X},
		[]int{inter.Depth, inter.Height, inter.Width},
	)
}

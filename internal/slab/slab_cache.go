package slab

import (
	"container/list"
	"context"
	"fmt"
	"image"
	"sync"

	"rastercache/internal/geometry"
	"rastercache/internal/raster"
)

// SlabCache caches the tiles of one 2D raster as slabs, read on demand from a
// Storage.
type SlabCache struct {
	mu       sync.Mutex
	extent   image.Rectangle
	boundary *geometry.TileBoundaryCalculator
	indexer  *geometry.TileIndexCalculator
	storage  Storage
	maxSlabs int
	slabs    map[geometry.RowCol]*list.Element
	lruList  *list.List
	tick     int64
}

type entry struct {
	key  geometry.RowCol
	slab *Slab
}

// NewSlabCache creates an empty cache. maxSlabs <= 0 keeps every slab.
func NewSlabCache(rasterWidth, rasterHeight, tileWidth, tileHeight int, storage Storage, maxSlabs int) (*SlabCache, error) {
	if rasterWidth <= 0 || rasterHeight <= 0 || tileWidth <= 0 || tileHeight <= 0 {
		return nil, fmt.Errorf("%w: slab cache %dx%d with tiles %dx%d",
			raster.ErrConfiguration, rasterWidth, rasterHeight, tileWidth, tileHeight)
	}
	return &SlabCache{
		extent:   image.Rect(0, 0, rasterWidth, rasterHeight),
		boundary: geometry.NewTileBoundaryCalculator(rasterWidth, rasterHeight, tileWidth, tileHeight),
		indexer:  geometry.NewTileIndexCalculator(tileWidth, tileHeight),
		storage:  storage,
		maxSlabs: maxSlabs,
		slabs:    make(map[geometry.RowCol]*list.Element),
		lruList:  list.New(),
	}, nil
}

// Get returns the slabs covering the w×h region at (x, y). Cached slabs come
// first, followed by the ones read for this call, each group in scan order
// (columns outer, rows inner).
func (c *SlabCache) Get(ctx context.Context, x, y, w, h int) ([]*Slab, error) {
	area := image.Rect(x, y, x+w, y+h).Intersect(c.extent)
	if area.Empty() {
		return nil, nil
	}
	r := c.indexer.TileIndexRegion(area)

	c.mu.Lock()
	defer c.mu.Unlock()

	callStart := c.tick + 1
	var cached, created []*Slab
	for col := r.MinCol; col <= r.MaxCol; col++ {
		for row := r.MinRow; row <= r.MaxRow; row++ {
			key := geometry.RowCol{Row: row, Col: col}
			c.tick++

			if elem, ok := c.slabs[key]; ok {
				s := elem.Value.(*entry).slab
				s.touch(c.tick)
				c.lruList.MoveToFront(elem)
				cached = append(cached, s)
				continue
			}

			s, err := c.read(ctx, key)
			if err != nil {
				return nil, err
			}
			s.touch(c.tick)
			c.slabs[key] = c.lruList.PushFront(&entry{key: key, slab: s})
			created = append(created, s)
		}
	}
	c.evict(callStart)

	return append(cached, created...), nil
}

func (c *SlabCache) read(ctx context.Context, key geometry.RowCol) (*Slab, error) {
	b := c.boundary.Bounds(key.Col, key.Row)
	buf, err := c.storage.CreateBuffer(b.Width() * b.Height())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate slab %d/%d: %w", key.Row, key.Col, err)
	}
	if err := c.storage.ReadRasterData(ctx, b.XMin, b.YMin, b.Width(), b.Height(), buf); err != nil {
		return nil, fmt.Errorf("failed to read slab %d/%d: %w", key.Row, key.Col, err)
	}
	s := NewSlab(b.Rect())
	s.SetData(buf)
	return s, nil
}

// evict drops the least recently used slabs beyond maxSlabs. Slabs touched since
// callStart are kept even if that exceeds the bound.
func (c *SlabCache) evict(callStart int64) {
	if c.maxSlabs <= 0 {
		return
	}
	for c.lruList.Len() > c.maxSlabs {
		oldest := c.lruList.Back()
		ent := oldest.Value.(*entry)
		if ent.slab.LastAccess() >= callStart {
			return
		}
		delete(c.slabs, ent.key)
		c.lruList.Remove(oldest)
	}
}

// Len returns the number of cached slabs.
func (c *SlabCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// SizeInBytes returns the payload bytes of all cached slabs.
func (c *SlabCache) SizeInBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for elem := c.lruList.Front(); elem != nil; elem = elem.Next() {
		total += elem.Value.(*entry).slab.SizeInBytes()
	}
	return total
}

// Dispose drops every slab.
func (c *SlabCache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slabs = make(map[geometry.RowCol]*list.Element)
	c.lruList.Init()
}

// CopyData copies the parts of slabs overlapping destRect into dest, a row-major
// buffer of destRect's size. Pixels no slab covers are left untouched.
func CopyData(dest *raster.Array, destRect image.Rectangle, slabs []*Slab) error {
	return CopyDataWithin(dest, destRect, destRect, slabs)
}

// CopyDataWithin is CopyData restricted to the pixels inside clip.
func CopyDataWithin(dest *raster.Array, destRect, clip image.Rectangle, slabs []*Slab) error {
	clip = clip.Intersect(destRect)
	dstShape := []int{destRect.Dy(), destRect.Dx()}
	for _, s := range slabs {
		if s.data == nil {
			continue
		}
		inter := clip.Intersect(s.region)
		if inter.Empty() {
			continue
		}
		err := raster.CopyRegion(
			dest, dstShape, []int{inter.Min.Y - destRect.Min.Y, inter.Min.X - destRect.Min.X},
			s.data, []int{s.region.Dy(), s.region.Dx()}, []int{inter.Min.Y - s.region.Min.Y, inter.Min.X - s.region.Min.X},
			[]int{inter.Dy(), inter.Dx()},
		)
		if err != nil {
			return fmt.Errorf("failed to copy slab %v: %w", s.region, err)
		}
	}
	return nil
}

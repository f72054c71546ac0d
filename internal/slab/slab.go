package slab

import (
	"context"
	"image"
	"sync/atomic"

	"rastercache/internal/raster"
)

// Slab is one cached tile of a 2D raster.
type Slab struct {
	region     image.Rectangle
	lastAccess atomic.Int64
	data       *raster.Array
}

// NewSlab creates an empty slab covering region. It has never been accessed.
func NewSlab(region image.Rectangle) *Slab {
	s := &Slab{region: region}
	s.lastAccess.Store(-1)
	return s
}

// Region returns the pixel rectangle the slab covers.
func (s *Slab) Region() image.Rectangle { return s.region }

// LastAccess returns the access tick of the most recent Get touching the slab,
// -1 if none did.
func (s *Slab) LastAccess() int64 { return s.lastAccess.Load() }

func (s *Slab) touch(tick int64) { s.lastAccess.Store(tick) }

func (s *Slab) Data() *raster.Array { return s.data }

func (s *Slab) SetData(data *raster.Array) { s.data = data }

// SizeInBytes returns the payload size.
func (s *Slab) SizeInBytes() int64 {
	if s.data == nil {
		return 0
	}
	return s.data.SizeInBytes()
}

// Storage decodes slab payloads from the underlying raster.
type Storage interface {
	// CreateBuffer allocates a buffer of n elements of the raster's type.
	CreateBuffer(n int) (*raster.Array, error)
	// ReadRasterData fills buf with the w×h region at (x, y), row-major.
	ReadRasterData(ctx context.Context, x, y, w, h int, buf *raster.Array) error
}

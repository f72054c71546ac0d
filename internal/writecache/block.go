package writecache

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"rastercache/internal/raster"
)

// BlockHeight is the number of scanlines per write block.
const BlockHeight = 128

// ErrBlockReleased is returned when updating a block whose buffer was flushed
// and released.
var ErrBlockReleased = errors.New("write block already released")

// CacheBlock is one horizontal strip of a variable. Its buffer starts out
// filled with the variable's no-data value and every written cell is tracked
// until the whole strip is covered.
type CacheBlock struct {
	mu       sync.Mutex
	yOffset  int
	width    int
	height   int
	data     *raster.Array
	coverage *roaring.Bitmap
	complete bool
	released bool
}

// NewCacheBlock allocates a width×height strip starting at raster row yOffset.
func NewCacheBlock(yOffset, width, height int, dataType raster.DataType, noDataValue float64) (*CacheBlock, error) {
	if yOffset < 0 || width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: write block at row %d of %dx%d", raster.ErrConfiguration, yOffset, width, height)
	}
	if int64(width)*int64(height) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: write block of %dx%d cells is too large", raster.ErrConfiguration, width, height)
	}
	data, err := raster.NewArray(dataType, width*height)
	if err != nil {
		return nil, err
	}
	data.Fill(noDataValue)
	return &CacheBlock{
		yOffset:  yOffset,
		width:    width,
		height:   height,
		data:     data,
		coverage: roaring.New(),
	}, nil
}

// YOffset returns the raster row of the first scanline.
func (b *CacheBlock) YOffset() int { return b.yOffset }

func (b *CacheBlock) Width() int { return b.width }

func (b *CacheBlock) Height() int { return b.height }

// Data returns the strip buffer, nil once released.
func (b *CacheBlock) Data() *raster.Array {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// IsComplete reports whether every cell has been written. Completeness never
// reverts.
func (b *CacheBlock) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// IsReleased reports whether the buffer was flushed and dropped.
func (b *CacheBlock) IsReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Covered returns the number of cells written so far.
func (b *CacheBlock) Covered() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coverage.GetCardinality()
}

// Update copies the part of the w×h region at raster position (x, y) that falls
// inside the block. data is row-major with a row stride of w. It reports
// whether this call made the block complete.
func (b *CacheBlock) Update(x, y, w, h int, data *raster.Array) (bool, error) {
	rowStart := max(y, b.yOffset)
	rowEnd := min(y+h, b.yOffset+b.height)
	colStart := max(x, 0)
	colEnd := min(x+w, b.width)
	if rowEnd <= rowStart || colEnd <= colStart {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return false, ErrBlockReleased
	}
	if data.Type() != b.data.Type() {
		return false, fmt.Errorf("%w: block %s <- %s", raster.ErrTypeMismatch, b.data.Type(), data.Type())
	}

	n := colEnd - colStart
	for row := rowStart; row < rowEnd; row++ {
		src := (row-y)*w + (colStart - x)
		dst := (row-b.yOffset)*b.width + colStart
		if err := raster.CopyElems(b.data, dst, data, src, n); err != nil {
			return false, err
		}
		b.coverage.AddRange(uint64(dst), uint64(dst+n))
	}

	if b.complete {
		return false, nil
	}
	b.complete = b.coverage.GetCardinality() == uint64(b.width*b.height)
	return b.complete, nil
}

// SizeInBytes returns the buffer size, 0 once released.
func (b *CacheBlock) SizeInBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return 0
	}
	return b.data.SizeInBytes()
}

func (b *CacheBlock) release() {
	b.data = nil
	b.coverage = roaring.New()
	b.released = true
}

package writecache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rastercache/internal/geometry"
	"rastercache/internal/metrics"
	"rastercache/internal/raster"
	"rastercache/internal/stream"
)

// Variable identifies a written raster variable.
type Variable struct {
	Name        string
	Width       int
	Height      int
	DataType    raster.DataType
	NoDataValue float64
}

// VariableCache buffers the updates of one variable into BlockHeight-row strips.
type VariableCache struct {
	variable *Variable
	blocks   []*CacheBlock
	log      *zap.Logger
	rec      metrics.Recorder
}

// NewVariableCache allocates ⌈height/BlockHeight⌉ blocks; the last one is clipped
// to the remaining rows.
func NewVariableCache(v *Variable) (*VariableCache, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil variable", raster.ErrConfiguration)
	}
	if v.Width <= 0 || v.Height <= 0 {
		return nil, fmt.Errorf("%w: variable %q has extent %dx%d", raster.ErrConfiguration, v.Name, v.Width, v.Height)
	}

	blocks := make([]*CacheBlock, geometry.CeilDiv(v.Height, BlockHeight))
	for i := range blocks {
		yOffset := i * BlockHeight
		height := min(BlockHeight, v.Height-yOffset)
		block, err := NewCacheBlock(yOffset, v.Width, height, v.DataType, v.NoDataValue)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", v.Name, err)
		}
		blocks[i] = block
	}
	return &VariableCache{
		variable: v,
		blocks:   blocks,
		log:      zap.NewNop(),
		rec:      metrics.Noop(),
	}, nil
}

func (c *VariableCache) Variable() *Variable { return c.variable }

// Blocks returns the strips in raster order.
func (c *VariableCache) Blocks() []*CacheBlock { return c.blocks }

// Block returns strip i.
func (c *VariableCache) Block(i int) *CacheBlock { return c.blocks[i] }

// Update writes the w×h region at (x, y). data is row-major with a row stride of
// w and must hold at least w*h elements. It reports whether any spanned block
// became complete during this call.
func (c *VariableCache) Update(x, y, w, h int, data *raster.Array) (bool, error) {
	completed, err := c.UpdateBlocks(x, y, w, h, data)
	return len(completed) > 0, err
}

// UpdateBlocks is Update returning the blocks this call completed. An update
// touching an already released block is rejected before any block is written.
// Should a concurrent flush release a block midway, the error comes with the
// blocks completed before it, which stay complete and are flushed as usual.
func (c *VariableCache) UpdateBlocks(x, y, w, h int, data *raster.Array) ([]*CacheBlock, error) {
	if w <= 0 || h <= 0 {
		return nil, nil
	}
	if data == nil || data.Len() < w*h {
		return nil, fmt.Errorf("%w: update of %dx%d needs %d elements", raster.ErrConfiguration, w, h, w*h)
	}
	if data.Type() != c.variable.DataType {
		return nil, fmt.Errorf("%w: variable %q is %s, update is %s",
			raster.ErrTypeMismatch, c.variable.Name, c.variable.DataType, data.Type())
	}
	if x < 0 || y < 0 || x+w > c.variable.Width || y+h > c.variable.Height {
		return nil, fmt.Errorf("%w: update %dx%d at (%d, %d) outside %dx%d",
			raster.ErrOutOfBounds, w, h, x, y, c.variable.Width, c.variable.Height)
	}

	first, last := y/BlockHeight, (y+h-1)/BlockHeight
	for i := first; i <= last; i++ {
		if c.blocks[i].IsReleased() {
			return nil, fmt.Errorf("variable %q block %d: %w", c.variable.Name, i, ErrBlockReleased)
		}
	}

	var completed []*CacheBlock
	for i := first; i <= last; i++ {
		done, err := c.blocks[i].Update(x, y, w, h, data)
		if err != nil {
			return completed, fmt.Errorf("variable %q block %d: %w", c.variable.Name, i, err)
		}
		if done {
			completed = append(completed, c.blocks[i])
		}
	}
	return completed, nil
}

// StreamOutputPos returns the element offset of the block's first row in the
// row-major output stream.
func StreamOutputPos(b *CacheBlock) int64 {
	return int64(b.YOffset()) * int64(b.Width())
}

// Flush writes every complete, not yet released block to sink and releases it.
// A block whose write fails stays complete and is retried on the next flush.
func (c *VariableCache) Flush(ctx context.Context, sink stream.Sink) (int, error) {
	flushed := 0
	for i, b := range c.blocks {
		ok, err := c.flushBlock(ctx, sink, b)
		if err != nil {
			c.log.Warn("Failed to flush write block",
				zap.String("variable", c.variable.Name),
				zap.Int("block", i),
				zap.Error(err),
			)
			return flushed, fmt.Errorf("variable %q block %d: %w", c.variable.Name, i, err)
		}
		if ok {
			flushed++
		}
	}
	return flushed, nil
}

func (c *VariableCache) flushBlock(ctx context.Context, sink stream.Sink, b *CacheBlock) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.complete || b.released {
		return false, nil
	}
	if err := sink.WriteBlock(ctx, c.variable.Name, StreamOutputPos(b), b.data); err != nil {
		return false, err
	}
	size := b.data.SizeInBytes()
	b.release()
	c.rec.BlockFlushed(ctx, c.variable.Name, size)
	c.log.Debug("Flushed write block",
		zap.String("variable", c.variable.Name),
		zap.Int("y_offset", b.yOffset),
		zap.Int64("bytes", size),
	)
	return true, nil
}

// Pending returns the number of blocks still holding a buffer.
func (c *VariableCache) Pending() int {
	n := 0
	for _, b := range c.blocks {
		if !b.IsReleased() {
			n++
		}
	}
	return n
}

// SizeInBytes returns the bytes of all retained buffers.
func (c *VariableCache) SizeInBytes() int64 {
	var total int64
	for _, b := range c.blocks {
		total += b.SizeInBytes()
	}
	return total
}

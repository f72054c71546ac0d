package cache

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"

	"rastercache/internal/raster"
	"rastercache/internal/slab"
)

// SlabReader serves 2D variables from one SlabCache per variable.
type SlabReader struct {
	provider CacheDataProvider
	maxSlabs int
	log      *zap.Logger

	mu        sync.Mutex
	variables map[string]*slabVariable
}

type slabVariable struct {
	desc  VariableDescriptor
	slabs *slab.SlabCache
}

// NewSlabReader creates a reader keeping at most maxSlabs slabs per variable,
// unbounded when maxSlabs <= 0.
func NewSlabReader(provider CacheDataProvider, maxSlabs int, log *zap.Logger) *SlabReader {
	if log == nil {
		log = zap.NewNop()
	}
	return &SlabReader{
		provider:  provider,
		maxSlabs:  maxSlabs,
		log:       log,
		variables: make(map[string]*slabVariable),
	}
}

func (r *SlabReader) variable(ctx context.Context, name string) (*slabVariable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.variables[name]; ok {
		return v, nil
	}

	desc, err := r.provider.VariableDescriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Rank() != 2 {
		return nil, fmt.Errorf("%w: slab reader cannot serve layered variable %q", raster.ErrUnsupported, name)
	}
	storage := &providerStorage{provider: r.provider, name: name, dataType: desc.DataType}
	slabs, err := slab.NewSlabCache(desc.Width, desc.Height, desc.TileWidth, desc.TileHeight, storage, r.maxSlabs)
	if err != nil {
		return nil, err
	}
	v := &slabVariable{desc: desc, slabs: slabs}
	r.variables[name] = v
	return v, nil
}

func (r *SlabReader) VariableDescriptor(ctx context.Context, name string) (VariableDescriptor, error) {
	v, err := r.variable(ctx, name)
	if err != nil {
		return VariableDescriptor{}, err
	}
	return v.desc, nil
}

// Read fills a 2D target with the (y, x) region of name.
func (r *SlabReader) Read(ctx context.Context, name string, offsets, shapes []int, target *raster.DataBuffer) error {
	if err := raster.ValidateRegion(offsets, shapes); err != nil {
		return err
	}
	if len(shapes) != 2 {
		return fmt.Errorf("%w: slab reader serves 2D regions only", raster.ErrUnsupported)
	}
	if target == nil || target.Data == nil || target.Rank() != 2 {
		return fmt.Errorf("%w: slab reader needs a 2D target", raster.ErrConfiguration)
	}

	v, err := r.variable(ctx, name)
	if err != nil {
		return err
	}
	if target.Data.Type() != v.desc.DataType {
		return fmt.Errorf("%w: target %s, variable %q is %s",
			raster.ErrTypeMismatch, target.Data.Type(), name, v.desc.DataType)
	}

	request := image.Rect(offsets[1], offsets[0], offsets[1]+shapes[1], offsets[0]+shapes[0])
	if request.Empty() {
		return nil
	}
	if !request.In(image.Rect(0, 0, v.desc.Width, v.desc.Height)) {
		return fmt.Errorf("%w: %v outside variable %q", raster.ErrOutOfBounds, request, name)
	}
	destRect := image.Rect(target.Offsets[1], target.Offsets[0],
		target.Offsets[1]+target.Shapes[1], target.Offsets[0]+target.Shapes[0])
	if !request.In(destRect) {
		return fmt.Errorf("%w: target %v does not cover %v", raster.ErrConfiguration, destRect, request)
	}

	slabs, err := v.slabs.Get(ctx, request.Min.X, request.Min.Y, request.Dx(), request.Dy())
	if err != nil {
		return err
	}
	return slab.CopyDataWithin(target.Data, destRect, request, slabs)
}

func (r *SlabReader) SizeInBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, v := range r.variables {
		total += v.slabs.SizeInBytes()
	}
	return total
}

func (r *SlabReader) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.variables {
		v.slabs.Dispose()
	}
	r.variables = make(map[string]*slabVariable)
}

// providerStorage reads slabs of one variable through a CacheDataProvider.
type providerStorage struct {
	provider CacheDataProvider
	name     string
	dataType raster.DataType
}

func (s *providerStorage) CreateBuffer(n int) (*raster.Array, error) {
	return raster.NewArray(s.dataType, n)
}

func (s *providerStorage) ReadRasterData(ctx context.Context, x, y, w, h int, buf *raster.Array) error {
	block, err := s.provider.ReadCacheBlock(ctx, s.name, []int{y, x}, []int{h, w}, buf)
	if err != nil {
		return err
	}
	if block == nil || block.Data == nil {
		return fmt.Errorf("%w: provider returned no data", raster.ErrConfiguration)
	}
	if block.Data == buf {
		return nil
	}
	if block.Data.Len() != buf.Len() {
		return fmt.Errorf("%w: provider returned %d elements, want %d", raster.ErrConfiguration, block.Data.Len(), buf.Len())
	}
	return raster.CopyElems(buf, 0, block.Data, 0, buf.Len())
}

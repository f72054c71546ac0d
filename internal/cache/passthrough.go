package cache

import (
	"context"
	"fmt"

	"rastercache/internal/raster"
)

// Passthrough forwards every read to the provider without retaining anything.
type Passthrough struct {
	provider CacheDataProvider
}

func NewPassthrough(provider CacheDataProvider) *Passthrough {
	return &Passthrough{provider: provider}
}

func (p *Passthrough) VariableDescriptor(ctx context.Context, name string) (VariableDescriptor, error) {
	return p.provider.VariableDescriptor(ctx, name)
}

func (p *Passthrough) Read(ctx context.Context, name string, offsets, shapes []int, target *raster.DataBuffer) error {
	if err := raster.ValidateRegion(offsets, shapes); err != nil {
		return err
	}
	if target == nil || target.Data == nil {
		return fmt.Errorf("%w: nil read target", raster.ErrConfiguration)
	}
	if raster.ShapeSize(shapes) == 0 {
		return nil
	}

	request := regionCuboid(offsets, shapes)
	dst := target.Cuboid(request.Z)
	if !dst.Contains(request) {
		return fmt.Errorf("%w: target %v+%v does not cover %v+%v",
			raster.ErrConfiguration, target.Offsets, target.Shapes, offsets, shapes)
	}

	var buf *raster.Array
	if target.Data.Len() == raster.ShapeSize(shapes) && dst == request {
		buf = target.Data
	}
	block, err := p.provider.ReadCacheBlock(ctx, name, offsets, shapes, buf)
	if err != nil {
		return err
	}
	if block == nil || block.Data == nil {
		return fmt.Errorf("%w: provider returned no data", raster.ErrConfiguration)
	}
	if block.Data == target.Data {
		return nil
	}
	return copyTile(target, dst, request, tileData{bounds: request, data: block.Data})
}

func (p *Passthrough) SizeInBytes() int64 { return 0 }

func (p *Passthrough) Dispose() {}

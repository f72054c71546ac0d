package cache

import (
	"context"

	"rastercache/internal/raster"
)

// RegionReader serves rectangular region reads of named variables.
type RegionReader interface {
	VariableDescriptor(ctx context.Context, name string) (VariableDescriptor, error)
	// Read fills target with the region described by offsets and shapes. target
	// offsets are the raster coordinates of its origin.
	Read(ctx context.Context, name string, offsets, shapes []int, target *raster.DataBuffer) error
	SizeInBytes() int64
	Dispose()
}

// registrant is implemented by readers that want their Manager identity and budget.
type registrant interface {
	register(id ID, b *budget)
}

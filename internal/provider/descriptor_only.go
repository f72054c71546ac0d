package provider

import (
	"context"
	"fmt"

	"rastercache/internal/cache"
	"rastercache/internal/raster"
)

// DescriptorOnly answers descriptor lookups and refuses to read data.
type DescriptorOnly struct {
	descriptors map[string]cache.VariableDescriptor
}

func NewDescriptorOnly(descriptors ...cache.VariableDescriptor) *DescriptorOnly {
	d := &DescriptorOnly{descriptors: make(map[string]cache.VariableDescriptor, len(descriptors))}
	for _, desc := range descriptors {
		d.descriptors[desc.Name] = desc
	}
	return d
}

func (d *DescriptorOnly) VariableDescriptor(_ context.Context, name string) (cache.VariableDescriptor, error) {
	desc, ok := d.descriptors[name]
	if !ok {
		return cache.VariableDescriptor{}, fmt.Errorf("%w: %q", cache.ErrUnknownVariable, name)
	}
	return desc, nil
}

func (d *DescriptorOnly) ReadCacheBlock(context.Context, string, []int, []int, *raster.Array) (*raster.DataBuffer, error) {
	return nil, fmt.Errorf("%w: descriptor-only provider cannot read data", raster.ErrUnsupported)
}

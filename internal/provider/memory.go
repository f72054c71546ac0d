package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"rastercache/internal/cache"
	"rastercache/internal/raster"
)

type memoryVariable struct {
	desc cache.VariableDescriptor
	data *raster.Array
}

// Memory serves variables held as full row-major arrays.
type Memory struct {
	mu        sync.RWMutex
	variables map[string]memoryVariable
	reads     atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{variables: make(map[string]memoryVariable)}
}

// Add registers data as the content of desc. 3D data is laid out (layer, y, x).
func (m *Memory) Add(desc cache.VariableDescriptor, data *raster.Array) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if data == nil || data.Type() != desc.DataType {
		return fmt.Errorf("%w: variable %q needs %s data", raster.ErrTypeMismatch, desc.Name, desc.DataType)
	}
	if want := raster.ShapeSize(ExtentShape(desc)); data.Len() != want {
		return fmt.Errorf("%w: variable %q needs %d elements, got %d", raster.ErrConfiguration, desc.Name, want, data.Len())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.variables[desc.Name] = memoryVariable{desc: desc, data: data}
	return nil
}

// VariableNames returns the registered names in sorted order.
func (m *Memory) VariableNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.variables))
	for name := range m.variables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Reads returns the number of ReadCacheBlock calls served.
func (m *Memory) Reads() int64 { return m.reads.Load() }

func (m *Memory) variable(name string) (memoryVariable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.variables[name]
	if !ok {
		return memoryVariable{}, fmt.Errorf("%w: %q", cache.ErrUnknownVariable, name)
	}
	return v, nil
}

func (m *Memory) VariableDescriptor(_ context.Context, name string) (cache.VariableDescriptor, error) {
	v, err := m.variable(name)
	if err != nil {
		return cache.VariableDescriptor{}, err
	}
	return v.desc, nil
}

func (m *Memory) ReadCacheBlock(ctx context.Context, name string, offsets, shapes []int, target *raster.Array) (*raster.DataBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := m.variable(name)
	if err != nil {
		return nil, err
	}
	target, err = PrepareTarget(v.desc, offsets, shapes, target)
	if err != nil {
		return nil, err
	}
	m.reads.Add(1)

	if err := raster.CopyRegion(target, shapes, make([]int, len(shapes)), v.data, ExtentShape(v.desc), offsets, shapes); err != nil {
		return nil, err
	}
	return raster.NewDataBuffer(target, offsets, shapes)
}

// ExtentShape returns the full shape of a variable in its own rank.
func ExtentShape(desc cache.VariableDescriptor) []int {
	if desc.Rank() == 3 {
		return []int{desc.Layers, desc.Height, desc.Width}
	}
	return []int{desc.Height, desc.Width}
}

// PrepareTarget checks a block request against desc and returns a buffer to
// decode into, reusing target when it fits.
func PrepareTarget(desc cache.VariableDescriptor, offsets, shapes []int, target *raster.Array) (*raster.Array, error) {
	if err := raster.ValidateRegion(offsets, shapes); err != nil {
		return nil, err
	}
	extent := ExtentShape(desc)
	if len(shapes) != len(extent) {
		return nil, fmt.Errorf("%w: rank %d block of rank %d variable %q",
			raster.ErrConfiguration, len(shapes), len(extent), desc.Name)
	}
	for i := range extent {
		if offsets[i]+shapes[i] > extent[i] {
			return nil, fmt.Errorf("%w: block %v+%v outside %q", raster.ErrOutOfBounds, offsets, shapes, desc.Name)
		}
	}
	n := raster.ShapeSize(shapes)
	if target != nil && target.Type() == desc.DataType && target.Len() == n {
		return target, nil
	}
	return raster.NewArray(desc.DataType, n)
}

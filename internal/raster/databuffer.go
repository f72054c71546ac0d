package raster

import (
	"fmt"

	"rastercache/internal/geometry"
)

// DataBuffer pairs a region description with its payload. Offsets and Shapes hold
// 2 (y, x) or 3 (layer, y, x) entries, innermost last. The same type describes a
// query and carries the data returned or written for it.
type DataBuffer struct {
	Offsets []int
	Shapes  []int
	Data    *Array
}

// NewDataBuffer validates that offsets and shapes agree in rank and that the shape
// product equals the backing array length.
func NewDataBuffer(data *Array, offsets, shapes []int) (*DataBuffer, error) {
	if err := ValidateRegion(offsets, shapes); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: nil backing array", ErrConfiguration)
	}
	if n := ShapeSize(shapes); n != data.Len() {
		return nil, fmt.Errorf("%w: shape %v needs %d elements, buffer holds %d",
			ErrConfiguration, shapes, n, data.Len())
	}
	return &DataBuffer{
		Offsets: append([]int(nil), offsets...),
		Shapes:  append([]int(nil), shapes...),
		Data:    data,
	}, nil
}

// AllocDataBuffer allocates a zeroed payload for the given region.
func AllocDataBuffer(t DataType, offsets, shapes []int) (*DataBuffer, error) {
	if err := ValidateRegion(offsets, shapes); err != nil {
		return nil, err
	}
	data, err := NewArray(t, ShapeSize(shapes))
	if err != nil {
		return nil, err
	}
	return NewDataBuffer(data, offsets, shapes)
}

// Rank returns the number of dimensions.
func (b *DataBuffer) Rank() int { return len(b.Shapes) }

// Cuboid returns the region in (z, y, x) order. A 2D buffer is placed on layer
// `layer` with a depth of one.
func (b *DataBuffer) Cuboid(layer int) geometry.Cuboid {
	if len(b.Shapes) == 3 {
		return geometry.NewCuboid(
			[3]int{b.Offsets[0], b.Offsets[1], b.Offsets[2]},
			[3]int{b.Shapes[0], b.Shapes[1], b.Shapes[2]})
	}
	return geometry.NewCuboid(
		[3]int{layer, b.Offsets[0], b.Offsets[1]},
		[3]int{1, b.Shapes[0], b.Shapes[1]})
}

// ValidateRegion checks that offsets and shapes have the same rank of 2 or 3 and
// hold no negative entries.
func ValidateRegion(offsets, shapes []int) error {
	if len(offsets) != len(shapes) {
		return fmt.Errorf("%w: %d offsets vs %d shapes", ErrConfiguration, len(offsets), len(shapes))
	}
	if len(shapes) != 2 && len(shapes) != 3 {
		return fmt.Errorf("%w: rank %d not supported", ErrConfiguration, len(shapes))
	}
	for i := range shapes {
		if offsets[i] < 0 || shapes[i] < 0 {
			return fmt.Errorf("%w: negative region offsets %v shapes %v", ErrConfiguration, offsets, shapes)
		}
	}
	return nil
}

// ShapeSize returns the product of shapes.
func ShapeSize(shapes []int) int {
	n := 1
	for _, s := range shapes {
		n *= s
	}
	return n
}

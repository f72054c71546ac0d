package raster

import "fmt"

// CopyRegion copies a box of extent count from src to dst. src and dst are row-major
// arrays of shape srcShape and dstShape; the box starts at srcStart in src and lands
// at dstStart in dst. All vectors share one rank, innermost dimension last.
func CopyRegion(dst *Array, dstShape, dstStart []int, src *Array, srcShape, srcStart []int, count []int) error {
	rank := len(count)
	if len(dstShape) != rank || len(dstStart) != rank || len(srcShape) != rank || len(srcStart) != rank {
		return fmt.Errorf("%w: rank mismatch in region copy", ErrConfiguration)
	}
	if dst.Type() != src.Type() {
		return fmt.Errorf("%w: %s <- %s", ErrTypeMismatch, dst.Type(), src.Type())
	}
	for d := 0; d < rank; d++ {
		if count[d] <= 0 {
			return nil
		}
		if srcStart[d] < 0 || srcStart[d]+count[d] > srcShape[d] ||
			dstStart[d] < 0 || dstStart[d]+count[d] > dstShape[d] {
			return fmt.Errorf("%w: box %v at src %v (shape %v) / dst %v (shape %v)",
				ErrOutOfBounds, count, srcStart, srcShape, dstStart, dstShape)
		}
	}
	if ShapeSize(srcShape) > src.Len() || ShapeSize(dstShape) > dst.Len() {
		return fmt.Errorf("%w: array shorter than its shape", ErrConfiguration)
	}

	srcStrides := strides(srcShape)
	dstStrides := strides(dstShape)
	copyRegionRecursive(dst, dstStrides, dstStart, src, srcStrides, srcStart, count, 0, 0, 0)
	return nil
}

func copyRegionRecursive(dst *Array, dstStrides, dstStart []int, src *Array, srcStrides, srcStart []int,
	count []int, dim, srcOffset, dstOffset int) {
	last := len(count) - 1
	if dim == last {
		dst.s.copyFrom(dstOffset+dstStart[dim], src.s, srcOffset+srcStart[dim], count[dim])
		return
	}
	for i := 0; i < count[dim]; i++ {
		copyRegionRecursive(dst, dstStrides, dstStart, src, srcStrides, srcStart, count, dim+1,
			srcOffset+(srcStart[dim]+i)*srcStrides[dim],
			dstOffset+(dstStart[dim]+i)*dstStrides[dim])
	}
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	s[len(shape)-1] = 1
	for d := len(shape) - 2; d >= 0; d-- {
		s[d] = s[d+1] * shape[d+1]
	}
	return s
}

package raster

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks contract violations detected at construction time:
	// mismatched offset/shape vectors, buffer sizes that disagree with shapes,
	// unknown data types or factory kinds.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupported is returned by collaborators that do not implement an operation.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrTypeMismatch is returned when two arrays of different element types meet.
	ErrTypeMismatch = fmt.Errorf("%w: element type mismatch", ErrConfiguration)

	// ErrOutOfBounds is returned when a region leaves the raster extent.
	ErrOutOfBounds = errors.New("region out of bounds")
)

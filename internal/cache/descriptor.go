package cache

import (
	"context"
	"errors"
	"fmt"

	"rastercache/internal/geometry"
	"rastercache/internal/raster"
)

// ErrUnknownVariable is returned by providers asked for a variable they do not hold.
var ErrUnknownVariable = errors.New("unknown variable")

// VariableDescriptor describes one variable: full extent and tile extent. Layers and
// TileLayers are geometry.NoLayer for 2D variables.
type VariableDescriptor struct {
	Name       string
	DataType   raster.DataType
	Width      int
	Height     int
	Layers     int
	TileWidth  int
	TileHeight int
	TileLayers int
}

// Rank returns 3 for layered variables, 2 otherwise.
func (d VariableDescriptor) Rank() int {
	if d.Layers > 0 {
		return 3
	}
	return 2
}

// Validate rejects descriptors a tile grid cannot be built from.
func (d VariableDescriptor) Validate() error {
	if !d.DataType.Valid() {
		return fmt.Errorf("%w: variable %q has unknown data type", raster.ErrConfiguration, d.Name)
	}
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: variable %q has extent %dx%d", raster.ErrConfiguration, d.Name, d.Width, d.Height)
	}
	if d.TileWidth <= 0 || d.TileHeight <= 0 {
		return fmt.Errorf("%w: variable %q has tile extent %dx%d", raster.ErrConfiguration, d.Name, d.TileWidth, d.TileHeight)
	}
	if d.Rank() == 3 && d.TileLayers <= 0 {
		return fmt.Errorf("%w: variable %q has %d tile layers", raster.ErrConfiguration, d.Name, d.TileLayers)
	}
	return nil
}

// Extent returns the full variable as a cuboid; 2D variables have depth one.
func (d VariableDescriptor) Extent() geometry.Cuboid {
	depth := 1
	if d.Rank() == 3 {
		depth = d.Layers
	}
	return geometry.Cuboid{Depth: depth, Height: d.Height, Width: d.Width}
}

// CacheDataProvider decodes raster data on behalf of a cache.
//
// ReadCacheBlock must return data exactly matching the requested offsets and shapes.
// target, when not nil, is a buffer of the right type and size the provider may fill
// and return.
type CacheDataProvider interface {
	VariableDescriptor(ctx context.Context, name string) (VariableDescriptor, error)
	ReadCacheBlock(ctx context.Context, name string, offsets, shapes []int, target *raster.Array) (*raster.DataBuffer, error)
}

// VariableLister is implemented by providers that can enumerate their variables.
type VariableLister interface {
	VariableNames() []string
}

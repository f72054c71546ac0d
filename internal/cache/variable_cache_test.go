package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rastercache/internal/geometry"
	"rastercache/internal/raster"
)

func descriptor2D() VariableDescriptor {
	return VariableDescriptor{
		Name:       "radiance_1",
		DataType:   raster.TypeUint16,
		Width:      200,
		Height:     260,
		Layers:     geometry.NoLayer,
		TileWidth:  100,
		TileHeight: 100,
		TileLayers: geometry.NoLayer,
	}
}

func descriptor3D() VariableDescriptor {
	return VariableDescriptor{
		Name:       "temperature",
		DataType:   raster.TypeFloat32,
		Width:      200,
		Height:     260,
		Layers:     5,
		TileWidth:  100,
		TileHeight: 100,
		TileLayers: 2,
	}
}

func TestNewVariableCache2D(t *testing.T) {
	v, err := NewVariableCache2D(descriptor2D())
	require.NoError(t, err)

	rows, cols := v.GridSize()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, "radiance_1", v.Descriptor().Name)
	assert.Zero(t, v.SizeInBytes())

	_, err = NewVariableCache2D(descriptor3D())
	assert.ErrorIs(t, err, raster.ErrConfiguration)

	bad := descriptor2D()
	bad.TileWidth = 0
	_, err = NewVariableCache2D(bad)
	assert.ErrorIs(t, err, raster.ErrConfiguration)
}

func TestVariableCache2D_TileLocations(t *testing.T) {
	v, err := NewVariableCache2D(descriptor2D())
	require.NoError(t, err)

	tests := []struct {
		name    string
		offsets []int
		shapes  []int
		want    []geometry.TileIndex
	}{
		{"single tile", []int{10, 10}, []int{20, 20}, []geometry.TileIndex{geometry.Index2D(0, 0)}},
		{"four tiles", []int{50, 50}, []int{100, 100}, []geometry.TileIndex{
			geometry.Index2D(0, 0), geometry.Index2D(0, 1),
			geometry.Index2D(1, 0), geometry.Index2D(1, 1),
		}},
		{"clipped at the edge", []int{250, 150}, []int{100, 100}, []geometry.TileIndex{geometry.Index2D(2, 1)}},
		{"outside", []int{300, 0}, []int{10, 10}, nil},
		{"wrong rank", []int{0, 0, 0}, []int{1, 1, 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.TileLocations(tt.offsets, tt.shapes))
		})
	}
}

func TestVariableCache2D_StoreAndAffected(t *testing.T) {
	v, err := NewVariableCache2D(descriptor2D())
	require.NoError(t, err)

	offsets, shapes := []int{50, 50}, []int{100, 100}
	assert.Empty(t, v.AffectedTileLocations(offsets, shapes))

	tileOffsets, tileShapes, bounds := v.tileRegion(geometry.Index2D(2, 1))
	assert.Equal(t, []int{200, 100}, tileOffsets)
	assert.Equal(t, []int{60, 100}, tileShapes)
	assert.Equal(t, geometry.Cuboid{Y: 200, X: 100, Depth: 1, Height: 60, Width: 100}, bounds)

	data := raster.Wrap(make([]uint16, 100*100))
	require.True(t, v.store(geometry.Index2D(1, 1), data))
	assert.False(t, v.store(geometry.Index2D(1, 1), data))

	assert.Equal(t, []geometry.TileIndex{geometry.Index2D(1, 1)}, v.AffectedTileLocations(offsets, shapes))
	assert.Empty(t, v.AffectedTileLocations([]int{0, 0}, []int{10, 10}))
	assert.Equal(t, int64(20000), v.SizeInBytes())

	cd, ok := v.CacheData(1, 1)
	require.True(t, ok)
	assert.Same(t, data, cd.Data())
	assert.Equal(t, geometry.Cuboid{Y: 100, X: 100, Depth: 1, Height: 100, Width: 100}, cd.Cuboid())

	_, ok = v.CacheData(0, 0)
	assert.False(t, ok)
	_, ok = v.CacheData(3, 0)
	assert.False(t, ok)

	assert.Equal(t, int64(20000), v.Dispose())
	assert.Zero(t, v.SizeInBytes())
	_, ok = v.CacheData(1, 1)
	assert.False(t, ok)
	assert.False(t, v.store(geometry.Index2D(0, 0), data))
}

func TestNewVariableCache3D(t *testing.T) {
	v, err := NewVariableCache3D(descriptor3D())
	require.NoError(t, err)

	layers, rows, cols := v.GridSize()
	assert.Equal(t, 3, layers)
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)

	_, err = NewVariableCache3D(descriptor2D())
	assert.ErrorIs(t, err, raster.ErrConfiguration)

	bad := descriptor3D()
	bad.TileLayers = 0
	_, err = NewVariableCache3D(bad)
	assert.ErrorIs(t, err, raster.ErrConfiguration)
}

func TestVariableCache3D_TileLocations(t *testing.T) {
	v, err := NewVariableCache3D(descriptor3D())
	require.NoError(t, err)

	got := v.TileLocations([]int{1, 10, 90}, []int{2, 10, 20})
	assert.Equal(t, []geometry.TileIndex{
		{Layer: 0, Row: 0, Col: 0}, {Layer: 0, Row: 0, Col: 1},
		{Layer: 1, Row: 0, Col: 0}, {Layer: 1, Row: 0, Col: 1},
	}, got)

	assert.Equal(t, []geometry.TileIndex{{Layer: 2, Row: 2, Col: 1}},
		v.TileLocations([]int{4, 250, 150}, []int{3, 50, 50}))
	assert.Nil(t, v.TileLocations([]int{5, 0, 0}, []int{1, 10, 10}))
	assert.Nil(t, v.TileLocations([]int{0, 0}, []int{1, 1}))
}

func TestVariableCache3D_StoreAndAffected(t *testing.T) {
	v, err := NewVariableCache3D(descriptor3D())
	require.NoError(t, err)

	// the last tile layer holds the single remaining layer
	offsets, shapes, bounds := v.tileRegion(geometry.TileIndex{Layer: 2, Row: 0, Col: 0})
	assert.Equal(t, []int{4, 0, 0}, offsets)
	assert.Equal(t, []int{1, 100, 100}, shapes)
	assert.Equal(t, geometry.NewCuboid([3]int{4, 0, 0}, [3]int{1, 100, 100}), bounds)

	idx := geometry.TileIndex{Layer: 1, Row: 0, Col: 1}
	data := raster.Wrap(make([]float32, 2*100*100))
	require.True(t, v.store(idx, data))
	assert.False(t, v.store(idx, data))
	assert.Equal(t, int64(80000), v.SizeInBytes())

	assert.Equal(t, []geometry.TileIndex{idx}, v.AffectedTileLocations([]int{0, 0, 0}, []int{5, 260, 200}))
	assert.Empty(t, v.AffectedTileLocations([]int{0, 0, 0}, []int{2, 260, 200}))

	cd, ok := v.CacheData(1, 0, 1)
	require.True(t, ok)
	assert.Equal(t, geometry.NewCuboid([3]int{2, 0, 100}, [3]int{2, 100, 100}), cd.BoundingCuboid())
	assert.Equal(t, int64(80000), cd.SizeInBytes())

	assert.Equal(t, int64(80000), v.Dispose())
	assert.Zero(t, v.SizeInBytes())
	_, ok = v.CacheData(1, 0, 1)
	assert.False(t, ok)
}

func TestVariableCache_NonPositiveShapesSpanNothing(t *testing.T) {
	v2, err := NewVariableCache2D(descriptor2D())
	require.NoError(t, err)
	require.True(t, v2.store(geometry.Index2D(0, 0), raster.Wrap(make([]uint16, 100*100))))

	for _, shapes := range [][]int{{-5, -5}, {0, 10}, {10, -1}} {
		assert.Empty(t, v2.AffectedTileLocations([]int{10, 10}, shapes), "shapes %v", shapes)
		assert.Empty(t, v2.TileLocations([]int{10, 10}, shapes), "shapes %v", shapes)
	}
	assert.Len(t, v2.AffectedTileLocations([]int{10, 10}, []int{5, 5}), 1)

	v3, err := NewVariableCache3D(descriptor3D())
	require.NoError(t, err)
	require.True(t, v3.store(geometry.TileIndex{Layer: 0, Row: 0, Col: 0}, raster.Wrap(make([]float32, 2*100*100))))

	assert.Empty(t, v3.AffectedTileLocations([]int{1, 10, 10}, []int{1, -5, -5}))
	assert.Empty(t, v3.TileLocations([]int{1, 10, 10}, []int{1, 0, 5}))
	assert.Len(t, v3.AffectedTileLocations([]int{1, 10, 10}, []int{1, 5, 5}), 1)
}

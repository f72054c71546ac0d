package cache

import (
	"image"

	"rastercache/internal/geometry"
	"rastercache/internal/raster"
)

// CacheData2D holds the bounds of one 2D tile slot and, once read, its payload.
// Bounds are inclusive.
type CacheData2D struct {
	yMin, yMax int
	xMin, xMax int
	data       *raster.Array
}

// NewCacheData2D creates tile bounds from (y, x) offsets and shapes.
func NewCacheData2D(offsets, shapes [2]int) CacheData2D {
	return CacheData2D{
		yMin: offsets[0],
		yMax: offsets[0] + shapes[0] - 1,
		xMin: offsets[1],
		xMax: offsets[1] + shapes[1] - 1,
	}
}

// Intersects reports whether the (y, x) region overlaps the tile.
func (c CacheData2D) Intersects(offsets, shapes [2]int) bool {
	return c.IntersectsY(offsets[0], offsets[0]+shapes[0]-1) &&
		c.IntersectsX(offsets[1], offsets[1]+shapes[1]-1)
}

// IntersectsY reports whether the inclusive row range overlaps the tile.
func (c CacheData2D) IntersectsY(yMin, yMax int) bool {
	return yMin <= c.yMax && yMax >= c.yMin
}

// IntersectsX reports whether the inclusive column range overlaps the tile.
func (c CacheData2D) IntersectsX(xMin, xMax int) bool {
	return xMin <= c.xMax && xMax >= c.xMin
}

// BoundingRect returns the tile bounds as a half-open rectangle.
func (c CacheData2D) BoundingRect() image.Rectangle {
	return image.Rect(c.xMin, c.yMin, c.xMax+1, c.yMax+1)
}

// Cuboid returns the tile bounds on layer zero.
func (c CacheData2D) Cuboid() geometry.Cuboid {
	return geometry.Cuboid{
		Y: c.yMin, X: c.xMin,
		Depth: 1, Height: c.yMax - c.yMin + 1, Width: c.xMax - c.xMin + 1,
	}
}

// Data returns the payload, nil until the tile has been read.
func (c CacheData2D) Data() *raster.Array { return c.data }

// SizeInBytes returns the payload size.
func (c CacheData2D) SizeInBytes() int64 {
	if c.data == nil {
		return 0
	}
	return c.data.SizeInBytes()
}

// CacheData3D holds the bounds of one 3D tile slot and its payload.
type CacheData3D struct {
	zMin, zMax int
	yMin, yMax int
	xMin, xMax int
	data       *raster.Array
}

// NewCacheData3D creates tile bounds from (z, y, x) offsets and shapes.
func NewCacheData3D(offsets, shapes [3]int) CacheData3D {
	return CacheData3D{
		zMin: offsets[0],
		zMax: offsets[0] + shapes[0] - 1,
		yMin: offsets[1],
		yMax: offsets[1] + shapes[1] - 1,
		xMin: offsets[2],
		xMax: offsets[2] + shapes[2] - 1,
	}
}

// Intersects reports whether the (z, y, x) region overlaps the tile.
func (c CacheData3D) Intersects(offsets, shapes [3]int) bool {
	return c.IntersectsZ(offsets[0], offsets[0]+shapes[0]-1) &&
		c.IntersectsY(offsets[1], offsets[1]+shapes[1]-1) &&
		c.IntersectsX(offsets[2], offsets[2]+shapes[2]-1)
}

func (c CacheData3D) IntersectsZ(zMin, zMax int) bool {
	return zMin <= c.zMax && zMax >= c.zMin
}

func (c CacheData3D) IntersectsY(yMin, yMax int) bool {
	return yMin <= c.yMax && yMax >= c.yMin
}

func (c CacheData3D) IntersectsX(xMin, xMax int) bool {
	return xMin <= c.xMax && xMax >= c.xMin
}

// BoundingCuboid returns the tile bounds.
func (c CacheData3D) BoundingCuboid() geometry.Cuboid {
	return geometry.Cuboid{
		Z: c.zMin, Y: c.yMin, X: c.xMin,
		Depth:  c.zMax - c.zMin + 1,
		Height: c.yMax - c.yMin + 1,
		Width:  c.xMax - c.xMin + 1,
	}
}

func (c CacheData3D) Data() *raster.Array { return c.data }

func (c CacheData3D) SizeInBytes() int64 {
	if c.data == nil {
		return 0
	}
	return c.data.SizeInBytes()
}

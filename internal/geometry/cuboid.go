package geometry

// Cuboid is an offset+size box in (z, y, x) order.
type Cuboid struct {
	Z, Y, X              int
	Depth, Height, Width int
}

// NewCuboid builds a cuboid from offset and shape vectors in (z, y, x) order.
func NewCuboid(offsets, shapes [3]int) Cuboid {
	return Cuboid{
		Z: offsets[0], Y: offsets[1], X: offsets[2],
		Depth: shapes[0], Height: shapes[1], Width: shapes[2],
	}
}

// IsEmpty reports whether any extent is zero or negative.
func (c Cuboid) IsEmpty() bool {
	return c.Depth <= 0 || c.Height <= 0 || c.Width <= 0
}

// Intersection returns the overlap of c and o. The result is empty (see IsEmpty)
// when the boxes are disjoint on any axis.
func (c Cuboid) Intersection(o Cuboid) Cuboid {
	z, depth := overlap(c.Z, c.Depth, o.Z, o.Depth)
	y, height := overlap(c.Y, c.Height, o.Y, o.Height)
	x, width := overlap(c.X, c.Width, o.X, o.Width)
	return Cuboid{Z: z, Y: y, X: x, Depth: depth, Height: height, Width: width}
}

// Contains reports whether o lies completely inside c.
func (c Cuboid) Contains(o Cuboid) bool {
	if o.IsEmpty() {
		return false
	}
	return o.Z >= c.Z && o.Z+o.Depth <= c.Z+c.Depth &&
		o.Y >= c.Y && o.Y+o.Height <= c.Y+c.Height &&
		o.X >= c.X && o.X+o.Width <= c.X+c.Width
}

// Offsets returns the (z, y, x) origin.
func (c Cuboid) Offsets() [3]int { return [3]int{c.Z, c.Y, c.X} }

// Shapes returns the (depth, height, width) extent.
func (c Cuboid) Shapes() [3]int { return [3]int{c.Depth, c.Height, c.Width} }

func overlap(aStart, aSize, bStart, bSize int) (int, int) {
	start := max(aStart, bStart)
	end := min(aStart+aSize, bStart+bSize)
	return start, end - start
}

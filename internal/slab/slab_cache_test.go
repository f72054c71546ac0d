package slab

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rastercache/internal/raster"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) CreateBuffer(n int) (*raster.Array, error) {
	args := m.Called(n)
	buf, _ := args.Get(0).(*raster.Array)
	return buf, args.Error(1)
}

func (m *mockStorage) ReadRasterData(_ context.Context, x, y, w, h int, _ *raster.Array) error {
	return m.Called(x, y, w, h).Error(0)
}

// expectSlab sets up one buffer allocation and one read of the w×h slab at (x, y).
func (m *mockStorage) expectSlab(x, y, w, h int) {
	m.On("CreateBuffer", w*h).Return(raster.Wrap(make([]int16, w*h)), nil)
	m.On("ReadRasterData", x, y, w, h).Return(nil).Once()
}

func newSlabCache(t *testing.T, width, height, tileWidth, tileHeight int, storage Storage, maxSlabs int) *SlabCache {
	t.Helper()
	c, err := NewSlabCache(width, height, tileWidth, tileHeight, storage, maxSlabs)
	require.NoError(t, err)
	return c
}

func regions(slabs []*Slab) []image.Rectangle {
	out := make([]image.Rectangle, len(slabs))
	for i, s := range slabs {
		out[i] = s.Region()
	}
	return out
}

func TestGet_OneSlabCreated(t *testing.T) {
	storage := &mockStorage{}
	storage.expectSlab(0, 0, 10, 10)
	c := newSlabCache(t, 100, 200, 10, 10, storage, 0)

	slabs, err := c.Get(context.Background(), 2, 3, 3, 3)
	require.NoError(t, err)
	require.Len(t, slabs, 1)
	assert.Equal(t, image.Rect(0, 0, 10, 10), slabs[0].Region())
	assert.Greater(t, slabs[0].LastAccess(), int64(-1))

	storage.AssertExpectations(t)
	storage.AssertNumberOfCalls(t, "CreateBuffer", 1)
}

func TestGet_OneSlabFromCache(t *testing.T) {
	storage := &mockStorage{}
	storage.expectSlab(0, 0, 10, 10)
	c := newSlabCache(t, 100, 200, 10, 10, storage, 0)

	first, err := c.Get(context.Background(), 2, 3, 3, 3)
	require.NoError(t, err)
	require.Len(t, first, 1)
	lastAccess := first[0].LastAccess()

	second, err := c.Get(context.Background(), 2, 3, 3, 3)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0])
	assert.Greater(t, second[0].LastAccess(), lastAccess)

	storage.AssertExpectations(t)
	storage.AssertNumberOfCalls(t, "CreateBuffer", 1)
	storage.AssertNumberOfCalls(t, "ReadRasterData", 1)
}

func TestGet_TwoSlabsHorizontal(t *testing.T) {
	storage := &mockStorage{}
	storage.expectSlab(0, 0, 10, 9)
	storage.expectSlab(10, 0, 10, 9)
	c := newSlabCache(t, 90, 190, 10, 9, storage, 0)

	slabs, err := c.Get(context.Background(), 8, 3, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{
		image.Rect(0, 0, 10, 9),
		image.Rect(10, 0, 20, 9),
	}, regions(slabs))

	storage.AssertExpectations(t)
	storage.AssertNumberOfCalls(t, "CreateBuffer", 2)
}

func TestGet_TwoSlabsVertical(t *testing.T) {
	storage := &mockStorage{}
	storage.expectSlab(0, 0, 9, 8)
	storage.expectSlab(0, 8, 9, 8)
	c := newSlabCache(t, 80, 180, 9, 8, storage, 0)

	slabs, err := c.Get(context.Background(), 2, 6, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{
		image.Rect(0, 0, 9, 8),
		image.Rect(0, 8, 9, 16),
	}, regions(slabs))

	storage.AssertExpectations(t)
}

func TestGet_FourSlabsAroundCenterPoint(t *testing.T) {
	storage := &mockStorage{}
	storage.expectSlab(20, 20, 10, 20)
	storage.expectSlab(20, 40, 10, 20)
	storage.expectSlab(30, 20, 10, 20)
	storage.expectSlab(30, 40, 10, 20)
	c := newSlabCache(t, 50, 140, 10, 20, storage, 0)

	slabs, err := c.Get(context.Background(), 28, 38, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{
		image.Rect(20, 20, 30, 40),
		image.Rect(20, 40, 30, 60),
		image.Rect(30, 20, 40, 40),
		image.Rect(30, 40, 40, 60),
	}, regions(slabs))
	for _, s := range slabs {
		assert.Greater(t, s.LastAccess(), int64(-1))
	}

	storage.AssertExpectations(t)
	storage.AssertNumberOfCalls(t, "CreateBuffer", 4)
}

func TestGet_FourSlabsTwoFromCache(t *testing.T) {
	storage := &mockStorage{}
	storage.expectSlab(20, 20, 10, 20)
	storage.expectSlab(20, 40, 10, 20)
	storage.expectSlab(30, 20, 10, 20)
	storage.expectSlab(30, 40, 10, 20)
	c := newSlabCache(t, 50, 140, 10, 20, storage, 0)
	ctx := context.Background()

	slabs, err := c.Get(ctx, 22, 31, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{image.Rect(20, 20, 30, 40)}, regions(slabs))

	slabs, err = c.Get(ctx, 33, 42, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{image.Rect(30, 40, 40, 60)}, regions(slabs))

	// cached slabs come first
	slabs, err = c.Get(ctx, 28, 38, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{
		image.Rect(20, 20, 30, 40),
		image.Rect(30, 40, 40, 60),
		image.Rect(20, 40, 30, 60),
		image.Rect(30, 20, 40, 40),
	}, regions(slabs))

	storage.AssertExpectations(t)
	storage.AssertNumberOfCalls(t, "CreateBuffer", 4)
}

func TestGet_ScanTilesTwoScans(t *testing.T) {
	storage := &mockStorage{}
	storage.expectSlab(0, 40, 400, 20)
	storage.expectSlab(0, 60, 400, 20)
	c := newSlabCache(t, 400, 1400, 400, 20, storage, 0)

	slabs, err := c.Get(context.Background(), 200, 55, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{
		image.Rect(0, 40, 400, 60),
		image.Rect(0, 60, 400, 80),
	}, regions(slabs))

	storage.AssertExpectations(t)
	storage.AssertNumberOfCalls(t, "CreateBuffer", 2)
}

func TestGet_ScanTilesThreeScansOneFromCache(t *testing.T) {
	storage := &mockStorage{}
	storage.expectSlab(0, 1160, 512, 40)
	storage.expectSlab(0, 1200, 512, 40)
	storage.expectSlab(0, 1240, 512, 40)
	c := newSlabCache(t, 512, 1840, 512, 40, storage, 0)
	ctx := context.Background()

	slabs, err := c.Get(ctx, 400, 1200, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 1200, 512, 1240)}, regions(slabs))

	slabs, err = c.Get(ctx, 400, 1190, 20, 70)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{
		image.Rect(0, 1200, 512, 1240),
		image.Rect(0, 1160, 512, 1200),
		image.Rect(0, 1240, 512, 1280),
	}, regions(slabs))

	storage.AssertExpectations(t)
	storage.AssertNumberOfCalls(t, "CreateBuffer", 3)
}

func TestGet_OutsideRaster(t *testing.T) {
	storage := &mockStorage{}
	c := newSlabCache(t, 100, 100, 10, 10, storage, 0)

	slabs, err := c.Get(context.Background(), 200, 200, 5, 5)
	require.NoError(t, err)
	assert.Empty(t, slabs)
	storage.AssertNotCalled(t, "CreateBuffer", mock.Anything)
}

func TestGet_ReadFailure(t *testing.T) {
	errRead := errors.New("short read")
	storage := &mockStorage{}
	storage.On("CreateBuffer", 100).Return(raster.Wrap(make([]int16, 100)), nil)
	storage.On("ReadRasterData", 0, 0, 10, 10).Return(errRead).Once()
	c := newSlabCache(t, 100, 100, 10, 10, storage, 0)

	_, err := c.Get(context.Background(), 0, 0, 5, 5)
	assert.ErrorIs(t, err, errRead)
	assert.Zero(t, c.Len())
}

func TestGet_EvictsLeastRecentlyUsed(t *testing.T) {
	storage := &mockStorage{}
	storage.On("CreateBuffer", 100).Return(raster.Wrap(make([]int16, 100)), nil)
	storage.On("ReadRasterData", mock.Anything, mock.Anything, 10, 10).Return(nil)
	c := newSlabCache(t, 100, 100, 10, 10, storage, 2)
	ctx := context.Background()

	for _, x := range []int{0, 10, 20} {
		_, err := c.Get(ctx, x, 0, 1, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
	storage.AssertNumberOfCalls(t, "ReadRasterData", 3)

	// the slab at x=0 was dropped and is read again
	_, err := c.Get(ctx, 0, 0, 1, 1)
	require.NoError(t, err)
	storage.AssertNumberOfCalls(t, "ReadRasterData", 4)

	// a single request may exceed the bound
	_, err = c.Get(ctx, 30, 0, 30, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
}

func TestSizeInBytes(t *testing.T) {
	storage := &mockStorage{}
	storage.On("CreateBuffer", 100).Return(raster.Wrap(make([]int16, 200)), nil)
	storage.On("ReadRasterData", mock.Anything, mock.Anything, 10, 10).Return(nil)
	c := newSlabCache(t, 100, 300, 10, 10, storage, 0)
	ctx := context.Background()

	assert.Zero(t, c.SizeInBytes())

	_, err := c.Get(ctx, 1, 122, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(400), c.SizeInBytes())

	_, err = c.Get(ctx, 11, 122, 1, 1)
	require.NoError(t, err)
	_, err = c.Get(ctx, 21, 122, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), c.SizeInBytes())

	c.Dispose()
	assert.Zero(t, c.SizeInBytes())
	assert.Zero(t, c.Len())
}

func TestNewSlabCache_InvalidExtent(t *testing.T) {
	_, err := NewSlabCache(0, 10, 10, 10, &mockStorage{}, 0)
	assert.ErrorIs(t, err, raster.ErrConfiguration)
}

func TestNewSlab(t *testing.T) {
	s := NewSlab(image.Rect(1, 121, 101, 123))
	assert.Equal(t, int64(-1), s.LastAccess())
	assert.Zero(t, s.SizeInBytes())
	assert.Nil(t, s.Data())

	s.SetData(raster.Wrap(make([]int16, 200)))
	assert.Equal(t, int64(400), s.SizeInBytes())
}

func filled[T raster.Number](n int, v T) *raster.Array {
	elems := make([]T, n)
	for i := range elems {
		elems[i] = v
	}
	return raster.Wrap(elems)
}

func slabOf(r image.Rectangle, data *raster.Array) *Slab {
	s := NewSlab(r)
	s.SetData(data)
	return s
}

func TestCopyData_OneSlabRegionInside(t *testing.T) {
	slabs := []*Slab{slabOf(image.Rect(0, 0, 10, 10), filled(100, float32(1)))}
	dest := filled(12, float32(2))

	require.NoError(t, CopyData(dest, image.Rect(2, 3, 6, 6), slabs))
	for _, v := range raster.Elems[float32](dest) {
		assert.Equal(t, float32(1), v)
	}
}

func TestCopyData_RegionInsideSecondSlab(t *testing.T) {
	slabs := []*Slab{
		slabOf(image.Rect(0, 0, 10, 10), filled(100, float32(2))),
		slabOf(image.Rect(10, 0, 20, 10), filled(100, float32(3))),
	}
	dest := filled(12, float32(4))

	require.NoError(t, CopyData(dest, image.Rect(12, 3, 16, 6), slabs))
	for _, v := range raster.Elems[float32](dest) {
		assert.Equal(t, float32(3), v)
	}
}

func TestCopyData_TwoSlabsStackedVertically(t *testing.T) {
	slabs := []*Slab{
		slabOf(image.Rect(0, 10, 10, 20), filled(100, int8(3))),
		slabOf(image.Rect(0, 20, 10, 30), filled(100, int8(4))),
	}
	dest := filled(16, int8(5))

	require.NoError(t, CopyData(dest, image.Rect(3, 18, 7, 22), slabs))
	got := raster.Elems[int8](dest)
	assert.Equal(t, int8(3), got[0])
	assert.Equal(t, int8(3), got[5])
	assert.Equal(t, int8(4), got[10])
	assert.Equal(t, int8(4), got[15])
}

func TestCopyData_TwoSlabsSideBySide(t *testing.T) {
	slabs := []*Slab{
		slabOf(image.Rect(0, 10, 10, 20), filled(100, int8(4))),
		slabOf(image.Rect(10, 10, 20, 20), filled(100, int8(5))),
	}
	dest := filled(20, int8(6))

	require.NoError(t, CopyData(dest, image.Rect(8, 12, 12, 17), slabs))
	got := raster.Elems[int8](dest)
	assert.Equal(t, int8(4), got[0])
	assert.Equal(t, int8(4), got[5])
	assert.Equal(t, int8(5), got[10])
	assert.Equal(t, int8(5), got[15])
	assert.Equal(t, int8(4), got[16])
	assert.Equal(t, int8(5), got[19])
}

func TestCopyData_FourSlabsAroundCenter(t *testing.T) {
	slabs := []*Slab{
		slabOf(image.Rect(100, 120, 110, 130), filled(100, int16(5))),
		slabOf(image.Rect(110, 120, 120, 130), filled(100, int16(6))),
		slabOf(image.Rect(100, 130, 110, 140), filled(100, int16(7))),
		slabOf(image.Rect(110, 130, 120, 140), filled(100, int16(8))),
	}
	dest := filled(25, int16(9))

	require.NoError(t, CopyData(dest, image.Rect(108, 129, 113, 134), slabs))
	got := raster.Elems[int16](dest)
	assert.Equal(t, int16(5), got[0])
	assert.Equal(t, int16(5), got[1])
	assert.Equal(t, int16(6), got[2])
	assert.Equal(t, int16(7), got[6])
	assert.Equal(t, int16(8), got[7])
	assert.Equal(t, int16(7), got[20])
	assert.Equal(t, int16(8), got[24])
}

func TestCopyData_Scanlines(t *testing.T) {
	var slabs []*Slab
	for i, v := range []int16{6, 7, 8, 9, 9} {
		slabs = append(slabs, slabOf(image.Rect(0, 120+i, 1145, 121+i), filled(1145, v)))
	}
	dest := filled(30, int16(10))

	require.NoError(t, CopyData(dest, image.Rect(1102, 121, 1112, 124), slabs))
	got := raster.Elems[int16](dest)
	assert.Equal(t, int16(7), got[0])
	assert.Equal(t, int16(8), got[10])
	assert.Equal(t, int16(9), got[21])
}

func TestCopyDataWithin_Clip(t *testing.T) {
	slabs := []*Slab{
		slabOf(image.Rect(0, 0, 10, 10), filled(100, uint8(1))),
		NewSlab(image.Rect(10, 0, 20, 10)),
	}
	dest := filled(16, uint8(0))

	require.NoError(t, CopyDataWithin(dest, image.Rect(8, 0, 12, 4), image.Rect(9, 1, 12, 3), slabs))
	got := raster.Elems[uint8](dest)
	assert.Equal(t, []uint8{
		0, 0, 0, 0,
		0, 1, 0, 0,
		0, 1, 0, 0,
		0, 0, 0, 0,
	}, got)
}

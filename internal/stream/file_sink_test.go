package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rastercache/internal/raster"
)

func TestFileSink_WriteBlocksOutOfOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := NewFileSink(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sink.WriteBlock(ctx, "band_1", 3, raster.Wrap([]uint16{4, 5, 6})))
	require.NoError(t, sink.WriteBlock(ctx, "band_1", 0, raster.Wrap([]uint16{1, 2, 3})))
	require.NoError(t, sink.WriteBlock(ctx, "band_2", 0, raster.Wrap([]float32{1.5})))

	path := sink.Path("band_1")
	assert.NoFileExists(t, path)
	assert.FileExists(t, path+".tmp")

	require.NoError(t, sink.Close())
	assert.NoFileExists(t, path+".tmp")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	got := make([]uint16, 6)
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.LittleEndian, got))
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6}, got)

	data, err = os.ReadFile(sink.Path("band_2"))
	require.NoError(t, err)
	var f float32
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.LittleEndian, &f))
	assert.Equal(t, float32(1.5), f)

	// closing twice finalizes nothing new
	assert.NoError(t, sink.Close())
}

func TestFileSink_Path(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, "group_band.raw", filepath.Base(sink.Path("group/band")))
	assert.Equal(t, "band.raw", filepath.Base(sink.Path("band")))
}

func TestFileSink_CancelledContext(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.WriteBlock(ctx, "band_1", 0, raster.Wrap([]uint8{1}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, sink.Path("band_1")+".tmp")
}

func TestFileSink_Abort(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, nil)
	require.NoError(t, err)

	require.NoError(t, sink.WriteBlock(context.Background(), "band_1", 0, raster.Wrap([]uint16{1, 2})))
	require.NoError(t, sink.Abort())

	assert.NoFileExists(t, sink.Path("band_1"))
	assert.NoFileExists(t, sink.Path("band_1")+".tmp")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// nothing left to finalize
	require.NoError(t, sink.Close())
	assert.NoFileExists(t, sink.Path("band_1"))
}

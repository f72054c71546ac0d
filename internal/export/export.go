package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rastercache/internal/cache"
	"rastercache/internal/geometry"
	"rastercache/internal/metrics"
	"rastercache/internal/publish"
	"rastercache/internal/raster"
	"rastercache/internal/stream"
	"rastercache/internal/writecache"
)

// ErrIncomplete is returned when an export ends with blocks that were never
// fully written.
var ErrIncomplete = errors.New("export incomplete")

// Result summarizes one export.
type Result struct {
	Variable   string        `json:"variable"`
	Layer      int           `json:"layer"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	DataType   string        `json:"data_type"`
	Tiles      int           `json:"tiles"`
	Blocks     int           `json:"blocks"`
	Path       string        `json:"path,omitempty"`
	ObjectKey  string        `json:"object_key,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Duration   time.Duration `json:"-"`
}

// Run copies one layer of variable name from reader into sink. Tiles are read by
// up to workers goroutines, pushed through a write cache and flushed as soon as
// each strip is complete. layer is ignored for 2D variables.
func Run(ctx context.Context, reader cache.RegionReader, name string, layer int, sink stream.Sink, workers int, log *zap.Logger, rec metrics.Recorder) (*Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	start := time.Now()

	desc, err := reader.VariableDescriptor(ctx, name)
	if err != nil {
		return nil, err
	}
	if desc.Rank() == 3 {
		if layer < 0 || layer >= desc.Layers {
			return nil, fmt.Errorf("%w: layer %d of %q with %d layers", raster.ErrOutOfBounds, layer, name, desc.Layers)
		}
	} else {
		layer = geometry.NoLayer
	}

	variable := &writecache.Variable{
		Name:        outputName(name, layer),
		Width:       desc.Width,
		Height:      desc.Height,
		DataType:    desc.DataType,
		NoDataValue: math.NaN(),
	}
	writes := writecache.New(log, rec)
	vc, err := writes.Get(variable)
	if err != nil {
		return nil, err
	}

	boundary := geometry.NewTileBoundaryCalculator(desc.Width, desc.Height, desc.TileWidth, desc.TileHeight)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	tiles := 0
	for row := 0; row < boundary.Rows(); row++ {
		for col := 0; col < boundary.Columns(); col++ {
			bounds := boundary.Bounds(col, row)
			tiles++
			g.Go(func() error {
				return copyTile(gctx, reader, name, layer, bounds, vc, sink)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, err := vc.Flush(ctx, sink); err != nil {
		return nil, err
	}
	if pending := vc.Pending(); pending > 0 {
		return nil, fmt.Errorf("%w: %d blocks of %q not written", ErrIncomplete, pending, variable.Name)
	}
	writes.Remove(variable)

	duration := time.Since(start)
	log.Info("Export completed",
		zap.String("variable", variable.Name),
		zap.Int("tiles", tiles),
		zap.Int("blocks", len(vc.Blocks())),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
	return &Result{
		Variable:   variable.Name,
		Layer:      layer,
		Width:      desc.Width,
		Height:     desc.Height,
		DataType:   desc.DataType.String(),
		Tiles:      tiles,
		Blocks:     len(vc.Blocks()),
		DurationMs: duration.Milliseconds(),
		Duration:   duration,
	}, nil
}

func copyTile(ctx context.Context, reader cache.RegionReader, name string, layer int, bounds geometry.TileRegion,
	vc *writecache.VariableCache, sink stream.Sink) error {
	x, y, w, h := bounds.XMin, bounds.YMin, bounds.Width(), bounds.Height()

	target, err := raster.AllocDataBuffer(vc.Variable().DataType, []int{y, x}, []int{h, w})
	if err != nil {
		return err
	}
	offsets, shapes := []int{y, x}, []int{h, w}
	if layer != geometry.NoLayer {
		offsets, shapes = []int{layer, y, x}, []int{1, h, w}
	}
	if err := reader.Read(ctx, name, offsets, shapes, target); err != nil {
		return fmt.Errorf("failed to read tile at (%d, %d): %w", x, y, err)
	}

	completed, err := vc.UpdateBlocks(x, y, w, h, target.Data)
	if err != nil {
		return err
	}
	if len(completed) == 0 {
		return nil
	}
	_, err = vc.Flush(ctx, sink)
	return err
}

func outputName(name string, layer int) string {
	if layer == geometry.NoLayer {
		return name
	}
	return fmt.Sprintf("%s_%d", name, layer)
}

// Exporter writes exports below an output directory and optionally publishes
// them.
type Exporter struct {
	outputDir string
	workers   int
	publisher publish.Publisher
	logger    *zap.Logger
	metrics   metrics.Recorder
}

// New creates an exporter. publisher may be nil.
func New(outputDir string, workers int, publisher publish.Publisher, logger *zap.Logger, rec metrics.Recorder) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		outputDir: outputDir,
		workers:   workers,
		publisher: publisher,
		logger:    logger,
		metrics:   rec,
	}
}

// Export writes one layer of variable name to {outputDir}/{rasterID}/{variable}.raw.
func (e *Exporter) Export(ctx context.Context, rasterID string, reader cache.RegionReader, name string, layer int) (*Result, error) {
	sink, err := stream.NewFileSink(filepath.Join(e.outputDir, rasterID), e.logger)
	if err != nil {
		return nil, err
	}

	result, err := Run(ctx, reader, name, layer, sink, e.workers, e.logger, e.metrics)
	if err != nil {
		if abortErr := sink.Abort(); abortErr != nil {
			e.logger.Warn("Failed to discard partial export", zap.String("raster", rasterID), zap.Error(abortErr))
		}
		return nil, err
	}
	if err := sink.Close(); err != nil {
		return nil, err
	}
	result.Path = sink.Path(result.Variable)

	if e.publisher != nil {
		key, err := e.publisher.Publish(ctx, result.Path, rasterID+"/"+filepath.Base(result.Path))
		if err != nil {
			return nil, err
		}
		result.ObjectKey = key
	}
	return result, nil
}

package cache

import (
	"fmt"

	"go.uber.org/zap"

	"rastercache/internal/metrics"
	"rastercache/internal/raster"
)

// Reader kinds accepted by NewRegionReader.
const (
	KindGrid     = "grid"
	KindSlab     = "slab"
	KindDisabled = "disabled"
)

// Options tune the readers built by NewRegionReader.
type Options struct {
	// MaxSlabs bounds each slab cache; 0 keeps every slab.
	MaxSlabs int
	Metrics  metrics.Recorder
}

// NewRegionReader creates a region reader of the given kind in front of provider.
func NewRegionReader(kind string, provider CacheDataProvider, opts Options, log *zap.Logger) (RegionReader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch kind {
	case KindGrid:
		log.Debug("Using tile grid cache")
		return NewProductCache(provider, log, opts.Metrics), nil
	case KindSlab:
		log.Debug("Using slab cache", zap.Int("max_slabs", opts.MaxSlabs))
		return NewSlabReader(provider, opts.MaxSlabs, log), nil
	case KindDisabled:
		log.Debug("Cache disabled")
		return NewPassthrough(provider), nil
	default:
		return nil, fmt.Errorf("%w: unknown cache type: %s (supported: grid, slab, disabled)", raster.ErrConfiguration, kind)
	}
}

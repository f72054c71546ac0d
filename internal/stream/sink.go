package stream

import (
	"context"

	"rastercache/internal/raster"
)

// Sink receives completed write blocks. pos is the element offset of the block's
// first cell in the row-major output of variable.
type Sink interface {
	WriteBlock(ctx context.Context, variable string, pos int64, data *raster.Array) error
}

package provider

import (
	"context"

	"golang.org/x/time/rate"

	"rastercache/internal/cache"
	"rastercache/internal/raster"
)

// Throttled limits the decoded bytes per second an inner provider may deliver.
type Throttled struct {
	inner   cache.CacheDataProvider
	limiter *rate.Limiter
	burst   int
}

// NewThrottled wraps inner. bytesPerSec <= 0 disables throttling.
func NewThrottled(inner cache.CacheDataProvider, bytesPerSec int) *Throttled {
	t := &Throttled{inner: inner}
	if bytesPerSec > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
		t.burst = bytesPerSec
	}
	return t
}

func (t *Throttled) VariableDescriptor(ctx context.Context, name string) (cache.VariableDescriptor, error) {
	return t.inner.VariableDescriptor(ctx, name)
}

// ReadCacheBlock reads through the inner provider, then waits until the limiter
// has paid for the bytes read.
func (t *Throttled) ReadCacheBlock(ctx context.Context, name string, offsets, shapes []int, target *raster.Array) (*raster.DataBuffer, error) {
	block, err := t.inner.ReadCacheBlock(ctx, name, offsets, shapes, target)
	if err != nil {
		return nil, err
	}
	if block != nil && block.Data != nil {
		if err := t.acquire(ctx, block.Data.SizeInBytes()); err != nil {
			return nil, err
		}
	}
	return block, nil
}

// acquire waits for n tokens in chunks no larger than the burst.
func (t *Throttled) acquire(ctx context.Context, n int64) error {
	if t.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := int(min(n, int64(t.burst)))
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= int64(chunk)
	}
	return nil
}

// VariableNames forwards to the inner provider when it can list variables.
func (t *Throttled) VariableNames() []string {
	if l, ok := t.inner.(cache.VariableLister); ok {
		return l.VariableNames()
	}
	return nil
}

// Unwrap returns the inner provider.
func (t *Throttled) Unwrap() cache.CacheDataProvider { return t.inner }

// Close closes the inner provider when it holds resources.
func (t *Throttled) Close() {
	if c, ok := t.inner.(interface{ Close() }); ok {
		c.Close()
	}
}

package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "rastercache"

// Recorder records cache activity.
//
// Implementations must be safe for concurrent use and must not panic.
type Recorder interface {
	// TileHit records n tiles served from the read cache.
	TileHit(ctx context.Context, variable string, n int)
	// TileMiss records one tile that had to be read from the provider.
	TileMiss(ctx context.Context, variable string)
	// TileFilled records the payload bytes retained after a miss.
	TileFilled(ctx context.Context, variable string, bytes int64)
	// BlockFlushed records a completed write block streamed to a sink.
	BlockFlushed(ctx context.Context, variable string, bytes int64)
}

type recorder struct {
	hits         metric.Int64Counter
	misses       metric.Int64Counter
	filledBytes  metric.Int64Counter
	flushed      metric.Int64Counter
	flushedBytes metric.Int64Counter
}

// New creates a Recorder whose instruments are registered on meter.
func New(meter metric.Meter) (Recorder, error) {
	hits, err := meter.Int64Counter(
		"cache.tile.hits",
		metric.WithDescription("Tiles served from the read cache"),
		metric.WithUnit("{tile}"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"cache.tile.misses",
		metric.WithDescription("Tiles read from a data provider"),
		metric.WithUnit("{tile}"),
	)
	if err != nil {
		return nil, err
	}

	filledBytes, err := meter.Int64Counter(
		"cache.tile.filled_bytes",
		metric.WithDescription("Payload bytes retained by the read cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	flushed, err := meter.Int64Counter(
		"writecache.block.flushed",
		metric.WithDescription("Completed write blocks streamed out"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, err
	}

	flushedBytes, err := meter.Int64Counter(
		"writecache.block.flushed_bytes",
		metric.WithDescription("Payload bytes streamed out of the write cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &recorder{
		hits:         hits,
		misses:       misses,
		filledBytes:  filledBytes,
		flushed:      flushed,
		flushedBytes: flushedBytes,
	}, nil
}

func variableAttr(variable string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("variable", variable))
}

func (r *recorder) TileHit(ctx context.Context, variable string, n int) {
	if n <= 0 {
		return
	}
	r.hits.Add(ctx, int64(n), variableAttr(variable))
}

func (r *recorder) TileMiss(ctx context.Context, variable string) {
	r.misses.Add(ctx, 1, variableAttr(variable))
}

func (r *recorder) TileFilled(ctx context.Context, variable string, bytes int64) {
	r.filledBytes.Add(ctx, bytes, variableAttr(variable))
}

func (r *recorder) BlockFlushed(ctx context.Context, variable string, bytes int64) {
	opt := variableAttr(variable)
	r.flushed.Add(ctx, 1, opt)
	r.flushedBytes.Add(ctx, bytes, opt)
}

type noop struct{}

// Noop returns a Recorder that discards everything.
func Noop() Recorder { return noop{} }

func (noop) TileHit(context.Context, string, int)        {}
func (noop) TileMiss(context.Context, string)            {}
func (noop) TileFilled(context.Context, string, int64)   {}
func (noop) BlockFlushed(context.Context, string, int64) {}

// Provider bundles a meter provider with the HTTP handler exposing it.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Handler       http.Handler
}

// NewPrometheus builds a meter provider backed by a Prometheus exporter on a
// dedicated registry.
func NewPrometheus() (*Provider, error) {
	reg := prometheus.NewRegistry()
	exp, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	return &Provider{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp)),
		Handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, nil
}

// Recorder returns a Recorder on this provider's meter.
func (p *Provider) Recorder() (Recorder, error) {
	return New(p.MeterProvider.Meter(meterName))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.MeterProvider.Shutdown(ctx)
}

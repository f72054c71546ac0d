package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rastercache/internal/cache"
	"rastercache/internal/catalog"
	"rastercache/internal/config"
	"rastercache/internal/export"
	"rastercache/internal/geometry"
	httphandlers "rastercache/internal/http"
	"rastercache/internal/logger"
	"rastercache/internal/metrics"
	"rastercache/internal/provider"
	"rastercache/internal/provider/ncprov"
	"rastercache/internal/provider/vipsprov"
	"rastercache/internal/publish"
	"rastercache/internal/raster"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	defer vipsprov.Startup(cfg.VipsMaxCacheMB, cfg.VipsConcurrency, log)()

	log.Info("Starting raster cache server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("cache_type", cfg.CacheType),
		zap.Int64("cache_max_bytes", cfg.CacheMaxBytes),
	)

	rec := metrics.Noop()
	var metricsProvider *metrics.Provider
	if cfg.MetricsEnabled {
		metricsProvider, err = metrics.NewPrometheus()
		if err != nil {
			log.Fatal("Failed to initialize metrics", zap.Error(err))
		}
		rec, err = metricsProvider.Recorder()
		if err != nil {
			log.Fatal("Failed to create metric instruments", zap.Error(err))
		}
	}

	registry := cache.NewRegistry(cfg.CacheMaxBytes, log)
	defer registry.Dispose()
	manager := registry.Instance()

	// Fail fast on an unknown cache type instead of skipping every raster.
	if _, err := cache.NewRegionReader(cfg.CacheType, provider.NewDescriptorOnly(), cache.Options{}, log); err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	newReader := func(p cache.CacheDataProvider) (cache.RegionReader, error) {
		return cache.NewRegionReader(cfg.CacheType, p, cache.Options{MaxSlabs: cfg.SlabMax, Metrics: rec}, log)
	}

	cat := catalog.New(cfg.DataDir, openers(cfg, log), newReader, manager, log)
	if err := cat.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}
	defer cat.Close()

	var publisher publish.Publisher
	if cfg.PublishEnabled() {
		store, err := publish.New(cfg.PublishEndpoint, cfg.PublishAccessKey, cfg.PublishSecretKey, cfg.PublishBucket, cfg.PublishSecure, log)
		if err != nil {
			log.Fatal("Failed to initialize object store", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = store.EnsureBucket(ctx)
		cancel()
		if err != nil {
			log.Fatal("Failed to prepare bucket", zap.String("bucket", cfg.PublishBucket), zap.Error(err))
		}
		publisher = publish.NewBreaker(store, publish.DefaultBreakerConfig("object-store"), log)
		log.Info("Publishing exports", zap.String("endpoint", cfg.PublishEndpoint), zap.String("bucket", cfg.PublishBucket))
	}
	exporter := export.New(cfg.OutputDir, cfg.ExportWorkers, publisher, log, rec)

	handlers := httphandlers.New(cfg, log, cat, manager, exporter)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/rasters", handlers.HandleRasters)
	mux.HandleFunc("/api/rasters/", handlers.HandleRasterRoutes)
	mux.HandleFunc("/api/upload", handlers.HandleUpload)
	mux.HandleFunc("/api/cache", handlers.HandleCache)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	if metricsProvider != nil {
		mux.Handle("/metrics", metricsProvider.Handler)
	}

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	if cfg.WatchDataDir {
		if err := cat.Watch(bgCtx); err != nil {
			log.Warn("Data directory watcher disabled", zap.Error(err))
		}
	}
	if cfg.WarmupTiles {
		go warmupTiles(bgCtx, cfg.WarmupWorkers, cat, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsProvider != nil {
		if err := metricsProvider.Shutdown(ctx); err != nil {
			log.Warn("Failed to stop metrics", zap.Error(err))
		}
	}

	log.Info("Server stopped", zap.Int64("cache_bytes", manager.SizeInBytes()))
}

func openers(cfg *config.Config, log *zap.Logger) map[string]catalog.Opener {
	throttle := func(p cache.CacheDataProvider) cache.CacheDataProvider {
		if cfg.ProviderIOBytesPerSec > 0 {
			return provider.NewThrottled(p, cfg.ProviderIOBytesPerSec)
		}
		return p
	}

	result := make(map[string]catalog.Opener)
	for ext := range vipsprov.Extensions {
		result[ext] = func(path string) (cache.CacheDataProvider, error) {
			p, err := vipsprov.Open(path, cfg.ImageTileSize, log)
			if err != nil {
				return nil, err
			}
			return throttle(p), nil
		}
	}
	for ext := range ncprov.Extensions {
		result[ext] = func(path string) (cache.CacheDataProvider, error) {
			p, err := ncprov.Open(path, cfg.NetCDFTileHeight, log)
			if err != nil {
				return nil, err
			}
			return throttle(p), nil
		}
	}
	return result
}

// warmupTiles reads every tile of the first layer of every variable so the
// caches start filled.
func warmupTiles(ctx context.Context, workerLimit int, cat *catalog.Catalog, log *zap.Logger) {
	entries := cat.Entries()
	if len(entries) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("rasters", len(entries)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, entry := range entries {
		rs, ok := cat.Get(entry.ID)
		if !ok {
			continue
		}
		descs, err := rs.Descriptors(ctx)
		if err != nil {
			log.Warn("Warmup skipped raster", zap.String("raster", entry.ID), zap.Error(err))
			continue
		}

		for _, desc := range descs {
			boundary := geometry.NewTileBoundaryCalculator(desc.Width, desc.Height, desc.TileWidth, desc.TileHeight)
			for row := 0; row < boundary.Rows(); row++ {
				for col := 0; col < boundary.Columns(); col++ {
					if ctx.Err() != nil {
						wg.Wait()
						return
					}
					wg.Add(1)
					workerChan <- struct{}{} // Acquire worker slot

					go func(reader cache.RegionReader, desc cache.VariableDescriptor, bounds geometry.TileRegion) {
						defer wg.Done()
						defer func() { <-workerChan }() // Release worker slot

						if err := warmupTile(ctx, reader, desc, bounds); err != nil {
							log.Debug("Warmup tile failed",
								zap.String("raster", entry.ID),
								zap.String("variable", desc.Name),
								zap.Int("x", bounds.XMin),
								zap.Int("y", bounds.YMin),
								zap.Error(err))
						}
					}(rs.Reader, desc, boundary.Bounds(col, row))
				}
			}
		}
	}

	wg.Wait()
	log.Info("Tile warmup completed")
}

func warmupTile(ctx context.Context, reader cache.RegionReader, desc cache.VariableDescriptor, bounds geometry.TileRegion) error {
	offsets := []int{bounds.YMin, bounds.XMin}
	shapes := []int{bounds.Height(), bounds.Width()}
	target, err := raster.AllocDataBuffer(desc.DataType, offsets, shapes)
	if err != nil {
		return err
	}
	if desc.Rank() == 3 {
		offsets = []int{0, bounds.YMin, bounds.XMin}
		shapes = []int{1, bounds.Height(), bounds.Width()}
	}
	return reader.Read(ctx, desc.Name, offsets, shapes, target)
}

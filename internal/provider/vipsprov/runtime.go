package vipsprov

import (
	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

// Startup initializes libvips for tile decoding and routes its warnings and errors
// to log. The returned func shuts libvips down. Only the in-memory operation cache
// is used; tiles are cached by the engine.
func Startup(maxCacheMB, concurrency int, log *zap.Logger) func() {
	if log == nil {
		log = zap.NewNop()
	}
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		fields := []zap.Field{zap.String("domain", domain), zap.String("message", message)}
		switch {
		case level >= vips.LogLevelError:
			log.Error("libvips", fields...)
		case level >= vips.LogLevelWarning:
			log.Warn("libvips", fields...)
		}
	}, vips.LogLevelWarning)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: concurrency,
		MaxCacheMem:      maxCacheMB << 20,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		VectorEnabled:    true,
	})
	log.Info("libvips started",
		zap.Int("max_cache_mb", maxCacheMB),
		zap.Int("concurrency", concurrency),
	)
	return vips.Shutdown
}

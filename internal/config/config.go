package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Port                  int
	DataDir               string
	OutputDir             string
	CacheType             string
	CacheMaxBytes         int64
	SlabMax               int
	ProviderIOBytesPerSec int
	ImageTileSize         int
	NetCDFTileHeight      int
	ExportWorkers         int
	MaxRegionPixels       int
	WarmupTiles           bool
	WarmupWorkers         int
	WatchDataDir          bool
	VipsMaxCacheMB        int
	VipsConcurrency       int
	LogLevel              string
	LogFormat             string
	MetricsEnabled        bool
	PublishEndpoint       string
	PublishBucket         string
	PublishAccessKey      string
	PublishSecretKey      string
	PublishSecure         bool
	UploadToken           string
	MaxUploadSize         int64
	AllowedOrigin         string
}

func Load() *Config {
	dataDir := getEnv("DATA_DIR", "/data")

	cfg := &Config{
		Port:                  getEnvInt("PORT", 8080),
		DataDir:               dataDir,
		OutputDir:             getEnv("OUTPUT_DIR", filepath.Join(dataDir, "exports")),
		CacheType:             getEnv("CACHE", "grid"),
		CacheMaxBytes:         getEnvInt64("CACHE_MAX_BYTES", 1<<30), // 1GB default
		SlabMax:               getEnvInt("SLAB_MAX", 0),
		ProviderIOBytesPerSec: getEnvInt("PROVIDER_IO_BYTES_PER_SEC", 0),
		ImageTileSize:         getEnvInt("IMAGE_TILE_SIZE", 512),
		NetCDFTileHeight:      getEnvInt("NETCDF_TILE_HEIGHT", 64),
		ExportWorkers:         getEnvInt("EXPORT_WORKERS", 4),
		MaxRegionPixels:       getEnvInt("MAX_REGION_PIXELS", 16<<20),
		WarmupTiles:           getEnvBool("WARMUP_TILES", false),
		WarmupWorkers:         getEnvInt("WARMUP_WORKERS", 1),
		WatchDataDir:          getEnvBool("WATCH_DATA_DIR", false),
		VipsMaxCacheMB:        getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency:       getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		MetricsEnabled:        getEnvBool("METRICS_ENABLED", true),
		PublishEndpoint:       getEnv("PUBLISH_ENDPOINT", ""),
		PublishBucket:         getEnv("PUBLISH_BUCKET", "rasters"),
		PublishAccessKey:      getEnv("PUBLISH_ACCESS_KEY", ""),
		PublishSecretKey:      getEnv("PUBLISH_SECRET_KEY", ""),
		PublishSecure:         getEnvBool("PUBLISH_SECURE", true),
		UploadToken:           getEnv("UPLOAD_TOKEN", ""),
		MaxUploadSize:         getEnvInt64("MAX_UPLOAD_SIZE", 4294967296), // 4GB default
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func (c *Config) IsUploadPublic() bool {
	return strings.TrimSpace(c.UploadToken) == ""
}

// PublishEnabled reports whether exports are uploaded to an object store.
func (c *Config) PublishEnabled() bool {
	return strings.TrimSpace(c.PublishEndpoint) != ""
}

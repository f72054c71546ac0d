package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rastercache/internal/cache"
)

// Entry is the persisted metadata of one raster file.
type Entry struct {
	ID               string   `json:"id"`
	OriginalFilename string   `json:"original_filename"`
	CurrentFilename  string   `json:"current_filename"`
	Bytes            int64    `json:"bytes"`
	Variables        []string `json:"variables"`
}

// Opener opens the data provider of a raster file.
type Opener func(path string) (cache.CacheDataProvider, error)

// ReaderFactory builds the region reader placed in front of a provider.
type ReaderFactory func(provider cache.CacheDataProvider) (cache.RegionReader, error)

// Raster is an opened catalog entry.
type Raster struct {
	Entry
	Reader   cache.RegionReader
	CacheID  cache.ID
	provider cache.CacheDataProvider
}

// Catalog keeps the rasters of a data directory opened and their readers
// registered with a cache manager.
type Catalog struct {
	dataDir   string
	logger    *zap.Logger
	openers   map[string]Opener
	newReader ReaderFactory
	manager   *cache.Manager

	// scanMu serializes changes to the data directory.
	scanMu sync.Mutex

	mu      sync.RWMutex
	entries []Entry
	rasters map[string]*Raster
}

// New creates an empty catalog. openers maps lower-case file extensions to the
// provider able to read them.
func New(dataDir string, openers map[string]Opener, newReader ReaderFactory, manager *cache.Manager, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		dataDir:   dataDir,
		logger:    logger,
		openers:   openers,
		newReader: newReader,
		manager:   manager,
		rasters:   make(map[string]*Raster),
	}
}

// Scan (re)opens every supported file of the data directory. Files without
// metadata are renamed to a fresh UUID and get a metadata file next to them.
func (c *Catalog) Scan() error {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	return c.scan()
}

func (c *Catalog) scan() error {
	if err := c.cleanupOrphanedJSON(); err != nil {
		return err
	}

	dirEntries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	var (
		entries []Entry
		rasters = make(map[string]*Raster)
	)
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		path := c.getFilePath(dirEntry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		open, ok := c.openers[ext]
		if !ok {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			c.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ext)
		jsonPath := c.getFilePath(basename + ".json")

		var (
			entry *Entry
			fresh bool
		)
		if _, err := os.Stat(jsonPath); err != nil {
			newUUID := uuid.New().String()
			finalPath := c.getFilePath(newUUID + ext)
			if err := os.Rename(path, finalPath); err != nil {
				c.logger.Warn("Failed to rename file", zap.String("old_path", path), zap.String("new_path", finalPath), zap.Error(err))
				continue
			}
			c.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

			entry = &Entry{
				ID:               newUUID,
				OriginalFilename: filepath.Base(path),
				CurrentFilename:  filepath.Base(finalPath),
				Bytes:            info.Size(),
			}
			fresh = true
			path = finalPath
			jsonPath = c.getFilePath(newUUID + ".json")
		} else {
			entry, err = c.loadMetadata(jsonPath)
			if err != nil {
				c.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}

		raster, err := c.open(path, *entry, open)
		if err != nil {
			c.logger.Warn("Failed to open raster", zap.String("path", path), zap.Error(err))
			continue
		}
		if fresh || !slices.Equal(entry.Variables, raster.Variables) {
			if err := c.saveMetadata(jsonPath, &raster.Entry); err != nil {
				c.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
			} else if fresh {
				c.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
			}
		}
		entries = append(entries, raster.Entry)
		rasters[raster.ID] = raster
	}

	c.mu.Lock()
	previous := c.rasters
	c.entries = entries
	c.rasters = rasters
	c.mu.Unlock()

	for _, r := range previous {
		c.release(r)
	}
	c.logger.Info("Catalog scanned", zap.Int("rasters", len(entries)))
	return nil
}

func (c *Catalog) open(path string, entry Entry, open Opener) (*Raster, error) {
	provider, err := open(path)
	if err != nil {
		return nil, err
	}
	reader, err := c.newReader(provider)
	if err != nil {
		closeProvider(provider)
		return nil, err
	}
	if lister, ok := provider.(cache.VariableLister); ok {
		entry.Variables = lister.VariableNames()
	}
	return &Raster{
		Entry:    entry,
		Reader:   reader,
		CacheID:  c.manager.Register(reader),
		provider: provider,
	}, nil
}

func (c *Catalog) release(r *Raster) {
	c.manager.Remove(r.CacheID)
	closeProvider(r.provider)
}

func closeProvider(p cache.CacheDataProvider) {
	if closer, ok := p.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (c *Catalog) cleanupOrphanedJSON() error {
	dirEntries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		path := c.getFilePath(dirEntry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}
		basename := strings.TrimSuffix(filepath.Base(path), ".json")

		meta, err := c.loadMetadata(path)
		switch {
		case err != nil:
			c.removeJSON(path, "Deleted invalid JSON file")
		case meta.ID != basename:
			c.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			c.removeJSON(path, "Deleted JSON with UUID mismatch")
		default:
			if _, err := os.Stat(c.getFilePath(meta.CurrentFilename)); err != nil {
				c.removeJSON(path, "Deleted orphaned JSON file")
			}
		}
	}
	return nil
}

func (c *Catalog) removeJSON(path, msg string) {
	if err := os.Remove(path); err != nil {
		c.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.Error(err))
		return
	}
	c.logger.Info(msg, zap.String("path", path))
}

// Entries returns the scanned rasters.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.entries)
}

// Get returns the opened raster with the given ID.
func (c *Catalog) Get(id string) (*Raster, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rasters[id]
	return r, ok
}

// Descriptors returns the descriptors of all variables of a raster.
func (r *Raster) Descriptors(ctx context.Context) ([]cache.VariableDescriptor, error) {
	descs := make([]cache.VariableDescriptor, 0, len(r.Variables))
	for _, name := range r.Variables {
		desc, err := r.Reader.VariableDescriptor(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// Close releases every opened raster.
func (c *Catalog) Close() {
	c.mu.Lock()
	rasters := c.rasters
	c.rasters = make(map[string]*Raster)
	c.entries = nil
	c.mu.Unlock()

	for _, r := range rasters {
		c.release(r)
	}
}

func (c *Catalog) getFilePath(filename string) string {
	return filepath.Join(c.dataDir, filename)
}

func (c *Catalog) loadMetadata(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Entry
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

func (c *Catalog) saveMetadata(path string, meta *Entry) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// Supports reports whether files with extension ext can be opened.
func (c *Catalog) Supports(ext string) bool {
	_, ok := c.openers[strings.ToLower(ext)]
	return ok
}

// Import moves an uploaded file into the data directory under a fresh UUID,
// records its metadata and rescans. It returns the new raster ID.
func (c *Catalog) Import(tempPath string, originalFilename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !c.Supports(ext) {
		return "", fmt.Errorf("unsupported raster format: %s", ext)
	}

	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	newUUID := uuid.New().String()
	finalPath := c.getFilePath(newUUID + ext)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move uploaded file: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	entry := &Entry{
		ID:               newUUID,
		OriginalFilename: originalFilename,
		CurrentFilename:  filepath.Base(finalPath),
		Bytes:            info.Size(),
	}
	jsonPath := c.getFilePath(newUUID + ".json")
	if err := c.saveMetadata(jsonPath, entry); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	c.logger.Info("Processed uploaded file",
		zap.String("uuid", newUUID),
		zap.String("original_filename", originalFilename),
		zap.String("final_path", finalPath))

	if err := c.scan(); err != nil {
		return "", err
	}
	if _, ok := c.Get(newUUID); !ok {
		return "", fmt.Errorf("uploaded raster %s could not be opened", newUUID)
	}
	return newUUID, nil
}

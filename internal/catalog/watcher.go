package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const rescanDelay = 500 * time.Millisecond

// Watch rescans the catalog whenever a supported file appears in, disappears
// from or is renamed inside the data directory. Bursts of events are folded
// into one rescan. Watch returns once ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(c.dataDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch data directory: %w", err)
	}

	go c.watchLoop(ctx, watcher)

	c.logger.Info("Watching data directory", zap.String("data_dir", c.dataDir))
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !c.relevant(event) {
				continue
			}
			c.logger.Debug("Data directory changed",
				zap.String("file", event.Name),
				zap.String("operation", event.Op.String()))

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(rescanDelay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := c.Scan(); err != nil {
					c.logger.Warn("Rescan failed", zap.Error(err))
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("File watcher error", zap.Error(err))

		case <-ctx.Done():
			c.logger.Info("Stopping data directory watcher")
			return
		}
	}
}

func (c *Catalog) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return c.Supports(filepath.Ext(event.Name))
}

package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the event bursts editors and atomic renames
// produce into a single reload.
const watchDebounce = 500 * time.Millisecond

// Watch blocks reloading the catalog whenever its file is written or
// replaced, until ctx is cancelled. The parent directory is watched, not
// the file itself: atomic replaces (write temp, rename over) swap the
// inode and would silently detach a file watch.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(c.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("catalog watcher: add %s: %w", dir, err)
	}
	c.log.Info("watching catalog", "path", c.path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				if err := c.Reload(); err != nil {
					c.log.Error(err, "catalog reload failed, serving previous snapshot", "path", c.path)
					return
				}
				if snap := c.snap.Load(); snap != nil {
					c.log.Info("catalog reloaded", "path", c.path, "version", snap.Version,
						"deviceTypes", snap.stats.DeviceTypes)
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Error(err, "catalog watcher error", "path", c.path)
		}
	}
}

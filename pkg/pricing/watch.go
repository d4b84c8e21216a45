package pricing

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the price override file whenever it changes on disk.
// Rapid rewrites are debounced; a file that fails to parse keeps the
// current table. Watch returns once the watcher is installed.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}

	go r.watchLoop(ctx, watcher, path, logger)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *slog.Logger) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := r.Load(path); err != nil {
						logger.Error("failed to reload pricing file, keeping current", "path", path, "error", err)
						return
					}
					logger.Info("pricing file reloaded", "path", path)
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("pricing watcher error", "error", err)
		}
	}
}

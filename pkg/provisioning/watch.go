package provisioning

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDelay coalesces the bursts of events editors produce on save
const DefaultWatchDelay = 500 * time.Millisecond

// Watch re-syncs whenever the endpoints file changes and blocks until ctx is
// cancelled. The parent directory is watched so that atomic renames used by
// editors and config management are picked up.
func (p *Provisioner) Watch(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		delay = DefaultWatchDelay
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(p.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	p.logger.Info("Watching endpoints file for changes")

	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.logger.WithField("op", event.Op.String()).Debug("Endpoints file changed")
			timer.Reset(delay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.WithError(err).Warn("Endpoints file watcher error")
		case <-timer.C:
			result, err := p.Sync(ctx)
			if err != nil {
				// Keep the last good configuration
				p.logger.WithError(err).Error("Failed to reload endpoints file")
				continue
			}
			if err := result.Err(); err != nil {
				p.logger.WithError(err).Warn("Endpoints file reloaded with errors")
			}
		}
	}
}

package cleanup

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jingkaihe/skillrunner/pkg/logger"
	"github.com/pkg/errors"
)

// DefaultWatchDebounce coalesces bursts of cache writes into one size check.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watch reclaims by size whenever the cache directory changes, debounced by
// delay. It blocks until ctx is done. It is a no-op when MaxSize is disabled.
func (m *Manager) Watch(ctx context.Context, delay time.Duration) error {
	if m.cfg.MaxSize <= 0 {
		return nil
	}
	if delay <= 0 {
		delay = DefaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create cache watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return errors.Wrapf(err, "failed to watch cache directory %s", m.dir)
	}

	trigger := make(chan struct{}, 1)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(delay, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case <-trigger:
			if _, err := m.ReclaimBySize(ctx, m.cfg.MaxSize); err != nil {
				logger.G(ctx).WithError(err).Warn("size-triggered cache reclaim failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.G(ctx).WithError(err).Warn("cache watcher error")
		}
	}
}

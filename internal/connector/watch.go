package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vinayprograms/nexus/internal/config"
)

// LoadFunc reads the current provider configuration.
type LoadFunc func() (map[string]config.ProviderConfig, error)

// Watch reloads providers whenever the config file at path changes. It blocks
// until ctx is done. The parent directory is watched so editors that replace
// the file on save are still seen.
func (m *Manager) Watch(ctx context.Context, path string, load LoadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	// debounce: wait for writes to settle
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(100 * time.Millisecond)
			} else {
				timer.Reset(100 * time.Millisecond)
			}
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config_watch_error", map[string]interface{}{"error": err.Error()})
		case <-timerC:
			timerC = nil
			providers, err := load()
			if err != nil {
				m.logger.Warn("config_reload_failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			statuses := m.Reload(ctx, providers)
			m.logger.Info("providers_reloaded", map[string]interface{}{"count": len(statuses)})
		}
	}
}

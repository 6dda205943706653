package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for editors that write config files in several events
const reloadDebounce = 300 * time.Millisecond

// Watch reloads cfg in place whenever the file at path changes, then calls
// onReload (may be nil). Invalid config files are logged and skipped; the
// previous config stays active. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files via rename, which drops
	// a watch placed on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watch error", "error", err)

		case <-reload:
			next, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous config",
					"path", path, "error", err)
				continue
			}
			if next.Hash() == cfg.Hash() {
				continue
			}
			cfg.ReplaceFrom(next)
			slog.Info("config reloaded", "path", path, "hash", cfg.Hash())
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}

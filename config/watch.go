package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Swind/go-slot-runner/core"
)

// debounceDelay wait for events to settle before reloading
const debounceDelay = 250 * time.Millisecond

// Watch reloads path whenever it changes and hands every valid configuration
// to fn, on the watcher goroutine. Invalid files are logged and skipped. The
// watcher stops when ctx is done.
//
// The parent directory is watched so that editors replacing the file by
// rename are seen too.
func Watch(ctx context.Context, path string, logger core.Logger, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close() // Clean up watcher before returning
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}

	reload := func() {
		cfg, err := Load(abs)
		if err != nil {
			logger.Error("failed to reload config", core.F("path", abs), core.F("error", err))
			return
		}
		logger.Info("reloaded config", core.F("path", abs))
		fn(cfg)
	}

	go func() {
		defer w.Close()

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logger.Debug("config changed", core.F("event", ev.String()))

				// Debounce: reset the timer if we get another event
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, reload)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher failed", core.F("error", err))

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherFailed indicates the filesystem watcher could not start.
var ErrWatcherFailed = errors.New("failed to initialize config watcher")

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and calls onChange with
// the result. A reload that fails to parse or validate calls onChange with
// the error and a nil config; the previous configuration stays in effect.
//
// The parent directory is watched so atomic rename-on-save is seen. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config, error)) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := validateConfigPath(path); err != nil {
		return fmt.Errorf("config path validation failed: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%w: watching %s: %v", ErrWatcherFailed, filepath.Dir(path), err)
	}

	target := filepath.Clean(path)
	relevant := fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Chmod

	// fire is armed by a relevant event and re-armed by each later one.
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&relevant == 0 {
				continue
			}
			fire = time.After(reloadDebounce)

		case <-fire:
			fire = nil
			onChange(Load(path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onChange(nil, fmt.Errorf("config watcher: %w", err))
		}
	}
}

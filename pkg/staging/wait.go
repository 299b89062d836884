package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// recheckInterval bounds how long a missed fsnotify event can delay
// WaitForTeardown.
const recheckInterval = 250 * time.Millisecond

// WaitForTeardown blocks until dir no longer exists or ctx is done.
func WaitForTeardown(ctx context.Context, dir string) error {
	if gone(dir) {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	// Watch the parent; removing dir is an event there.
	dir = filepath.Clean(dir)
	if err := w.Add(filepath.Dir(dir)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(dir), err)
	}

	// The directory may have vanished before the watch was in place.
	if gone(dir) {
		return nil
	}

	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify watcher closed")
			}
			if filepath.Clean(event.Name) != dir {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && gone(dir) {
				return nil
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("fsnotify watcher closed")
			}
			return fmt.Errorf("watch %s: %w", dir, err)

		case <-ticker.C:
			if gone(dir) {
				return nil
			}
		}
	}
}

func gone(dir string) bool {
	_, err := os.Lstat(dir)
	return errors.Is(err, os.ErrNotExist)
}

package watcher

import (
	"context"
	"time"
)

// PollInterval is how often WaitForExit checks process liveness.
const PollInterval = 100 * time.Millisecond

// WaitForExit blocks until pid is no longer running or ctx is done. A pid
// that does not exist counts as exited. There is no timeout of its own.
func WaitForExit(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for ProcessAlive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

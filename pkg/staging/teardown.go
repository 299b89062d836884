package staging

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"stagehand/pkg/errdefs"
	"stagehand/pkg/protocol"
)

// Teardown deletes a managed staging directory. Files are removed, links
// are unlinked without touching their targets, and the marker goes last so
// an interrupted teardown can be repeated. A directory that no longer
// exists is success; one without a marker is refused with NotManaged.
func Teardown(dir string, linker Linker) error {
	info, err := os.Lstat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errdefs.Newf(errdefs.CodeTeardownFailed, "stat %s", dir).WithCause(err)
	}
	if !info.IsDir() {
		return errdefs.Newf(errdefs.CodeNotManaged, "not a directory: %s", dir)
	}

	markerPath := filepath.Join(dir, MarkerFileName)
	if _, err := os.Lstat(markerPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Raced with another teardown that already finished.
			if _, statErr := os.Lstat(dir); errors.Is(statErr, os.ErrNotExist) {
				return nil
			}
			return errdefs.Newf(errdefs.CodeNotManaged, "refusing to delete %s: no %s", dir, MarkerFileName)
		}
		return errdefs.Newf(errdefs.CodeTeardownFailed, "stat marker in %s", dir).WithCause(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errdefs.Newf(errdefs.CodeTeardownFailed, "read %s", dir).WithCause(err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.Name() == MarkerFileName {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		var err error
		switch {
		case isLink(entry):
			err = linker.Unlink(path)
		case entry.IsDir():
			err = os.RemoveAll(path)
		default:
			err = os.Remove(path)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errdefs.Newf(errdefs.CodeTeardownFailed, "remove contents of %s", dir).
			WithContext("failures", len(errs)).WithCause(errors.Join(errs...))
	}

	if err := os.Remove(markerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errdefs.Newf(errdefs.CodeTeardownFailed, "remove marker in %s", dir).WithCause(err)
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errdefs.Newf(errdefs.CodeTeardownFailed, "remove %s", dir).WithCause(err)
	}
	return nil
}

// isLink reports symlinks and Windows junctions, which must be unlinked
// rather than recursed into.
func isLink(entry fs.DirEntry) bool {
	return entry.Type()&(fs.ModeSymlink|fs.ModeIrregular) != 0
}

// Teardown deletes dir and forgets the environment staged there.
func (m *Manager) Teardown(dir string) error {
	start := time.Now()
	err := Teardown(dir, m.linker)
	m.metrics.TeardownCompleted(string(protocol.KindCleanupStaging), time.Since(start), err)

	if err == nil {
		m.mu.Lock()
		delete(m.envs, dir)
		m.mu.Unlock()
		m.logger.Printf("tore down %s", dir)
	}
	return err
}

// HandleCleanup is the watcher handler for CleanupTempWebFolder tickets.
func (m *Manager) HandleCleanup(_ context.Context, t protocol.Ticket) error {
	if t.Kind != protocol.KindCleanupStaging || len(t.Resources) != 1 {
		return errdefs.Newf(errdefs.CodeInvalidTicket, "cannot handle %s", t)
	}
	return m.Teardown(t.Resources[0])
}

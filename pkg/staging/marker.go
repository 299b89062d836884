package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stagehand/pkg/watcher"
)

// marker is the JSON record stored in the marker file. Only the file's
// existence gates deletion; the contents help Sweep and humans.
type marker struct {
	Version   string    `json:"version"`
	Note      string    `json:"note"`
	Source    string    `json:"source"`
	OwnerPID  int       `json:"owner_pid"`
	ServerPID int       `json:"server_pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Updated   time.Time `json:"updated"`
}

func newMarker(source string) marker {
	now := time.Now()
	return marker{
		Version:   "1.0",
		Note:      "Temporary web folder created by stagehand. It is deleted when its server exits.",
		Source:    source,
		OwnerPID:  os.Getpid(),
		CreatedAt: now,
		Updated:   now,
	}
}

// writeMarker writes the marker atomically (temp file, then rename).
func writeMarker(path string, mk marker) error {
	mk.Updated = time.Now()
	data, err := json.MarshalIndent(mk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write marker file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename marker file: %w", err)
	}
	return nil
}

func readMarker(path string) (marker, error) {
	var mk marker
	data, err := os.ReadFile(path)
	if err != nil {
		return mk, err
	}
	if err := json.Unmarshal(data, &mk); err != nil {
		return mk, fmt.Errorf("unmarshal marker: %w", err)
	}
	return mk, nil
}

// IsManaged reports whether dir carries a marker file.
func IsManaged(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, MarkerFileName))
	return err == nil && info.Mode().IsRegular()
}

// recordServer stores the server pid in the environment's marker.
func recordServer(env *Environment, pid int) error {
	mk, err := readMarker(env.MarkerPath)
	if err != nil {
		return err
	}
	mk.ServerPID = pid
	return writeMarker(env.MarkerPath, mk)
}

// abandoned reports whether every process recorded in the marker is gone.
func (mk marker) abandoned() bool {
	if mk.ServerPID > 0 && watcher.ProcessAlive(mk.ServerPID) {
		return false
	}
	if mk.OwnerPID > 0 && watcher.ProcessAlive(mk.OwnerPID) {
		return false
	}
	return true
}

// Sweep tears down managed staging directories directly under root whose
// owner and server processes have both exited. It reclaims directories
// whose watcher never ran, for example after a reboot. Directories with an
// unreadable marker are left alone.
func (m *Manager) Sweep(root string) ([]string, error) {
	if root == "" {
		root = m.tempRoot
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read sweep root: %w", err)
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())

		mk, err := readMarker(filepath.Join(dir, MarkerFileName))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				m.logger.Printf("warning: skipping %s: %v", dir, err)
			}
			continue
		}
		if !mk.abandoned() {
			continue
		}

		m.logger.Printf("removing abandoned staging directory: %s", dir)
		if err := m.Teardown(dir); err != nil {
			m.logger.Printf("warning: failed to remove %s: %v", dir, err)
			continue
		}
		removed = append(removed, dir)
	}

	if len(removed) > 0 {
		m.logger.Printf("swept %d abandoned staging directories", len(removed))
	}
	return removed, nil
}

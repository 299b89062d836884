// Package journal records cleanup activity in JSON-lines format. A detached
// watcher has no caller to report to, so the journal is the only place its
// outcome becomes visible.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stagehand/pkg/protocol"
)

// Outcome values.
const (
	OutcomeArmed      = "armed"
	OutcomeTornDown   = "torn_down"
	OutcomeNotManaged = "not_managed"
	OutcomeFailed     = "failed"
	OutcomeRejected   = "rejected"
)

// Entry is a single cleanup record.
type Entry struct {
	Timestamp  string          `json:"timestamp"`
	PID        int             `json:"pid"` // process writing the entry
	Ticket     protocol.Ticket `json:"ticket"`
	Outcome    string          `json:"outcome"`
	DurationMs float64         `json:"duration_ms,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Journal appends entries to a file. The zero value discards entries.
type Journal struct {
	writer io.WriteCloser
	mu     sync.Mutex
}

// Open opens the journal at path for appending. An empty path disables it.
func Open(path string) (*Journal, error) {
	if path == "" {
		return &Journal{writer: nopWriteCloser{}}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Journal{writer: file}, nil
}

// Discard returns a journal that drops every entry.
func Discard() *Journal {
	return &Journal{writer: nopWriteCloser{}}
}

// Record appends an entry. Each entry is written with a single write call
// so that concurrent watcher processes do not interleave lines.
func (j *Journal) Record(entry Entry) error {
	if j == nil || j.writer == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.PID == 0 {
		entry.PID = os.Getpid()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	data = append(data, '\n')
	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}

	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer != nil {
		return j.writer.Close()
	}
	return nil
}

// Read returns all entries in the journal at path. Lines that are not valid
// entries, such as one torn by a crash mid-write, are skipped.
func Read(path string) ([]Entry, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read journal: %w", err)
	}

	return entries, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

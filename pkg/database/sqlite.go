package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// sqlitePageSize is the page size of new database files.
const sqlitePageSize = 4096

// sqliteLogSuffixes are the side files SQLite keeps next to a database.
var sqliteLogSuffixes = []string{"-journal", "-wal", "-shm"}

// sqliteEngine keeps each database in its own file. The master connection
// is an in-memory database that files are attached to.
type sqliteEngine struct{}

func (sqliteEngine) Name() string { return "sqlite" }

func (sqliteEngine) Location(_, name, folder string) string {
	return filepath.Join(folder, name)
}

func (sqliteEngine) DSN(_, _, location string, maxSizeMB int) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	if maxSizeMB > 0 {
		q.Add("_pragma", fmt.Sprintf("max_page_count(%d)", maxPages(maxSizeMB)))
	}
	return "file:" + filepath.ToSlash(location) + "?" + q.Encode()
}

func (sqliteEngine) Exists(_ context.Context, _, _, location string) (bool, error) {
	info, err := os.Stat(location)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Create attaches a new file to the master connection and writes its
// header so that the file exists when Create returns.
func (sqliteEngine) Create(ctx context.Context, masterDSN, name, location string, maxSizeMB int) error {
	db, err := openSQLiteMaster(masterDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("connect to master: %w", err)
	}
	defer conn.Close()

	schema := quoteIdent(name)
	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+schema, location); err != nil {
		return fmt.Errorf("attach %s: %w", location, err)
	}
	defer conn.ExecContext(context.Background(), "DETACH DATABASE "+schema)

	pragmas := []string{
		fmt.Sprintf("PRAGMA %s.page_size = %d", schema, sqlitePageSize),
		fmt.Sprintf("PRAGMA %s.max_page_count = %d", schema, maxPages(maxSizeMB)),
		fmt.Sprintf("PRAGMA %s.user_version = 1", schema),
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func (sqliteEngine) Drop(_ context.Context, _, _, location string) error {
	err := os.Remove(location)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Unlock checkpoints the database through the master connection. SQLite has
// no way to close connections held by other processes, so this only helps
// when the lock is held by a stale journal.
func (sqliteEngine) Unlock(ctx context.Context, masterDSN, name, location string) error {
	if _, err := os.Stat(location); err != nil {
		return nil
	}

	db, err := openSQLiteMaster(masterDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	schema := quoteIdent(name)
	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+schema, location); err != nil {
		return err
	}
	_, cpErr := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA %s.wal_checkpoint(TRUNCATE)", schema))
	_, detachErr := conn.ExecContext(ctx, "DETACH DATABASE "+schema)
	return errors.Join(cpErr, detachErr)
}

func openSQLiteMaster(masterDSN string) (*sql.DB, error) {
	if masterDSN == "" {
		masterDSN = DefaultMasterDSN
	}
	db, err := sql.Open("sqlite", masterDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open master database: %w", err)
	}
	return db, nil
}

// removeLogFiles deletes the side files of a SQLite database.
func removeLogFiles(location string) error {
	var errs []error
	for _, suffix := range sqliteLogSuffixes {
		if err := os.Remove(location + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func maxPages(maxSizeMB int) int {
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	return maxSizeMB * 1024 * 1024 / sqlitePageSize
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

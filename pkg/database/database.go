// Package database creates throwaway databases for a test run and deletes
// them again, either inline or through a detached cleanup watcher once the
// owning process has exited.
//
// A SQLite database is a single file created through an in-memory master
// connection. A Postgres database is created on the server named by a
// postgres:// master URL.
package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stagehand/pkg/errdefs"
	"stagehand/pkg/metrics"
	"stagehand/pkg/protocol"
)

const (
	// DefaultMasterDSN is the master connection used when none is configured.
	DefaultMasterDSN = ":memory:"

	// DefaultMaxSizeMB bounds the size of a new database file.
	DefaultMaxSizeMB = 500

	// DefaultFolderName is the subfolder of the temp root that holds
	// database files when no folder is given.
	DefaultFolderName = "TempDbs"
)

// Options describe a database to create.
type Options struct {
	// MasterDSN overrides the manager's master connection.
	MasterDSN string

	Name string

	// Folder holds the database file. It is created if its parent exists.
	// Defaults to <temp root>/TempDbs.
	Folder string

	// DeleteExistingDatabaseAtSamePath deletes a database already present
	// at the target instead of failing.
	DeleteExistingDatabaseAtSamePath bool

	// DeleteAfterThisProcessExits arms a watcher on the current process as
	// soon as the database exists.
	DeleteAfterThisProcessExits bool

	// MaxSizeMB defaults to DefaultMaxSizeMB.
	MaxSizeMB int
}

// Arming hands cleanup tickets to a detached watcher.
type Arming interface {
	Arm(t protocol.Ticket) error
}

// Config holds configuration for creating a new Manager.
type Config struct {
	// TempRoot defaults to os.TempDir().
	TempRoot string

	// MasterDSN defaults to DefaultMasterDSN.
	MasterDSN string

	// Folder overrides <TempRoot>/TempDbs.
	Folder string

	MaxSizeMB int

	Armer   Arming
	Metrics metrics.Collector
	Logger  *log.Logger
}

// Manager creates and deletes databases.
type Manager struct {
	tempRoot  string
	masterDSN string
	folder    string
	maxSizeMB int
	armer     Arming
	metrics   metrics.Collector
	logger    *log.Logger
}

// Database is a created or attached database.
type Database struct {
	Name      string
	Location  string // file path, or the database URL for Postgres
	DSN       string
	MasterDSN string

	engine  Engine
	manager *Manager
}

// NewManager creates a new database manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[database] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.TempRoot == "" {
		cfg.TempRoot = os.TempDir()
	}
	if cfg.MasterDSN == "" {
		cfg.MasterDSN = DefaultMasterDSN
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultMaxSizeMB
	}

	return &Manager{
		tempRoot:  cfg.TempRoot,
		masterDSN: cfg.MasterDSN,
		folder:    cfg.Folder,
		maxSizeMB: cfg.MaxSizeMB,
		armer:     cfg.Armer,
		metrics:   metrics.OrNoop(cfg.Metrics),
		logger:    cfg.Logger,
	}
}

// Create creates a new database. The database must not exist yet unless
// DeleteExistingDatabaseAtSamePath is set.
func (m *Manager) Create(ctx context.Context, opts Options) (*Database, error) {
	if err := validateName(opts.Name); err != nil {
		return nil, err
	}

	masterDSN := opts.MasterDSN
	if masterDSN == "" {
		masterDSN = m.masterDSN
	}
	maxSizeMB := opts.MaxSizeMB
	if maxSizeMB <= 0 {
		maxSizeMB = m.maxSizeMB
	}
	engine := EngineFor(masterDSN)

	var folder string
	if _, ok := engine.(sqliteEngine); ok {
		f, err := m.resolveFolder(opts.Folder)
		if err != nil {
			return nil, err
		}
		folder = f
	}

	location := engine.Location(masterDSN, opts.Name, folder)
	if location == "" {
		return nil, errdefs.New(errdefs.CodeCreateFailed, "cannot derive database location from master connection")
	}
	if strings.ContainsRune(location, '\'') {
		return nil, errdefs.Newf(errdefs.CodeInvalidName, "database path contains a single quote: %s", location)
	}

	exists, err := engine.Exists(ctx, masterDSN, opts.Name, location)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeCreateFailed, "check for existing database").WithCause(err)
	}
	if exists {
		if !opts.DeleteExistingDatabaseAtSamePath {
			return nil, errdefs.Newf(errdefs.CodeDatabaseExists, "database already exists: %s", location)
		}
		m.logger.Printf("deleting existing database %s at %s", opts.Name, location)
		if err := m.delete(ctx, engine, masterDSN, opts.Name, location); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	err = engine.Create(ctx, masterDSN, opts.Name, location, maxSizeMB)
	if err == nil {
		exists, err = engine.Exists(ctx, masterDSN, opts.Name, location)
		if err == nil && !exists {
			err = errdefs.Newf(errdefs.CodeFileMissing, "database not created: %s", location)
		}
	}
	m.metrics.DatabaseOperation(engine.Name(), "create", time.Since(start), err)
	if err != nil {
		if errdefs.HasCode(err, errdefs.CodeFileMissing) {
			return nil, err
		}
		return nil, errdefs.Newf(errdefs.CodeCreateFailed, "create database %s", opts.Name).
			WithContext("engine", engine.Name()).WithCause(err)
	}

	db := &Database{
		Name:      opts.Name,
		Location:  location,
		DSN:       engine.DSN(masterDSN, opts.Name, location, maxSizeMB),
		MasterDSN: masterDSN,
		engine:    engine,
		manager:   m,
	}
	m.logger.Printf("created %s database %s at %s", engine.Name(), db.Name, db.Location)

	if opts.DeleteAfterThisProcessExits {
		if err := db.TryDelete(os.Getpid()); err != nil {
			m.logger.Printf("warning: could not arm cleanup for %s: %v", db.Name, err)
		}
	}
	return db, nil
}

// AttachToFile wraps an existing SQLite database file. The database name is
// the file name.
func (m *Manager) AttachToFile(path string) (*Database, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeFileMissing, "resolve database path").WithCause(err)
	}
	if info, err := os.Stat(abs); err != nil || !info.Mode().IsRegular() {
		return nil, errdefs.Newf(errdefs.CodeFileMissing, "file not found: %s", abs).WithCause(err)
	}

	masterDSN := m.masterDSN
	if _, ok := EngineFor(masterDSN).(sqliteEngine); !ok {
		masterDSN = DefaultMasterDSN
	}
	engine := sqliteEngine{}
	name := filepath.Base(abs)

	return &Database{
		Name:      name,
		Location:  abs,
		DSN:       engine.DSN(masterDSN, name, abs, m.maxSizeMB),
		MasterDSN: masterDSN,
		engine:    engine,
		manager:   m,
	}, nil
}

// DeleteAndWait deletes the database from the current process.
func (db *Database) DeleteAndWait(ctx context.Context) error {
	return db.manager.delete(ctx, db.engine, db.MasterDSN, db.Name, db.Location)
}

// TryDelete arms a watcher that deletes the database once the process
// afterPID has exited, or immediately for protocol.NoWait. The watcher's
// outcome is not reported back.
func (db *Database) TryDelete(afterPID int) error {
	if db.manager.armer == nil {
		return errors.New("no cleanup watcher configured")
	}
	return db.manager.armer.Arm(protocol.DeleteDatabase(db.MasterDSN, db.Name, db.Location, afterPID))
}

// Delete deletes a database directly, unlocking and retrying once if the
// first attempt fails, then removes its log files. A database that is
// already gone is not an error.
func (m *Manager) Delete(ctx context.Context, masterDSN, name, location string) error {
	if masterDSN == "" {
		masterDSN = m.masterDSN
	}
	return m.delete(ctx, EngineFor(masterDSN), masterDSN, name, location)
}

// HandleDelete is the watcher handler for DeleteLocalDbDatabase tickets.
func (m *Manager) HandleDelete(ctx context.Context, t protocol.Ticket) error {
	if t.Kind != protocol.KindDeleteDatabase || len(t.Resources) != 3 {
		return errdefs.Newf(errdefs.CodeInvalidTicket, "cannot handle %s", t)
	}
	masterDSN, name, location := t.Resources[0], t.Resources[1], t.Resources[2]
	return m.delete(ctx, EngineFor(masterDSN), masterDSN, name, location)
}

func (m *Manager) delete(ctx context.Context, engine Engine, masterDSN, name, location string) error {
	if strings.ContainsRune(name, '\'') {
		return errdefs.Newf(errdefs.CodeInvalidName, "database name contains a single quote: %s", name)
	}

	start := time.Now()
	retried, err := RetryAfterUnlock(
		func() error { return engine.Drop(ctx, masterDSN, name, location) },
		func() error {
			err := engine.Unlock(ctx, masterDSN, name, location)
			if err != nil {
				m.logger.Printf("unlock %s failed: %v", name, err)
			}
			return err
		},
	)
	if retried {
		m.metrics.UnlockRetried(engine.Name())
	}
	if err == nil {
		if _, ok := engine.(sqliteEngine); ok {
			err = removeLogFiles(location)
		}
	}
	m.metrics.DatabaseOperation(engine.Name(), "delete", time.Since(start), err)

	if err != nil {
		return errdefs.Newf(errdefs.CodeDeleteFailed, "delete database %s", name).
			WithContext("location", location).WithContext("retried", retried).WithCause(err)
	}
	m.logger.Printf("deleted %s database %s", engine.Name(), name)
	return nil
}

// resolveFolder returns the folder for database files, creating it if
// needed. An explicit folder is only created when its parent exists.
func (m *Manager) resolveFolder(explicit string) (string, error) {
	if explicit == "" {
		explicit = m.folder
	}
	if explicit == "" {
		folder := filepath.Join(m.tempRoot, DefaultFolderName)
		if err := os.MkdirAll(folder, 0755); err != nil {
			return "", errdefs.New(errdefs.CodeCreateFailed, "create database folder").WithCause(err)
		}
		return folder, nil
	}

	folder, err := filepath.Abs(explicit)
	if err != nil {
		return "", errdefs.New(errdefs.CodeCreateFailed, "resolve database folder").WithCause(err)
	}
	if info, err := os.Stat(folder); err == nil && info.IsDir() {
		return folder, nil
	}
	if info, err := os.Stat(filepath.Dir(folder)); err != nil || !info.IsDir() {
		return "", errdefs.Newf(errdefs.CodeCreateFailed, "path and parent path not found: %s", folder)
	}
	if err := os.Mkdir(folder, 0755); err != nil && !errors.Is(err, os.ErrExist) {
		return "", errdefs.New(errdefs.CodeCreateFailed, "create database folder").WithCause(err)
	}
	return folder, nil
}

func validateName(name string) error {
	switch {
	case name == "":
		return errdefs.New(errdefs.CodeInvalidName, "database name not set")
	case name == "." || name == "..":
		return errdefs.Newf(errdefs.CodeInvalidName, "invalid database name %q", name)
	case strings.ContainsAny(name, "'\"/\\\x00"):
		return errdefs.Newf(errdefs.CodeInvalidName, "database name contains a forbidden character: %q", name)
	}
	return nil
}

func (db *Database) String() string {
	return fmt.Sprintf("%s(%s)", db.Name, db.Location)
}

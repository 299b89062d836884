package database

import (
	"context"
	"strings"
)

// Engine performs the server-side operations for one kind of database.
type Engine interface {
	Name() string

	// Location returns the path recorded for a database created in folder.
	Location(masterDSN, name, folder string) string

	// DSN returns the connection string for the database itself.
	DSN(masterDSN, name, location string, maxSizeMB int) string

	// Exists reports whether the database is present.
	Exists(ctx context.Context, masterDSN, name, location string) (bool, error)

	Create(ctx context.Context, masterDSN, name, location string, maxSizeMB int) error

	// Drop deletes the database directly. A database that is already gone
	// is not an error.
	Drop(ctx context.Context, masterDSN, name, location string) error

	// Unlock invalidates other connections so that a failed Drop can be
	// retried.
	Unlock(ctx context.Context, masterDSN, name, location string) error
}

// EngineFor picks the engine for a master connection string: Postgres URLs
// select Postgres, anything else is a SQLite master.
func EngineFor(masterDSN string) Engine {
	if strings.HasPrefix(masterDSN, "postgres://") || strings.HasPrefix(masterDSN, "postgresql://") {
		return postgresEngine{}
	}
	return sqliteEngine{}
}

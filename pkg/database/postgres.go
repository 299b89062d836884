package database

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
)

// postgresEngine creates databases on a Postgres server reached through the
// master URL. The recorded location is the database's own URL; there is no
// file to size, so MaxSizeMB does not apply.
type postgresEngine struct{}

func (postgresEngine) Name() string { return "postgres" }

func (postgresEngine) Location(masterDSN, name, _ string) string {
	u, err := url.Parse(masterDSN)
	if err != nil {
		return ""
	}
	u.Path = "/" + name
	u.RawPath = ""
	return u.String()
}

func (e postgresEngine) DSN(masterDSN, name, location string, _ int) string {
	if location != "" {
		return location
	}
	return e.Location(masterDSN, name, "")
}

func (postgresEngine) Exists(ctx context.Context, masterDSN, name, _ string) (bool, error) {
	conn, err := pgx.Connect(ctx, masterDSN)
	if err != nil {
		return false, fmt.Errorf("connect to master: %w", err)
	}
	defer conn.Close(context.Background())

	var exists bool
	err = conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query pg_database: %w", err)
	}
	return exists, nil
}

func (postgresEngine) Create(ctx context.Context, masterDSN, name, _ string, _ int) error {
	return execMaster(ctx, masterDSN, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
}

func (postgresEngine) Drop(ctx context.Context, masterDSN, name, _ string) error {
	return execMaster(ctx, masterDSN, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize())
}

// Unlock refuses new connections to the database and terminates the
// existing ones.
func (postgresEngine) Unlock(ctx context.Context, masterDSN, name, _ string) error {
	conn, err := pgx.Connect(ctx, masterDSN)
	if err != nil {
		return fmt.Errorf("connect to master: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "ALTER DATABASE "+pgx.Identifier{name}.Sanitize()+" ALLOW_CONNECTIONS false"); err != nil {
		return fmt.Errorf("disallow connections: %w", err)
	}
	_, err = conn.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		name)
	if err != nil {
		return fmt.Errorf("terminate backends: %w", err)
	}
	return nil
}

func execMaster(ctx context.Context, masterDSN, stmt string) error {
	conn, err := pgx.Connect(ctx, masterDSN)
	if err != nil {
		return fmt.Errorf("connect to master: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("exec %q: %w", stmt, err)
	}
	return nil
}

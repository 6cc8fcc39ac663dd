package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS servers (
	path TEXT PRIMARY KEY,
	pid INTEGER NOT NULL,
	command TEXT NOT NULL,
	args TEXT NOT NULL DEFAULT '[]',
	host TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('starting','running','stopped','error')),
	start_time TEXT NOT NULL,
	output_log TEXT NOT NULL,
	error_log TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS host_allocations (
	path TEXT PRIMARY KEY,
	host TEXT NOT NULL UNIQUE,
	allocated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proxy_routes (
	path TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	ports TEXT NOT NULL DEFAULT '[]',
	route_ids TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL CHECK(status IN ('active','inactive')),
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_servers_status ON servers(status);
`,
		DownSQL: `
DROP INDEX IF EXISTS idx_servers_status;
DROP TABLE IF EXISTS proxy_routes;
DROP TABLE IF EXISTS host_allocations;
DROP TABLE IF EXISTS servers;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

var baseMigrations = [...]string{
	`CREATE TABLE IF NOT EXISTS kvs (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		ts INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS eventlog (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job INTEGER NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		payload BLOB NOT NULL,
		ts INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_eventlog_job_path ON eventlog(job, path, seq);`,
}

func applyMigrations(ctx context.Context, conn *sql.DB) error {
	for _, stmt := range baseMigrations {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d;", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coredb is the content store of a reference instance: a single
// SQLite file in the instance rundir holding the KVS and every job
// eventlog.
package coredb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/flux-framework/flux-core-sub001/internal/paths"
	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"

	defaultGlobalMaxBytes  = 256 << 20
	defaultJournalMaxBytes = 64 << 20
)

// connPragmas are applied by the driver to every new connection.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"wal_autocheckpoint(1000)",
}

// Options controls how the content store is opened.
type Options struct {
	// Dir holds content.sqlite. Defaults to paths.RunDir.
	Dir string
	// MaxBytes bounds the database file. Zero means 256 MiB.
	MaxBytes int64
	// JournalMaxBytes bounds the eventlog payloads. Zero means 64 MiB.
	JournalMaxBytes int64
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = paths.RunDir()
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = defaultGlobalMaxBytes
	}
	if o.JournalMaxBytes <= 0 {
		o.JournalMaxBytes = defaultJournalMaxBytes
	}
	return o
}

// dsn names the content file with the connection pragmas attached.
func (o Options) dsn() string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	return "file:" + filepath.ToSlash(paths.ContentPath(o.Dir)) + "?" + q.Encode()
}

// DB is an open content store.
type DB struct {
	sql  *sql.DB
	opts Options
}

// Open creates or reopens the content store in opts.Dir and brings its
// schema up to date.
func Open(ctx context.Context, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if _, err := paths.EnsureDir(opts.Dir); err != nil {
		return nil, fmt.Errorf("coredb: rundir: %w", err)
	}
	conn, err := sql.Open(sqliteDriverName, opts.dsn())
	if err != nil {
		return nil, fmt.Errorf("coredb: open: %w", err)
	}
	// One connection serializes writers, and journal sequence numbers
	// depend on that.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{sql: conn, opts: opts}
	if err := db.limitSize(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// limitSize converts MaxBytes into a page budget so SQLite itself fails
// writes with SQLITE_FULL once the store is exhausted.
func (db *DB) limitSize(ctx context.Context) error {
	pageSize, err := pragmaInt(ctx, db.sql, "page_size")
	if err != nil || pageSize <= 0 {
		pageSize = 4096
	}
	pages := max(db.opts.MaxBytes/pageSize, 1)
	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count=%d", pages)); err != nil {
		return fmt.Errorf("coredb: max_page_count: %w", err)
	}
	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf("PRAGMA journal_size_limit=%d", db.opts.JournalMaxBytes)); err != nil {
		return fmt.Errorf("coredb: journal_size_limit: %w", err)
	}
	return nil
}

// Close releases the database.
func (db *DB) Close() error {
	if db == nil || db.sql == nil {
		return nil
	}
	return db.sql.Close()
}

// SQL exposes the connection to the store's own tables.
func (db *DB) SQL() *sql.DB {
	if db == nil {
		return nil
	}
	return db.sql
}

// Options returns the options after defaults were applied.
func (db *DB) Options() Options {
	if db == nil {
		return Options{}
	}
	return db.opts
}

func pragmaInt(ctx context.Context, conn *sql.DB, name string) (int64, error) {
	var v sql.NullInt64
	if err := conn.QueryRowContext(ctx, "PRAGMA "+name).Scan(&v); err != nil {
		return 0, err
	}
	return v.Int64, nil
}

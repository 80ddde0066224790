// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/kvs"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/flux-framework/flux-core-sub001/internal/observability/tracing"
)

const defaultMaxValueBytes = 16 << 20

// Store is the instance key-value store. Keys are dotted paths and values
// JSON documents; a commit applies all of its operations or none.
type Store struct {
	db            *DB
	maxValueBytes int
	now           func() time.Time
}

// NewStore returns a KVS backed by db.
func NewStore(db *DB) *Store {
	return &Store{
		db:            db,
		maxValueBytes: defaultMaxValueBytes,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func normalizeKey(key string) (string, error) {
	key = strings.Trim(key, ".")
	if key == "" {
		return "", kvs.ErrEmptyKey
	}
	return key, nil
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (value json.RawMessage, err error) {
	if s == nil || s.db == nil || s.db.sql == nil {
		return nil, ErrUnavailable
	}
	if key, err = normalizeKey(key); err != nil {
		return nil, err
	}
	ctx, span := tracing.Start(ctx, "coredb.kvs.get",
		tracing.PersistDriver(sqliteDriverName),
		tracing.PersistOp("get"),
		tracing.PersistKeyspace("kvs"),
		tracing.String("kvs.key", key),
	)
	defer tracing.End(span, &err)
	timer := metrics.StartPersistenceTimer(metrics.PersistenceOperationKVSGet)
	outcome := metrics.PersistenceOutcomeError
	defer func() { timer.Observe(outcome) }()

	var raw []byte
	err = s.db.sql.QueryRowContext(ctx, `SELECT value FROM kvs WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		outcome = metrics.PersistenceOutcomeNotFound
		err = fmt.Errorf("%s: %w", key, ErrNotFound)
		return nil, err
	}
	if err != nil {
		err = fmt.Errorf("kvs lookup %s: %w", key, err)
		return nil, err
	}
	outcome = metrics.PersistenceOutcomeOK
	return json.RawMessage(raw), nil
}

// Commit applies ops in order within one transaction. Put replaces a value,
// append concatenates a string onto a string value (creating it when
// absent) and unlink removes a key together with every key below it.
func (s *Store) Commit(ctx context.Context, ops []kvs.Op) (err error) {
	if s == nil || s.db == nil || s.db.sql == nil {
		return ErrUnavailable
	}
	ctx, span := tracing.Start(ctx, "coredb.kvs.commit",
		tracing.PersistDriver(sqliteDriverName),
		tracing.PersistOp("commit"),
		tracing.PersistKeyspace("kvs"),
		tracing.Int("kvs.ops", len(ops)),
	)
	defer tracing.End(span, &err)
	timer := metrics.StartPersistenceTimer(metrics.PersistenceOperationKVSCommit)
	outcome := metrics.PersistenceOutcomeError
	defer func() {
		if IsFull(err) {
			outcome = metrics.PersistenceOutcomeQuota
		}
		timer.Observe(outcome)
	}()

	var tx *sql.Tx
	tx, err = s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("begin kvs tx: %w", err)
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ts := s.now().UnixMilli()
	for _, op := range ops {
		if err = s.apply(ctx, tx, op, ts); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("kvs commit: %w", err)
		return err
	}
	outcome = metrics.PersistenceOutcomeOK
	return nil
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, op kvs.Op, ts int64) error {
	key, err := normalizeKey(op.Key)
	if err != nil {
		return err
	}
	switch op.Op {
	case kvs.OpPut:
		if !json.Valid(op.Value) {
			return fmt.Errorf("%s: put value is not JSON", key)
		}
		return s.put(ctx, tx, key, op.Value, ts)
	case kvs.OpAppend:
		var add string
		if err := json.Unmarshal(op.Value, &add); err != nil {
			return fmt.Errorf("%s: append value: %w", key, ErrNotString)
		}
		var cur string
		var raw []byte
		err := tx.QueryRowContext(ctx, `SELECT value FROM kvs WHERE key = ?`, key).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("kvs lookup %s: %w", key, err)
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("%s: %w", key, ErrNotString)
			}
		}
		value, _ := json.Marshal(cur + add)
		return s.put(ctx, tx, key, value, ts)
	case kvs.OpUnlink:
		if _, err := tx.ExecContext(ctx, `DELETE FROM kvs WHERE key = ? OR substr(key, 1, ?) = ?`,
			key, len(key)+1, key+"."); err != nil {
			return fmt.Errorf("kvs unlink %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("%s: unknown operation %q", key, op.Op)
}

func (s *Store) put(ctx context.Context, tx *sql.Tx, key string, value []byte, ts int64) error {
	if s.maxValueBytes > 0 && len(value) > s.maxValueBytes {
		return fmt.Errorf("%s: %w", key, ErrValueTooLarge)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kvs (key, value, ts) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, ts=excluded.ts;`, key, value, ts); err != nil {
		return fmt.Errorf("kvs put %s: %w", key, err)
	}
	return nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/flux-framework/flux-core-sub001/internal/observability/tracing"
)

// Entry is one persisted eventlog event.
type Entry struct {
	Seq   int64
	Job   jobid.ID
	Path  string
	Event eventlog.Event
}

// Journal stores job eventlogs append-only. Sequence numbers are global
// and strictly increasing, so a reader can resume any eventlog after the
// last sequence it saw.
type Journal struct {
	db       *sql.DB
	maxBytes int64
}

// NewJournal returns a Journal backed by the provided DB with the supplied
// maximum size budget. When maxBytes is zero or negative the default (64 MiB)
// is used.
func NewJournal(db *DB, maxBytes int64) *Journal {
	if db == nil {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = defaultJournalMaxBytes
	}
	return &Journal{db: db.sql, maxBytes: maxBytes}
}

// Append stores ev at the end of the eventlog path of job.
func (j *Journal) Append(ctx context.Context, job jobid.ID, path string, ev eventlog.Event) (entry Entry, err error) {
	if j == nil {
		return entry, ErrUnavailable
	}
	ctx, span := tracing.Start(ctx, "coredb.journal.append",
		tracing.PersistDriver(sqliteDriverName),
		tracing.PersistOp("append"),
		tracing.PersistKeyspace("eventlog"),
		tracing.JobID(job),
		tracing.String("eventlog.path", path),
		tracing.String("eventlog.name", ev.Name),
	)
	defer tracing.End(span, &err)

	timer := metrics.StartPersistenceTimer(metrics.PersistenceOperationEventlogAppend)
	outcome := metrics.PersistenceOutcomeError
	defer func() {
		timer.Observe(outcome)
		span.SetAttributes(tracing.String("journal.outcome", outcome))
	}()

	if path == "" || ev.Name == "" {
		err = fmt.Errorf("append eventlog: path and event name required")
		return entry, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		err = fmt.Errorf("append eventlog: %w", err)
		return entry, err
	}

	var tx *sql.Tx
	tx, err = j.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("begin journal tx: %w", err)
		return entry, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing int64
	if err = tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(payload)), 0) FROM eventlog`).Scan(&existing); err != nil {
		err = fmt.Errorf("journal size lookup: %w", err)
		return entry, err
	}
	if existing+int64(len(payload)) > j.maxBytes {
		outcome = metrics.PersistenceOutcomeQuota
		err = ErrEventlogFull
		return entry, err
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, `
INSERT INTO eventlog (job, path, name, payload, ts)
VALUES (?, ?, ?, ?, ?)
`, int64(job), path, ev.Name, payload, ev.Time().UnixMilli())
	if err != nil {
		err = fmt.Errorf("journal insert: %w", err)
		return entry, err
	}
	var seq int64
	if seq, err = res.LastInsertId(); err != nil {
		err = fmt.Errorf("journal last insert id: %w", err)
		return entry, err
	}
	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("journal commit: %w", err)
		return entry, err
	}

	outcome = metrics.PersistenceOutcomeOK
	span.SetAttributes(tracing.Int64("journal.seq", seq))
	return Entry{Seq: seq, Job: job, Path: path, Event: ev}, nil
}

// Bounds returns the earliest and latest sequence stored for an eventlog.
// A zero earliest indicates the eventlog does not exist.
func (j *Journal) Bounds(ctx context.Context, job jobid.ID, path string) (earliest, latest int64, err error) {
	if j == nil {
		return 0, 0, ErrUnavailable
	}
	if err = j.db.QueryRowContext(ctx, `
SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0)
FROM eventlog WHERE job = ? AND path = ?
`, int64(job), path).Scan(&earliest, &latest); err != nil {
		return 0, 0, fmt.Errorf("journal bounds: %w", err)
	}
	return earliest, latest, nil
}

// ForEach calls fn for each event of the eventlog strictly after afterSeq,
// in order. Iteration halts if the callback returns an error.
func (j *Journal) ForEach(ctx context.Context, job jobid.ID, path string, afterSeq int64, fn func(Entry) error) (err error) {
	if j == nil {
		return ErrUnavailable
	}
	ctx, span := tracing.Start(ctx, "coredb.journal.read",
		tracing.PersistDriver(sqliteDriverName),
		tracing.PersistOp("read"),
		tracing.PersistKeyspace("eventlog"),
		tracing.JobID(job),
		tracing.String("eventlog.path", path),
		tracing.Int64("journal.after_seq", afterSeq),
	)
	defer tracing.End(span, &err)

	timer := metrics.StartPersistenceTimer(metrics.PersistenceOperationEventlogRead)
	outcome := metrics.PersistenceOutcomeError
	entries := 0
	defer func() {
		timer.Observe(outcome)
		span.SetAttributes(
			tracing.String("journal.outcome", outcome),
			tracing.Int("journal.entries", entries),
		)
	}()

	// Rows are collected before fn runs: the connection pool holds a single
	// connection, and fn may append to the journal.
	var batch []Entry
	var rows *sql.Rows
	rows, err = j.db.QueryContext(ctx, `
SELECT seq, payload FROM eventlog
WHERE job = ? AND path = ? AND seq > ?
ORDER BY seq ASC
`, int64(job), path, afterSeq)
	if err != nil {
		err = fmt.Errorf("journal query: %w", err)
		return err
	}
	for rows.Next() {
		var seq int64
		var payload []byte
		if err = rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			err = fmt.Errorf("journal scan: %w", err)
			return err
		}
		var ev eventlog.Event
		if err = json.Unmarshal(payload, &ev); err != nil {
			rows.Close()
			err = fmt.Errorf("journal decode seq=%d: %w", seq, err)
			return err
		}
		batch = append(batch, Entry{Seq: seq, Job: job, Path: path, Event: ev})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		err = fmt.Errorf("journal rows: %w", err)
		return err
	}

	for _, entry := range batch {
		entries++
		if err = fn(entry); err != nil {
			return err
		}
	}
	outcome = metrics.PersistenceOutcomeOK
	return nil
}

// Events returns the whole eventlog.
func (j *Journal) Events(ctx context.Context, job jobid.ID, path string) ([]eventlog.Event, error) {
	var out []eventlog.Event
	err := j.ForEach(ctx, job, path, 0, func(e Entry) error {
		out = append(out, e.Event)
		return nil
	})
	return out, err
}

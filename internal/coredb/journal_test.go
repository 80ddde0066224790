// SPDX-License-Identifier: AGPL-3.0-or-later
package coredb

import (
	"context"
	"errors"
	"testing"

	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/google/go-cmp/cmp"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJournalAppendAndIterate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	journal := NewJournal(openTestDB(t), 0)
	id := jobid.ID(1 << 40)

	submit := eventlog.Event{Timestamp: 1700000000.5, Name: eventlog.Submit, Context: map[string]any{"userid": float64(1000)}}
	first, err := journal.Append(ctx, id, eventlog.Primary, submit)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if _, err := journal.Append(ctx, id, eventlog.Exec, eventlog.Event{Timestamp: 1700000001, Name: eventlog.ExecInit}); err != nil {
		t.Fatalf("append exec: %v", err)
	}
	second, err := journal.Append(ctx, id, eventlog.Primary, eventlog.Event{Timestamp: 1700000002, Name: eventlog.Validate})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected increasing sequence (first=%d second=%d)", first.Seq, second.Seq)
	}

	events, err := journal.Events(ctx, id, eventlog.Primary)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []eventlog.Event{submit, {Timestamp: 1700000002, Name: eventlog.Validate}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("eventlog mismatch (-want +got):\n%s", diff)
	}

	var after []string
	if err := journal.ForEach(ctx, id, eventlog.Primary, first.Seq, func(e Entry) error {
		after = append(after, e.Event.Name)
		return nil
	}); err != nil {
		t.Fatalf("for each: %v", err)
	}
	if diff := cmp.Diff([]string{eventlog.Validate}, after); diff != "" {
		t.Fatalf("resume mismatch (-want +got):\n%s", diff)
	}

	earliest, latest, err := journal.Bounds(ctx, id, eventlog.Primary)
	if err != nil || earliest != first.Seq || latest != second.Seq {
		t.Fatalf("bounds = %d, %d, %v", earliest, latest, err)
	}
	if earliest, _, _ := journal.Bounds(ctx, id+1, eventlog.Primary); earliest != 0 {
		t.Fatalf("expected empty bounds for unknown job, got %d", earliest)
	}
}

func TestJournalAppendDuringIteration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	journal := NewJournal(openTestDB(t), 0)
	if _, err := journal.Append(ctx, 7, eventlog.Primary, eventlog.New(eventlog.Submit, nil)); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := journal.ForEach(ctx, 7, eventlog.Primary, 0, func(Entry) error {
		_, err := journal.Append(ctx, 7, eventlog.Primary, eventlog.New(eventlog.Validate, nil))
		return err
	})
	if err != nil {
		t.Fatalf("append inside ForEach: %v", err)
	}
}

func TestJournalQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	journal := NewJournal(openTestDB(t), 80)

	if _, err := journal.Append(ctx, 1, eventlog.Primary, eventlog.Event{Timestamp: 1, Name: eventlog.Submit}); err != nil {
		t.Fatalf("append: %v", err)
	}
	big := eventlog.Event{Timestamp: 2, Name: eventlog.Memo, Context: map[string]any{"note": "0123456789012345678901234567890123456789"}}
	_, err := journal.Append(ctx, 1, eventlog.Primary, big)
	if !errors.Is(err, ErrEventlogFull) || !IsFull(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if _, err := journal.Append(ctx, 1, "", eventlog.Event{Name: "x"}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

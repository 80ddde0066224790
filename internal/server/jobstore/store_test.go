// SPDX-License-Identifier: AGPL-3.0-or-later
package jobstore

import (
	"testing"

	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/google/go-cmp/cmp"
)

func TestStoreListOrdering(t *testing.T) {
	t.Parallel()
	s := New()
	s.Create(Record{Info: job.Info{ID: 1, UserID: 100, TSubmit: 10, State: job.StateInactive}})
	s.Create(Record{Info: job.Info{ID: 2, UserID: 100, TSubmit: 20, State: job.StateRun}})
	s.Create(Record{Info: job.Info{ID: 3, UserID: 200, TSubmit: 30, State: job.StateSched}})

	ids := func(infos []job.Info) []jobid.ID {
		var out []jobid.ID
		for _, info := range infos {
			out = append(out, info.ID)
		}
		return out
	}
	cases := []struct {
		name   string
		filter Filter
		max    int
		want   []jobid.ID
	}{
		{"all", Filter{UserID: job.UserIDAny}, 0, []jobid.ID{3, 2, 1}},
		{"user", Filter{UserID: 100}, 0, []jobid.ID{2, 1}},
		{"active", Filter{UserID: job.UserIDAny, States: job.StateActive}, 0, []jobid.ID{3, 2}},
		{"max", Filter{UserID: job.UserIDAny}, 1, []jobid.ID{3}},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, ids(s.List(tc.filter, tc.max))); diff != "" {
			t.Fatalf("%s: mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestStoreUpdateNotifies(t *testing.T) {
	t.Parallel()
	s := New()
	s.Create(Record{Info: job.Info{ID: 5}})
	ch := s.Changed()
	rec, ok := s.Update(5, func(r *Record) {
		r.State = job.StateRun
		r.Memo = map[string]any{"uri": "local:///tmp/x"}
	})
	if !ok || rec.State != job.StateRun {
		t.Fatalf("Update = %+v, %v", rec, ok)
	}
	select {
	case <-ch:
	default:
		t.Fatalf("Changed not closed after update")
	}
	rec.Memo["uri"] = "mutated"
	got, _ := s.Get(5)
	if got.Memo["uri"] != "local:///tmp/x" {
		t.Fatalf("record aliased caller memo: %v", got.Memo)
	}
	if _, ok := s.Update(6, func(*Record) {}); ok {
		t.Fatalf("Update of unknown job succeeded")
	}
}

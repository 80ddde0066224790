// SPDX-License-Identifier: AGPL-3.0-or-later

// Package jobstore keeps the job records of the reference instance in
// memory and lets callers wait for them to change.
package jobstore

import (
	"maps"
	"sync"

	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
)

// Record is the manager's view of one job.
type Record struct {
	job.Info
	Flags int            `json:"flags"`
	Memo  map[string]any `json:"memo,omitempty"`
	// Exception is the type of the first fatal exception, if any.
	Exception string `json:"exception,omitempty"`
	// ExceptionNote is the note attached to it.
	ExceptionNote string `json:"exception_note,omitempty"`
	// Status is the wait status posted with finish.
	Status   int  `json:"status"`
	Finished bool `json:"finished,omitempty"`
	Waited   bool `json:"waited,omitempty"`
}

// Fatal reports whether a severity 0 exception was raised.
func (r Record) Fatal() bool { return r.Exception != "" }

// Store holds records keyed by job id.
type Store struct {
	mu      sync.RWMutex
	jobs    map[jobid.ID]Record
	changed chan struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[jobid.ID]Record),
		changed: make(chan struct{}),
	}
}

// Create inserts a record.
func (s *Store) Create(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[rec.ID] = clone(rec)
	s.notifyLocked()
}

// Update applies fn to the record of id and returns the result. It reports
// false when the job is unknown.
func (s *Store) Update(id jobid.ID, fn func(*Record)) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Record{}, false
	}
	fn(&rec)
	s.jobs[id] = rec
	s.notifyLocked()
	return clone(rec), true
}

// Get retrieves a record by id.
func (s *Store) Get(id jobid.ID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	return clone(rec), ok
}

// Filter selects records for List and Match.
type Filter struct {
	// UserID restricts to one user unless job.UserIDAny.
	UserID int
	// States is a state mask; zero selects every state.
	States job.State
	Name   string
}

func (f Filter) match(rec Record) bool {
	if f.UserID != job.UserIDAny && rec.UserID != f.UserID {
		return false
	}
	if f.States != 0 && rec.State&f.States == 0 {
		return false
	}
	return f.Name == "" || rec.Name == f.Name
}

// Match returns the records selected by f in no particular order.
func (s *Store) Match(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.jobs {
		if f.match(rec) {
			out = append(out, clone(rec))
		}
	}
	return out
}

// List returns the matching job records most recent first, at most max
// when max is positive.
func (s *Store) List(f Filter, max int) []job.Info {
	recs := s.Match(f)
	out := make([]job.Info, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Info)
	}
	job.SortRecent(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Changed returns a channel closed on the next modification of any record.
func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func clone(rec Record) Record {
	if rec.Memo != nil {
		rec.Memo = maps.Clone(rec.Memo)
	}
	return rec
}

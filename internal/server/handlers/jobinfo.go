// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/coredb"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/flux-framework/flux-core-sub001/internal/observability/tracing"
	"github.com/flux-framework/flux-core-sub001/internal/server/jobstore"
	"github.com/flux-framework/flux-core-sub001/internal/server/sse"
	"golang.org/x/sys/unix"
)

var errStop = errors.New("stop")

// endEvent is the last event of each watchable eventlog.
var endEvent = map[string]string{
	eventlog.Primary: eventlog.Clean,
	eventlog.Exec:    eventlog.ExecDone,
	OutputPath:       outputClose,
}

// watchRequest selects one eventlog stream.
type watchRequest struct {
	ID    jobid.ID
	Path  string
	Flags int
	// IncludeEnd delivers the end event itself before stopping.
	IncludeEnd bool
}

// watch streams the events of one job eventlog: first the journaled
// history, then live events, deduplicated by journal sequence. It returns
// nil at the end of the eventlog, once the job is inactive and the log is
// fully delivered, or when ctx is canceled.
func (in *Instance) watch(ctx context.Context, req watchRequest, send func(eventlog.Event) error) error {
	end := endEvent[req.Path]
	sub := in.deps.Hub.Subscribe(ctx, sse.Key(req.ID, req.Path))
	defer sub.Close()
	done := metrics.StreamStarted(req.Path)
	defer done()

	var last int64
	deliver := func(ev eventlog.Event) (bool, error) {
		if ev.Name == end && !req.IncludeEnd {
			return true, nil
		}
		_, span := tracing.Start(ctx, "server.stream.write",
			tracing.JobID(req.ID),
			tracing.String("eventlog.path", req.Path),
			tracing.Int64("journal.seq", last),
		)
		err := send(ev)
		tracing.EndWithError(span, err)
		if err != nil {
			return false, err
		}
		return ev.Name == end, nil
	}
	replay := func() (bool, error) {
		finished := false
		err := in.deps.Journal.ForEach(ctx, req.ID, req.Path, last, func(e coredb.Entry) error {
			last = e.Seq
			stop, err := deliver(e.Event)
			if err != nil {
				return err
			}
			if stop {
				finished = true
				return errStop
			}
			return nil
		})
		if errors.Is(err, errStop) {
			err = nil
		}
		return finished, err
	}

	finished, err := replay()
	if err != nil || finished {
		return err
	}
	if last == 0 && req.Flags&broker.WatchWaitCreate == 0 && req.Path == eventlog.Exec {
		return broker.Errorf(unix.ENOENT, "%s: %s not found", req.ID.Encode(jobid.F58), req.Path)
	}
	if req.Flags&broker.WatchSentinel != 0 {
		if err := send(eventlog.Sentinel); err != nil {
			return err
		}
	}
	for {
		changed := in.deps.Jobs.Changed()
		select {
		case <-ctx.Done():
			metrics.RecordStreamCanceled(req.Path)
			return nil
		case ev := <-sub.C:
			if sub.Lagged() {
				if finished, err := replay(); err != nil || finished {
					return err
				}
				continue
			}
			if ev.Seq <= last {
				continue
			}
			last = ev.Seq
			if finished, err := deliver(ev.Event); err != nil || finished {
				return err
			}
		case <-changed:
			if rec, ok := in.deps.Jobs.Get(req.ID); ok && rec.State == job.StateInactive {
				_, err := replay()
				return err
			}
		}
	}
}

// awaitJob waits for job id to be submitted when waitCreate is set.
func (in *Instance) awaitJob(ctx context.Context, id jobid.ID, waitCreate bool) (jobstore.Record, error) {
	for {
		changed := in.deps.Jobs.Changed()
		rec, err := in.lookupJob(id)
		if err == nil || !waitCreate {
			return rec, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return rec, broker.ErrCanceled
		}
	}
}

func (in *Instance) handleEventWatch(ctx context.Context, req *Request, send Sender) error {
	var p broker.EventWatchRequest
	if err := req.Decode(&p); err != nil {
		return err
	}
	if p.Eventlog == "" {
		p.Eventlog = eventlog.Primary
	}
	if p.Eventlog != eventlog.Primary && p.Eventlog != eventlog.Exec {
		return broker.Errorf(unix.EINVAL, "eventlog %q cannot be watched", p.Eventlog)
	}
	rec, err := in.awaitJob(ctx, p.ID, p.Flags&broker.WatchWaitCreate != 0)
	if err != nil {
		return err
	}
	if err := authorize(req.Cred, rec); err != nil {
		return err
	}
	return in.watch(ctx, watchRequest{ID: p.ID, Path: p.Eventlog, Flags: p.Flags, IncludeEnd: true}, func(ev eventlog.Event) error {
		return send(broker.EventResponse(ev))
	})
}

func (in *Instance) handleLookup(ctx context.Context, req *Request) (any, error) {
	var p job.LookupRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	rec, err := in.lookupJob(p.ID)
	if err != nil {
		return nil, err
	}
	if err := authorize(req.Cred, rec); err != nil {
		return nil, err
	}
	if len(p.Keys) == 0 {
		return nil, broker.Errorf(unix.EPROTO, "keys must be a non-empty list")
	}
	out := make(map[string]json.RawMessage, len(p.Keys)+1)
	out["id"], _ = json.Marshal(p.ID)
	for _, key := range p.Keys {
		switch key {
		case eventlog.Primary, eventlog.Exec, OutputPath:
			events, err := in.deps.Journal.Events(ctx, p.ID, key)
			if err != nil {
				return nil, err
			}
			if len(events) == 0 {
				return nil, broker.Errorf(unix.ENOENT, "%s: %s not found", p.ID.Encode(jobid.F58), key)
			}
			var buf bytes.Buffer
			for _, ev := range events {
				line, err := ev.Encode()
				if err != nil {
					return nil, err
				}
				buf.Write(line)
			}
			out[key], _ = json.Marshal(buf.String())
		default:
			value, err := in.deps.Store.Get(ctx, p.ID.KVSPath(key))
			if errors.Is(err, coredb.ErrNotFound) {
				return nil, broker.Errorf(unix.ENOENT, "%s: %s not found", p.ID.Encode(jobid.F58), key)
			}
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
	}
	return out, nil
}

func (in *Instance) handleList(_ context.Context, req *Request) (any, error) {
	p := job.ListRequest{UserID: req.Cred.UserID}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.MaxEntries < 0 {
		return nil, broker.Errorf(unix.EPROTO, "max_entries must be >= 0")
	}
	jobs := in.deps.Jobs.List(jobstore.Filter{UserID: p.UserID, States: p.States, Name: p.Name}, p.MaxEntries)
	return job.ListResponse{Jobs: jobs}, nil
}

func (in *Instance) handleListID(_ context.Context, req *Request) (any, error) {
	var p job.IDRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	rec, err := in.lookupJob(p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]job.Info{"job": rec.Info}, nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/executor"
	"github.com/flux-framework/flux-core-sub001/internal/hostlist"
	"github.com/flux-framework/flux-core-sub001/internal/idset"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/kvs"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/flux-framework/flux-core-sub001/internal/server/jobstore"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Job results.
const (
	ResultCompleted = "COMPLETED"
	ResultFailed    = "FAILED"
	ResultCanceled  = "CANCELED"
	ResultTimeout   = "TIMEOUT"
)

const maxSeverity = 7

// run is the state machine of one active job.
type run struct {
	id     jobid.ID
	userid int
	js     *jobspec.Jobspec
	deps   []dependency

	abort     chan struct{}
	abortOnce sync.Once

	mu       sync.Mutex
	duration float64
}

func (r *run) kill() {
	r.abortOnce.Do(func() { close(r.abort) })
}

func (r *run) limit() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.duration * float64(time.Second))
}

func (r *run) setLimit(seconds float64) {
	r.mu.Lock()
	r.duration = seconds
	r.mu.Unlock()
}

func (in *Instance) start(id jobid.ID, userid int, js *jobspec.Jobspec, deps []dependency) {
	r := &run{
		id:       id,
		userid:   userid,
		js:       js,
		deps:     deps,
		abort:    make(chan struct{}),
		duration: js.Duration(),
	}
	in.mu.Lock()
	in.runs[id] = r
	in.mu.Unlock()
	in.wg.Add(1)
	go in.runJob(r)
}

func (in *Instance) setState(id jobid.ID, state job.State) {
	in.deps.Jobs.Update(id, func(rec *jobstore.Record) { rec.State = state })
}

// block waits for the job table to change or the timer to fire. It reports
// false when the job was aborted or the instance is shutting down.
func (in *Instance) block(r *run, changed <-chan struct{}, timer <-chan time.Time) bool {
	select {
	case <-changed:
	case <-timer:
	case <-r.abort:
		return false
	case <-in.ctx.Done():
		return false
	}
	return true
}

func (in *Instance) runJob(r *run) {
	defer in.wg.Done()
	log := in.log.WithField("jobid", r.id.Encode(jobid.F58))

	in.post(r.id, eventlog.Primary, eventlog.Validate, nil)
	in.setState(r.id, job.StateDepend)

	var allocated, ran bool
	var status int
	if in.resolveDependencies(r) {
		in.post(r.id, eventlog.Primary, eventlog.Depend, nil)
		in.setState(r.id, job.StatePriority)
		rec, _ := in.deps.Jobs.Get(r.id)
		in.post(r.id, eventlog.Primary, eventlog.Priority, map[string]any{"priority": rec.Urgency})
		in.setState(r.id, job.StateSched)
		if in.awaitRelease(r) {
			allocated, ran, status = in.execute(r, log)
		}
	}
	in.cleanup(r, allocated, ran, status)
	log.WithField("status", status).Debug("job inactive")
}

func (in *Instance) resolveDependencies(r *run) bool {
	if len(r.deps) == 0 {
		return true
	}
	for {
		changed := in.deps.Jobs.Changed()
		wait, err := in.checkDependencies(r.deps)
		if err != nil {
			_ = in.raise(r.id, "dependency", 0, err.Error(), in.deps.Owner)
			return false
		}
		if wait == 0 {
			return true
		}
		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		ok := in.block(r, changed, fire)
		if timer != nil {
			timer.Stop()
		}
		if !ok {
			return false
		}
	}
}

// checkDependencies returns 0 once every dependency is satisfied, a
// positive delay when only begin-time dependencies remain pending, and -1
// when some job dependency is still pending. An error means a dependency
// can never be satisfied.
func (in *Instance) checkDependencies(deps []dependency) (time.Duration, error) {
	var wait time.Duration
	pendingJob := false
	for _, d := range deps {
		if d.Scheme == depBeginTime {
			if delay := time.Until(d.Begin); delay > 0 && (wait == 0 || delay < wait) {
				wait = delay
			}
			continue
		}
		rec, ok := in.deps.Jobs.Get(d.Job)
		if !ok {
			return 0, fmt.Errorf("dependency: %s: job not found", d)
		}
		inactive := rec.State == job.StateInactive
		switch d.Scheme {
		case depAfter:
			if rec.TRun != 0 {
				continue
			}
			if inactive {
				return 0, fmt.Errorf("dependency: %s: job never started", d)
			}
		case depAfterAny:
			if inactive {
				continue
			}
		case depAfterOK:
			if inactive && rec.Success {
				continue
			}
			if inactive {
				return 0, fmt.Errorf("dependency: %s: job failed or was canceled", d)
			}
		case depAfterNotOK:
			if inactive && !rec.Success {
				continue
			}
			if inactive {
				return 0, fmt.Errorf("dependency: %s: job succeeded", d)
			}
		}
		pendingJob = true
	}
	if pendingJob {
		return -1, nil
	}
	return wait, nil
}

// awaitRelease holds a job with urgency 0 in SCHED.
func (in *Instance) awaitRelease(r *run) bool {
	for {
		changed := in.deps.Jobs.Changed()
		rec, _ := in.deps.Jobs.Get(r.id)
		if rec.Urgency != job.UrgencyHold {
			return true
		}
		if !in.block(r, changed, nil) {
			return false
		}
	}
}

// allocate builds the R document of a job.
func (in *Instance) allocate(js *jobspec.Jobspec) (map[string]any, int) {
	nnodes := js.Count("node")
	if nnodes <= 0 {
		nnodes = 1
	}
	if nnodes > in.deps.Size {
		nnodes = in.deps.Size
	}
	ranks := make(idset.Set, 0, nnodes)
	hosts := make([]string, 0, nnodes)
	for i := 0; i < nnodes; i++ {
		ranks = append(ranks, uint64(i))
		hosts = append(hosts, in.hostname(i))
	}
	cores := make(idset.Set, 0, in.deps.Cores)
	for i := 0; i < in.deps.Cores; i++ {
		cores = append(cores, uint64(i))
	}
	now := eventlog.Now()
	expiration := 0.0
	if d := js.Duration(); d > 0 {
		expiration = now + d
	}
	return map[string]any{
		"version": 1,
		"execution": map[string]any{
			"R_lite": []any{map[string]any{
				"rank":     ranks.String(),
				"children": map[string]any{"core": cores.String()},
			}},
			"nodelist":   []string{hostlist.Encode(hosts)},
			"starttime":  now,
			"expiration": expiration,
		},
	}, nnodes
}

func (in *Instance) hostname(rank int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host, _, _ = strings.Cut(host, ".")
	if in.deps.Size == 1 {
		return host
	}
	return fmt.Sprintf("%s%d", host, rank)
}

func (in *Instance) loadJobspec(ctx context.Context, id jobid.ID) (*jobspec.Jobspec, error) {
	raw, err := in.deps.Store.Get(ctx, id.KVSPath("jobspec"))
	if err != nil {
		return nil, err
	}
	return jobspec.Decode(raw)
}

func (in *Instance) execute(r *run, log logrus.FieldLogger) (allocated, ran bool, status int) {
	if js, err := in.loadJobspec(in.ctx, r.id); err == nil {
		r.js = js
	}
	R, nnodes := in.allocate(r.js)
	data, _ := json.Marshal(R)
	if err := in.deps.Store.Commit(in.ctx, []kvs.Op{{Op: kvs.OpPut, Key: r.id.KVSPath("R"), Value: data}}); err != nil {
		log.WithError(err).Warn("failed to store R")
	}
	in.post(r.id, eventlog.Primary, eventlog.Alloc, nil)
	in.setState(r.id, job.StateRun)
	allocated = true

	spec := executor.Spec{
		ID:      r.id,
		Jobspec: r.js,
		Service: job.ShellService(r.userid, r.id),
		URI:     in.deps.URI,
		TmpRoot: in.deps.TmpRoot,
		Size:    nnodes,
		Log:     log,
	}
	sh, err := executor.Start(in.ctx, spec, execSink{in: in, id: r.id})
	if err != nil {
		log.WithError(err).Warn("job shell failed to start")
		_ = in.raise(r.id, "exec", 0, fmt.Sprintf("failed to start job shell: %v", err), in.deps.Owner)
		return allocated, false, 0
	}
	in.mu.Lock()
	in.shells[spec.Service] = sh
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		delete(in.shells, spec.Service)
		in.mu.Unlock()
	}()

	in.post(r.id, eventlog.Primary, eventlog.Start, nil)
	in.deps.Jobs.Update(r.id, func(rec *jobstore.Record) { rec.TRun = eventlog.Now() })
	metrics.Default.GaugeAdd("jobs.running", nil, 1)
	status = in.supervise(r, sh)
	metrics.Default.GaugeAdd("jobs.running", nil, -1)
	in.post(r.id, eventlog.Primary, eventlog.Finish, map[string]any{"status": status})
	return allocated, true, status
}

// supervise waits for the shell, enforcing the duration limit and
// terminating the tasks on a fatal exception.
func (in *Instance) supervise(r *run, sh *executor.Shell) int {
	started := time.Now()
	for {
		changed := in.deps.Jobs.Changed()
		var timer *time.Timer
		var expire <-chan time.Time
		if d := r.limit(); d > 0 {
			timer = time.NewTimer(time.Until(started.Add(d)))
			expire = timer.C
		}
		stop := func() {
			if timer != nil {
				timer.Stop()
			}
		}
		select {
		case <-sh.Done():
			stop()
			return sh.Status()
		case <-r.abort:
			stop()
			in.terminate(sh)
			return sh.Status()
		case <-in.ctx.Done():
			stop()
			_ = sh.Signal(int(unix.SIGKILL))
			<-sh.Done()
			return sh.Status()
		case <-expire:
			_ = in.raise(r.id, "timeout", 0, "resource allocation expired", in.deps.Owner)
		case <-changed:
		}
		stop()
	}
}

// terminate sends SIGTERM, then SIGKILL after the kill timeout.
func (in *Instance) terminate(sh *executor.Shell) {
	_ = sh.Signal(int(unix.SIGTERM))
	timer := time.NewTimer(in.deps.KillTimeout)
	defer timer.Stop()
	select {
	case <-sh.Done():
		return
	case <-timer.C:
	case <-in.ctx.Done():
	}
	_ = sh.Signal(int(unix.SIGKILL))
	<-sh.Done()
}

func (in *Instance) cleanup(r *run, allocated, ran bool, status int) {
	in.setState(r.id, job.StateCleanup)
	if allocated {
		in.post(r.id, eventlog.Primary, eventlog.Release, map[string]any{"ranks": "all", "final": true})
		in.post(r.id, eventlog.Primary, eventlog.Free, nil)
	}
	in.post(r.id, OutputPath, outputClose, nil)
	in.post(r.id, eventlog.Primary, eventlog.Clean, nil)
	in.deps.Jobs.Update(r.id, func(rec *jobstore.Record) {
		rec.State = job.StateInactive
		rec.TInactive = eventlog.Now()
		rec.Finished = ran
		rec.Status = status
		rec.WaitStatus = status
		rec.Success = ran && status == 0 && !rec.Fatal()
		rec.Result = result(*rec)
	})
	in.mu.Lock()
	delete(in.runs, r.id)
	in.mu.Unlock()
	metrics.Default.Inc("jobs.inactive")
}

func result(rec jobstore.Record) string {
	switch {
	case rec.Success:
		return ResultCompleted
	case rec.Exception == "cancel":
		return ResultCanceled
	case rec.Exception == "timeout":
		return ResultTimeout
	}
	return ResultFailed
}

// raise posts an exception. Severity 0 exceptions are fatal: a pending job
// proceeds to cleanup and the tasks of a running job are terminated.
func (in *Instance) raise(id jobid.ID, typ string, severity int, note string, userid int) error {
	rec, err := in.lookupJob(id)
	if err != nil {
		return err
	}
	if rec.State == job.StateInactive {
		return broker.Errorf(unix.EINVAL, "%s: job is inactive", id.Encode(jobid.F58))
	}
	data := map[string]any{"type": typ, "severity": severity, "userid": userid}
	if note != "" {
		data["note"] = note
	}
	in.post(id, eventlog.Primary, eventlog.Exception, data)
	if severity != 0 {
		return nil
	}
	in.deps.Jobs.Update(id, func(rec *jobstore.Record) {
		if rec.Exception == "" {
			rec.Exception = typ
			rec.ExceptionNote = note
		}
	})
	in.mu.Lock()
	r := in.runs[id]
	in.mu.Unlock()
	if r != nil {
		r.kill()
	}
	return nil
}

func checkException(typ string, severity int) error {
	if typ == "" || strings.ContainsAny(typ, " \t=") {
		return broker.Errorf(unix.EPROTO, "invalid exception type %q", typ)
	}
	if severity < 0 || severity > maxSeverity {
		return broker.Errorf(unix.EPROTO, "exception severity must be in the range of 0 to %d", maxSeverity)
	}
	return nil
}

func (in *Instance) handleRaise(_ context.Context, req *Request) (any, error) {
	var p job.RaiseRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if err := checkException(p.Type, p.Severity); err != nil {
		return nil, err
	}
	rec, err := in.lookupJob(p.ID)
	if err != nil {
		return nil, err
	}
	if err := authorize(req.Cred, rec); err != nil {
		return nil, err
	}
	return nil, in.raise(p.ID, p.Type, p.Severity, p.Note, req.Cred.UserID)
}

func (in *Instance) handleRaiseAll(_ context.Context, req *Request) (any, error) {
	p := job.RaiseAllRequest{UserID: req.Cred.UserID}
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if err := checkException(p.Type, p.Severity); err != nil {
		return nil, err
	}
	if !req.Cred.Owner && p.UserID != req.Cred.UserID {
		return nil, broker.Errorf(unix.EPERM, "guests can only raise exceptions on their own jobs")
	}
	states := p.States
	if states == 0 {
		states = job.StateActive
	}
	states &= job.StateActive
	if states == 0 {
		return job.RaiseAllResponse{}, nil
	}
	recs := in.deps.Jobs.Match(jobstore.Filter{UserID: p.UserID, States: states})
	if !p.DryRun {
		for _, rec := range recs {
			if err := in.raise(rec.ID, p.Type, p.Severity, p.Note, req.Cred.UserID); err != nil {
				in.log.WithError(err).WithField("jobid", rec.ID.Encode(jobid.F58)).Debug("raiseall: skipped")
			}
		}
	}
	return job.RaiseAllResponse{Count: len(recs)}, nil
}

func (in *Instance) handleWait(ctx context.Context, req *Request) (any, error) {
	var p job.IDRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	for {
		changed := in.deps.Jobs.Changed()
		rec, ok, err := in.waitable(req, p.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return waitResponse(rec), nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, broker.ErrCanceled
		case <-in.ctx.Done():
			return nil, broker.Errorf(unix.ENOSYS, "instance is shutting down")
		}
	}
}

// waitable claims an inactive waitable job. It reports false while the
// awaited job is still active.
func (in *Instance) waitable(req *Request, id jobid.ID) (jobstore.Record, bool, error) {
	if id != jobid.Any {
		rec, err := in.lookupJob(id)
		if err != nil {
			return rec, false, err
		}
		if err := authorize(req.Cred, rec); err != nil {
			return rec, false, err
		}
		if !rec.Waitable {
			return rec, false, broker.Errorf(unix.EINVAL, "%s: job is not waitable", id.Encode(jobid.F58))
		}
		if rec.Waited {
			return rec, false, broker.Errorf(unix.ECHILD, "%s: job was already waited", id.Encode(jobid.F58))
		}
		if rec.State != job.StateInactive {
			return rec, false, nil
		}
		return in.claim(rec)
	}
	recs := in.deps.Jobs.Match(jobstore.Filter{UserID: req.Cred.UserID})
	sort.Slice(recs, func(i, j int) bool { return recs[i].TInactive < recs[j].TInactive })
	found := false
	for _, rec := range recs {
		if !rec.Waitable || rec.Waited {
			continue
		}
		found = true
		if rec.State == job.StateInactive {
			if claimed, ok, err := in.claim(rec); ok || err != nil {
				return claimed, ok, err
			}
		}
	}
	if !found {
		return jobstore.Record{}, false, broker.Errorf(unix.ECHILD, "there are no waitable jobs")
	}
	return jobstore.Record{}, false, nil
}

func (in *Instance) claim(rec jobstore.Record) (jobstore.Record, bool, error) {
	claimed := false
	rec, _ = in.deps.Jobs.Update(rec.ID, func(r *jobstore.Record) {
		if !r.Waited {
			r.Waited = true
			claimed = true
		}
	})
	if !claimed {
		return rec, false, broker.Errorf(unix.ECHILD, "%s: job was already waited", rec.ID.Encode(jobid.F58))
	}
	return rec, true, nil
}

func waitResponse(rec jobstore.Record) job.WaitResponse {
	resp := job.WaitResponse{ID: rec.ID, Success: rec.Success}
	switch {
	case rec.Fatal():
		resp.Errstr = strings.TrimSpace(fmt.Sprintf("Fatal exception type=%s %s", rec.Exception, rec.ExceptionNote))
	case rec.Status != 0:
		if sig, ok := eventlog.Signaled(rec.Status); ok {
			resp.Errstr = "task(s) " + unix.SignalName(unix.Signal(sig))
		} else {
			resp.Errstr = fmt.Sprintf("task(s) exited with exit code %d", eventlog.ExitCode(rec.Status))
		}
	}
	return resp
}

// Updatable jobspec keys.
const (
	updateDuration = "attributes.system.duration"
	updateName     = "attributes.system.job.name"
	updateQueue    = "attributes.system.queue"
)

func (in *Instance) handleUpdate(ctx context.Context, req *Request) (any, error) {
	var p job.UpdateRequest
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
	if rec.State == job.StateInactive {
		return nil, broker.Errorf(unix.EINVAL, "%s: job is inactive", p.ID.Encode(jobid.F58))
	}
	if len(p.Updates) == 0 {
		return nil, broker.Errorf(unix.EPROTO, "no updates were specified")
	}
	js, err := in.loadJobspec(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("load jobspec: %w", err)
	}
	conf, _, _ := in.pipelines()
	keys := make([]string, 0, len(p.Updates))
	for k := range p.Updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := p.Updates[key]
		if err := checkUpdate(req, rec, js, conf, key, value); err != nil {
			return nil, err
		}
		if err := js.SetAttribute(strings.TrimPrefix(key, "attributes."), value); err != nil {
			return nil, broker.Errorf(unix.EINVAL, "%s: %v", key, err)
		}
	}
	raw, err := js.Encode()
	if err != nil {
		return nil, broker.Errorf(unix.EINVAL, "%v", err)
	}
	if err := in.deps.Store.Commit(ctx, []kvs.Op{{Op: kvs.OpPut, Key: p.ID.KVSPath("jobspec"), Value: raw}}); err != nil {
		return nil, fmt.Errorf("store jobspec: %w", err)
	}
	in.post(p.ID, eventlog.Primary, eventlog.JobspecUpdate, p.Updates)

	in.mu.Lock()
	r := in.runs[p.ID]
	in.mu.Unlock()
	if r != nil {
		r.setLimit(js.Duration())
	}
	in.deps.Jobs.Update(p.ID, func(rec *jobstore.Record) {
		rec.Name = jobName(js)
		rec.Queue = js.Queue()
	})
	return nil, nil
}

func checkUpdate(req *Request, rec jobstore.Record, js *jobspec.Jobspec, conf config.Tree, key string, value any) error {
	switch key {
	case updateDuration:
		d, ok := value.(float64)
		if !ok || d < 0 {
			return broker.Errorf(unix.EINVAL, "%s must be a non-negative number", key)
		}
		cur := js.Duration()
		if !req.Cred.Owner && cur != 0 && (d == 0 || d > cur) {
			return broker.Errorf(unix.EPERM, "guest user cannot increase duration of a job")
		}
	case updateName:
		if s, ok := value.(string); !ok || s == "" {
			return broker.Errorf(unix.EINVAL, "%s must be a non-empty string", key)
		}
	case updateQueue:
		s, ok := value.(string)
		if !ok || s == "" {
			return broker.Errorf(unix.EINVAL, "%s must be a non-empty string", key)
		}
		if rec.State&(job.StateNew|job.StatePending) == 0 {
			return broker.Errorf(unix.EINVAL, "queue may only be updated for pending jobs")
		}
		if queues, ok := config.Lookup(conf, "queues"); ok {
			if m, ok := queues.(map[string]any); ok {
				if _, ok := m[s]; !ok {
					return broker.Errorf(unix.EINVAL, "invalid queue %q", s)
				}
			}
		}
	default:
		return broker.Errorf(unix.EINVAL, "update of %s is not supported", key)
	}
	return nil
}

func (in *Instance) handleMemo(_ context.Context, req *Request) (any, error) {
	var p job.MemoRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if len(p.Memo) == 0 {
		return nil, broker.Errorf(unix.EPROTO, "memo must be a non-empty object")
	}
	rec, err := in.lookupJob(p.ID)
	if err != nil {
		return nil, err
	}
	if err := authorize(req.Cred, rec); err != nil {
		return nil, err
	}
	if rec.State == job.StateInactive {
		return nil, broker.Errorf(unix.EINVAL, "%s: job is inactive", p.ID.Encode(jobid.F58))
	}
	in.deps.Jobs.Update(p.ID, func(rec *jobstore.Record) {
		if rec.Memo == nil {
			rec.Memo = make(map[string]any, len(p.Memo))
		}
		for k, v := range p.Memo {
			if v == nil {
				delete(rec.Memo, k)
				continue
			}
			rec.Memo[k] = v
		}
		if uri, ok := p.Memo["uri"].(string); ok {
			rec.URI = uri
		}
	})
	in.post(p.ID, eventlog.Primary, eventlog.Memo, p.Memo)
	return nil, nil
}

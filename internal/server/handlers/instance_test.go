// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/coredb"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/server/jobstore"
	"github.com/flux-framework/flux-core-sub001/internal/server/requestctx"
	"github.com/flux-framework/flux-core-sub001/internal/server/sse"
	"github.com/flux-framework/flux-core-sub001/internal/validator"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	testOwner = 500
	testGuest = 1000
)

type testInstance struct {
	in  *Instance
	reg *Registry
}

func newTestInstance(t *testing.T) *testInstance {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := coredb.Open(ctx, coredb.Options{Dir: dir})
	if err != nil {
		t.Fatalf("open coredb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ids, err := jobid.NewGenerator(0, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	in, err := NewInstance(Deps{
		Store:       coredb.NewStore(db),
		Journal:     coredb.NewJournal(db, 0),
		Hub:         sse.New(sse.Config{BufferSize: 64}),
		Jobs:        jobstore.New(),
		IDs:         ids,
		Attrs:       map[string]string{"size": "2", "rundir": dir},
		Owner:       testOwner,
		Size:        2,
		Cores:       4,
		KillTimeout: 200 * time.Millisecond,
		TmpRoot:     dir,
		Log:         logger,
	})
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	reg := NewRegistry(testOwner)
	in.Register(reg)
	t.Cleanup(func() { _ = in.Close() })
	return &testInstance{in: in, reg: reg}
}

func asUser(uid int) context.Context {
	return requestctx.WithCred(context.Background(), requestctx.Cred{UserID: uid, Owner: uid == testOwner})
}

func testJobspec(t *testing.T, argv ...string) json.RawMessage {
	t.Helper()
	js, err := jobspec.FromCommand(argv, jobspec.CommandOptions{NumTasks: 1, CoresPerTask: 1})
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	if err := js.SetAttribute("system.cwd", t.TempDir()); err != nil {
		t.Fatalf("set cwd: %v", err)
	}
	raw, err := js.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func (ti *testInstance) submit(t *testing.T, ctx context.Context, req job.SubmitRequest) jobid.ID {
	t.Helper()
	var resp job.SubmitResponse
	if err := ti.reg.Call(ctx, job.TopicSubmit, req, &resp); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp.ID
}

func (ti *testInstance) wait(t *testing.T, id jobid.ID) job.WaitResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(asUser(testOwner), 10*time.Second)
	defer cancel()
	var resp job.WaitResponse
	if err := ti.reg.Call(ctx, job.TopicWait, job.IDRequest{ID: id}, &resp); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return resp
}

// stream runs a streaming method to completion and returns what it sent.
func (ti *testInstance) stream(t *testing.T, ctx context.Context, topic string, payload any) ([]json.RawMessage, error) {
	t.Helper()
	_, h, ok := ti.reg.Lookup(topic)
	if !ok || h == nil {
		t.Fatalf("%s is not a streaming method", topic)
	}
	raw, _ := json.Marshal(payload)
	var mu sync.Mutex
	var out []json.RawMessage
	err := h(ctx, &Request{Topic: topic, Payload: raw, Cred: requestctx.CredFromContext(ctx, testOwner)}, func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		mu.Lock()
		out = append(out, b)
		mu.Unlock()
		return nil
	})
	return out, err
}

func wantErrno(t *testing.T, err error, want unix.Errno) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected errno %v, got nil", want)
	}
	if got := broker.Errno(err); got != int(want) {
		t.Fatalf("expected errno %v, got %d (%v)", want, got, err)
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(testOwner)
	reg.Handle("a.b", func(context.Context, *Request) (any, error) { return map[string]int{"x": 1}, nil })
	reg.Handle("*-shell-*.stdin", func(context.Context, *Request) (any, error) { return nil, nil })
	reg.Stream("s.watch", func(context.Context, *Request, Sender) error { return nil })

	var out map[string]int
	if err := reg.Call(context.Background(), "a.b", nil, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out["x"] != 1 {
		t.Fatalf("unexpected response %v", out)
	}
	if h, _, ok := reg.Lookup("1000-shell-42.stdin"); !ok || h == nil {
		t.Fatalf("pattern route not matched")
	}
	wantErrno(t, reg.Call(context.Background(), "no.such", nil, nil), unix.ENOSYS)
	wantErrno(t, reg.Call(context.Background(), "s.watch", nil, nil), unix.EPROTO)
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testOwner), job.SubmitRequest{
		Jobspec: testJobspec(t, "true"),
		Urgency: job.UrgencyDefault,
		Flags:   job.FlagWaitable,
	})
	resp := ti.wait(t, id)
	if diff := cmp.Diff(job.WaitResponse{ID: id, Success: true}, resp); diff != "" {
		t.Fatalf("wait mismatch (-want +got):\n%s", diff)
	}

	msgs, err := ti.stream(t, asUser(testOwner), broker.TopicEventWatch, broker.EventWatchRequest{ID: id})
	if err != nil {
		t.Fatalf("event-watch: %v", err)
	}
	var names []string
	for _, m := range msgs {
		ev, err := broker.DecodeEvent(m)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		names = append(names, ev.Name)
	}
	want := []string{
		eventlog.Submit, eventlog.Validate, eventlog.Depend, eventlog.Priority,
		eventlog.Alloc, eventlog.Start, eventlog.Finish, eventlog.Release,
		eventlog.Free, eventlog.Clean,
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("eventlog mismatch (-want +got):\n%s", diff)
	}

	wantErrno(t, ti.reg.Call(asUser(testOwner), job.TopicWait, job.IDRequest{ID: id}, nil), unix.ECHILD)
}

func TestWaitReportsExitCode(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testOwner), job.SubmitRequest{
		Jobspec: testJobspec(t, "/bin/sh", "-c", "exit 3"),
		Urgency: job.UrgencyDefault,
		Flags:   job.FlagWaitable,
	})
	resp := ti.wait(t, id)
	if resp.Success {
		t.Fatalf("expected failure")
	}
	if resp.Errstr != "task(s) exited with exit code 3" {
		t.Fatalf("unexpected errstr %q", resp.Errstr)
	}
}

func TestSubmitChecksCredentials(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	js := testJobspec(t, "true")
	guest := asUser(testGuest)

	err := ti.reg.Call(guest, job.TopicSubmit, job.SubmitRequest{Jobspec: js, Urgency: job.UrgencyMax}, nil)
	wantErrno(t, err, unix.EPERM)
	err = ti.reg.Call(guest, job.TopicSubmit, job.SubmitRequest{Jobspec: js, Urgency: job.UrgencyDefault, Flags: job.FlagWaitable}, nil)
	wantErrno(t, err, unix.EPERM)
	err = ti.reg.Call(guest, job.TopicSubmit, job.SubmitRequest{Jobspec: js, Urgency: 32}, nil)
	wantErrno(t, err, unix.EINVAL)
	err = ti.reg.Call(guest, job.TopicSubmit, job.SubmitRequest{Jobspec: json.RawMessage(`{"version":1}`), Urgency: job.UrgencyDefault}, nil)
	wantErrno(t, err, unix.EINVAL)
}

func TestWaitWithoutWaitableJobs(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	err := ti.reg.Call(asUser(testOwner), job.TopicWait, job.IDRequest{ID: jobid.Any}, nil)
	wantErrno(t, err, unix.ECHILD)
}

func TestCancelHeldJob(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testOwner), job.SubmitRequest{
		Jobspec: testJobspec(t, "true"),
		Urgency: job.UrgencyHold,
		Flags:   job.FlagWaitable,
	})
	client := job.NewClient(ti.reg)
	if err := client.Cancel(asUser(testOwner), id, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp := ti.wait(t, id)
	if resp.Success {
		t.Fatalf("expected failure")
	}
	if resp.Errstr != "Fatal exception type=cancel changed my mind" {
		t.Fatalf("unexpected errstr %q", resp.Errstr)
	}
	rec, _ := ti.in.deps.Jobs.Get(id)
	if rec.Result != ResultCanceled {
		t.Fatalf("expected result %s, got %s", ResultCanceled, rec.Result)
	}
	wantErrno(t, client.Cancel(asUser(testOwner), id, ""), unix.EINVAL)
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testOwner), job.SubmitRequest{
		Jobspec: testJobspec(t, "sleep", "30"),
		Urgency: job.UrgencyDefault,
		Flags:   job.FlagWaitable,
	})
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec, _ := ti.in.deps.Jobs.Get(id)
		if rec.State == job.StateRun {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never started, state %v", rec.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := job.NewClient(ti.reg).Cancel(asUser(testOwner), id, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resp := ti.wait(t, id)
	if resp.Success || !strings.HasPrefix(resp.Errstr, "Fatal exception type=cancel") {
		t.Fatalf("unexpected wait response %+v", resp)
	}
}

func TestRaiseRejectsBadException(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testGuest), job.SubmitRequest{Jobspec: testJobspec(t, "true"), Urgency: job.UrgencyHold})
	client := job.NewClient(ti.reg)

	wantErrno(t, client.Raise(asUser(testGuest), job.RaiseRequest{ID: id, Type: "bad type", Severity: 0}), unix.EPROTO)
	wantErrno(t, client.Raise(asUser(testGuest), job.RaiseRequest{ID: id, Type: "test", Severity: 8}), unix.EPROTO)
	wantErrno(t, client.Raise(asUser(testGuest+1), job.RaiseRequest{ID: id, Type: "test", Severity: 0}), unix.EPERM)
	if err := client.Raise(asUser(testGuest), job.RaiseRequest{ID: id, Type: "test", Severity: 1}); err != nil {
		t.Fatalf("non-fatal raise: %v", err)
	}
	rec, _ := ti.in.deps.Jobs.Get(id)
	if rec.Fatal() {
		t.Fatalf("severity 1 exception must not be fatal")
	}
}

func TestRaiseAllCountsActiveJobs(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	for i := 0; i < 3; i++ {
		ti.submit(t, asUser(testGuest), job.SubmitRequest{Jobspec: testJobspec(t, "true"), Urgency: job.UrgencyHold})
	}
	client := job.NewClient(ti.reg)

	n, err := client.RaiseAll(asUser(testGuest), job.RaiseAllRequest{UserID: testGuest, Type: "cancel", DryRun: true})
	if err != nil {
		t.Fatalf("raiseall dry run: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 jobs, got %d", n)
	}
	_, err = client.RaiseAll(asUser(testGuest), job.RaiseAllRequest{UserID: job.UserIDAny, Type: "cancel"})
	wantErrno(t, err, unix.EPERM)
}

func TestUpdateDuration(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	js, err := jobspec.FromCommand([]string{"true"}, jobspec.CommandOptions{NumTasks: 1, CoresPerTask: 1})
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	if err := js.SetAttribute("system.duration", 60.0); err != nil {
		t.Fatalf("set duration: %v", err)
	}
	raw, _ := js.Encode()
	id := ti.submit(t, asUser(testGuest), job.SubmitRequest{Jobspec: raw, Urgency: job.UrgencyHold})
	client := job.NewClient(ti.reg)

	err = client.Update(asUser(testGuest), id, map[string]any{"attributes.system.duration": 120.0})
	wantErrno(t, err, unix.EPERM)
	if err := client.Update(asUser(testGuest), id, map[string]any{"attributes.system.duration": 30.0}); err != nil {
		t.Fatalf("guest decrease: %v", err)
	}
	if err := client.Update(asUser(testOwner), id, map[string]any{"attributes.system.duration": 300.0}); err != nil {
		t.Fatalf("owner increase: %v", err)
	}
	err = client.Update(asUser(testOwner), id, map[string]any{"attributes.system.cwd": "/"})
	wantErrno(t, err, unix.EINVAL)

	stored, err := ti.in.loadJobspec(context.Background(), id)
	if err != nil {
		t.Fatalf("load jobspec: %v", err)
	}
	if got := stored.Duration(); got != 300 {
		t.Fatalf("expected duration 300, got %v", got)
	}
}

func TestMemoSetsURI(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testGuest), job.SubmitRequest{Jobspec: testJobspec(t, "true"), Urgency: job.UrgencyHold})
	client := job.NewClient(ti.reg)

	if err := client.Memo(asUser(testGuest), id, map[string]any{"uri": "local:///tmp/x", "note": "hi"}); err != nil {
		t.Fatalf("memo: %v", err)
	}
	if err := client.Memo(asUser(testGuest), id, map[string]any{"note": nil}); err != nil {
		t.Fatalf("memo delete: %v", err)
	}
	wantErrno(t, client.Memo(asUser(testGuest), id, map[string]any{}), unix.EPROTO)

	info, err := client.ListID(asUser(testGuest), id)
	if err != nil {
		t.Fatalf("list-id: %v", err)
	}
	if info.URI != "local:///tmp/x" {
		t.Fatalf("expected uri to be set, got %q", info.URI)
	}
	rec, _ := ti.in.deps.Jobs.Get(id)
	if diff := cmp.Diff(map[string]any{"uri": "local:///tmp/x"}, rec.Memo); diff != "" {
		t.Fatalf("memo mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupJobspecAndEventlog(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testOwner), job.SubmitRequest{
		Jobspec: testJobspec(t, "true"),
		Urgency: job.UrgencyDefault,
		Flags:   job.FlagWaitable,
	})
	ti.wait(t, id)

	out, err := job.NewClient(ti.reg).Lookup(asUser(testOwner), id, "jobspec", "R", eventlog.Primary)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	js, err := jobspec.Decode(out["jobspec"])
	if err != nil {
		t.Fatalf("decode jobspec: %v", err)
	}
	if diff := cmp.Diff([]string{"true"}, js.Command()); diff != "" {
		t.Fatalf("command mismatch (-want +got):\n%s", diff)
	}
	var log string
	if err := json.Unmarshal(out[eventlog.Primary], &log); err != nil {
		t.Fatalf("decode eventlog: %v", err)
	}
	if !strings.HasSuffix(log, `"name":"clean"}`+"\n") {
		t.Fatalf("eventlog does not end with clean:\n%s", log)
	}
	if _, ok := out["R"]; !ok {
		t.Fatalf("missing R")
	}
	_, err = job.NewClient(ti.reg).Lookup(asUser(testOwner), id, "nosuchkey")
	wantErrno(t, err, unix.ENOENT)
}

func TestShellOutputStream(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testOwner), job.SubmitRequest{
		Jobspec: testJobspec(t, "echo", "hello"),
		Urgency: job.UrgencyDefault,
		Flags:   job.FlagWaitable,
	})

	ctx, cancel := context.WithTimeout(asUser(testOwner), 10*time.Second)
	defer cancel()
	topic := job.ShellService(testOwner, id) + "." + job.ShellOutput
	msgs, err := ti.stream(t, ctx, topic, job.IDRequest{ID: id})
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	var stdout strings.Builder
	for _, m := range msgs {
		var d job.IOData
		if err := json.Unmarshal(m, &d); err != nil {
			t.Fatalf("decode iodata: %v", err)
		}
		if d.Stream == "stdout" {
			stdout.Write(d.Data)
		}
	}
	if stdout.String() != "hello\n" {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
	ti.wait(t, id)
}

func TestShellMethodsRequireRunningShell(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	id := ti.submit(t, asUser(testGuest), job.SubmitRequest{Jobspec: testJobspec(t, "true"), Urgency: job.UrgencyHold})
	service := job.ShellService(testGuest, id)

	err := ti.reg.Call(asUser(testGuest), service+"."+job.ShellSignal, job.SignalRequest{Signum: int(unix.SIGINT)}, nil)
	wantErrno(t, err, unix.ENOENT)
	err = ti.reg.Call(asUser(testGuest+1), service+"."+job.ShellStdin, job.IOData{Stream: "stdin", Rank: "all", EOF: true}, nil)
	wantErrno(t, err, unix.EPERM)
	err = ti.reg.Call(asUser(testGuest), service+"."+job.ShellSignal, job.SignalRequest{Signum: 0}, nil)
	wantErrno(t, err, unix.EINVAL)
}

func TestEventWatchUnknownJob(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	_, err := ti.stream(t, asUser(testOwner), broker.TopicEventWatch, broker.EventWatchRequest{ID: 12345})
	wantErrno(t, err, unix.ENOENT)
	_, err = ti.stream(t, asUser(testOwner), broker.TopicEventWatch, broker.EventWatchRequest{ID: 12345, Eventlog: "R"})
	wantErrno(t, err, unix.EINVAL)
}

func TestFeasibility(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	tooBig, err := jobspec.FromCommand([]string{"true"}, jobspec.CommandOptions{NumTasks: 4, CoresPerTask: 1, NumNodes: 4})
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	raw, _ := tooBig.Encode()
	err = ti.reg.Call(asUser(testOwner), validator.TopicFeasibility, map[string]any{"jobspec": json.RawMessage(raw)}, nil)
	wantErrno(t, err, unix.EINVAL)

	fits, err := jobspec.FromCommand([]string{"true"}, jobspec.CommandOptions{NumTasks: 2, CoresPerTask: 4})
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	raw, _ = fits.Encode()
	if err := ti.reg.Call(asUser(testOwner), validator.TopicFeasibility, map[string]any{"jobspec": json.RawMessage(raw)}, nil); err != nil {
		t.Fatalf("feasible request rejected: %v", err)
	}
}

func TestConfigLoadReconfiguresValidators(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	conf := map[string]any{"ingest": map[string]any{"validator": map[string]any{"plugins": "jobspec,feasibility"}}}

	wantErrno(t, ti.reg.Call(asUser(testGuest), "config.load", conf, nil), unix.EPERM)
	if err := ti.reg.Call(asUser(testOwner), "config.load", conf, nil); err != nil {
		t.Fatalf("config.load: %v", err)
	}
	_, _, valid := ti.in.pipelines()
	if diff := cmp.Diff([]string{"jobspec", "feasibility"}, valid.Names()); diff != "" {
		t.Fatalf("validators mismatch (-want +got):\n%s", diff)
	}

	tooBig, _ := jobspec.FromCommand([]string{"true"}, jobspec.CommandOptions{NumTasks: 16, CoresPerTask: 1})
	raw, _ := tooBig.Encode()
	err := ti.reg.Call(asUser(testOwner), job.TopicSubmit, job.SubmitRequest{Jobspec: raw, Urgency: job.UrgencyDefault}, nil)
	wantErrno(t, err, unix.EINVAL)

	bad := map[string]any{"ingest": map[string]any{"validator": map[string]any{"plugins": "nosuchplugin"}}}
	wantErrno(t, ti.reg.Call(asUser(testOwner), "config.load", bad, nil), unix.EINVAL)
}

func TestAttrAndKVS(t *testing.T) {
	t.Parallel()
	ti := newTestInstance(t)
	var attr struct {
		Value string `json:"value"`
	}
	if err := ti.reg.Call(asUser(testGuest), TopicAttrGet, map[string]string{"name": "size"}, &attr); err != nil {
		t.Fatalf("attr.get: %v", err)
	}
	if attr.Value != "2" {
		t.Fatalf("expected size 2, got %q", attr.Value)
	}
	wantErrno(t, ti.reg.Call(asUser(testGuest), TopicAttrGet, map[string]string{"name": "nope"}, nil), unix.ENOENT)
	wantErrno(t, ti.reg.Call(asUser(testGuest), "kvs.get", map[string]string{"key": "no.such.key"}, nil), unix.ENOENT)
}

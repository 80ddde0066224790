// SPDX-License-Identifier: AGPL-3.0-or-later
package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

type recordSink struct {
	mu     sync.Mutex
	events []string
	out    map[string]*strings.Builder
	eofs   int
}

func newRecordSink() *recordSink {
	return &recordSink{out: map[string]*strings.Builder{}}
}

func (r *recordSink) Event(name string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recordSink) Output(d job.IOData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.EOF {
		r.eofs++
		return
	}
	key := d.Stream + "/" + d.Rank
	if r.out[key] == nil {
		r.out[key] = &strings.Builder{}
	}
	r.out[key].Write(d.Data)
}

func (r *recordSink) output(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.out[key]; b != nil {
		return b.String()
	}
	return ""
}

func startShell(t *testing.T, js *jobspec.Jobspec) (*Shell, *recordSink) {
	t.Helper()
	sink := newRecordSink()
	sh, err := Start(context.Background(), Spec{
		ID:      jobid.ID(1234),
		Jobspec: js,
		Service: "100-shell-1234",
		URI:     "local:///tmp/test/local",
		TmpRoot: t.TempDir(),
	}, sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sh, sink
}

func waitDone(t *testing.T, sh *Shell) {
	t.Helper()
	select {
	case <-sh.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for shell")
	}
}

func commandJobspec(t *testing.T, ntasks int, argv ...string) *jobspec.Jobspec {
	t.Helper()
	js, err := jobspec.FromCommand(argv, jobspec.CommandOptions{NumTasks: ntasks, CoresPerTask: 1})
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	return js
}

func TestShellRunsTasks(t *testing.T) {
	t.Parallel()
	js := commandJobspec(t, 2, "sh", "-c", `echo "rank $FLUX_TASK_RANK of $FLUX_JOB_SIZE"; echo oops >&2; exit 3`)
	sh, sink := startShell(t, js)
	waitDone(t, sh)

	if got := eventlog.ExitCode(sh.Status()); got != 3 {
		t.Fatalf("exit code = %d, want 3", got)
	}
	want := []string{
		eventlog.ExecInit, eventlog.ExecStarting, eventlog.ExecShellInit,
		eventlog.ExecShellStart, eventlog.ExecComplete, eventlog.ExecDone,
	}
	if diff := cmp.Diff(want, sink.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if got := sink.output("stdout/1"); got != "rank 1 of 2\n" {
		t.Fatalf("stdout/1 = %q", got)
	}
	if got := sink.output("stderr/0"); got != "oops\n" {
		t.Fatalf("stderr/0 = %q", got)
	}
	if sink.eofs != 4 {
		t.Fatalf("eofs = %d, want 4", sink.eofs)
	}
}

func TestShellFilesAndTmpdir(t *testing.T) {
	t.Parallel()
	js := commandJobspec(t, 1, "cat", "{{tmpdir}}/input.txt")
	if err := js.AddFile("input.txt", jobspec.FileSource{Data: "hello\nworld\n", Inline: true}, 0o600, ""); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	sh, sink := startShell(t, js)
	tmpdir := sh.Tmpdir()
	waitDone(t, sh)
	if got := sink.output("stdout/0"); got != "hello\nworld\n" {
		t.Fatalf("stdout = %q", got)
	}
	if sh.Status() != 0 {
		t.Fatalf("status = %d", sh.Status())
	}
	if _, err := Start(context.Background(), Spec{Jobspec: js, TmpRoot: tmpdir}, newRecordSink()); err == nil {
		t.Fatalf("expected error for removed tmp root")
	}
}

func TestShellStdin(t *testing.T) {
	t.Parallel()
	sh, sink := startShell(t, commandJobspec(t, 1, "cat"))
	if err := sh.Stdin(job.IOData{Stream: "stdin", Rank: "all", Data: []byte("ping\n")}); err != nil {
		t.Fatalf("Stdin: %v", err)
	}
	if err := sh.Stdin(job.IOData{Stream: "stdin", Rank: "all", EOF: true}); err != nil {
		t.Fatalf("Stdin EOF: %v", err)
	}
	waitDone(t, sh)
	if got := sink.output("stdout/0"); got != "ping\n" {
		t.Fatalf("stdout = %q", got)
	}
	if err := sh.Stdin(job.IOData{Rank: "all", Data: []byte("late")}); err == nil {
		t.Fatalf("expected error writing stdin after exit")
	}
}

func TestShellSignal(t *testing.T) {
	t.Parallel()
	sh, _ := startShell(t, commandJobspec(t, 1, "sleep", "30"))
	if err := sh.Signal(int(unix.SIGTERM)); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	waitDone(t, sh)
	sig, ok := eventlog.Signaled(sh.Status())
	if !ok || sig != int(unix.SIGTERM) {
		t.Fatalf("status = %#x, want SIGTERM", sh.Status())
	}
	if err := sh.Signal(int(unix.SIGKILL)); err == nil {
		t.Fatalf("expected error signaling exited shell")
	}
}

func TestShellSimulatedRun(t *testing.T) {
	t.Parallel()
	js := commandJobspec(t, 3, "true")
	if err := js.SetAttribute("system.exec.test.run_duration", "10m"); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	sh, sink := startShell(t, js)
	if err := sh.Signal(int(unix.SIGKILL)); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	waitDone(t, sh)
	if sig, ok := eventlog.Signaled(sh.Status()); !ok || sig != int(unix.SIGKILL) {
		t.Fatalf("status = %#x", sh.Status())
	}
	if sink.eofs != 6 {
		t.Fatalf("eofs = %d, want 6", sink.eofs)
	}
}

func TestBuildTaskEnv(t *testing.T) {
	t.Setenv(EnvExecPath, "/opt/flux/bin")
	js := commandJobspec(t, 1, "true")
	if err := js.SetEnvironment(map[string]string{"PATH": "/usr/bin", "FLUX_TASK_RANK": "99", "HOME": "/home/u"}); err != nil {
		t.Fatalf("SetEnvironment: %v", err)
	}
	env := buildTaskEnv(Spec{ID: jobid.ID(1234), Jobspec: js, URI: "local:///x"}, "/tmp/j", 2, 4)
	want := []string{
		"FLUX_TASK_RANK=2",
		"HOME=/home/u",
		"PATH=/opt/flux/bin:/usr/bin",
		"FLUX_JOB_ID=" + jobid.ID(1234).Encode(jobid.F58),
		"FLUX_JOB_TMPDIR=/tmp/j",
		"FLUX_JOB_SIZE=4",
		"FLUX_URI=local:///x",
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Fatalf("env mismatch (-want +got):\n%s", diff)
	}
}

// SPDX-License-Identifier: AGPL-3.0-or-later
package attach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

const testService = "1000-shell-42"

// fakeJob serves the eventlogs and shell service of one job.
type fakeJob struct {
	primary []eventlog.Event
	exec    []eventlog.Event
	output  []job.IOData
	// echo makes the output stream wait for stdin EOF and echo the input.
	echo bool

	mu      sync.Mutex
	stdin   []job.IOData
	signals []int
	raises  []job.RaiseRequest
	eof     chan struct{}
}

func newFakeJob(primary ...eventlog.Event) *fakeJob {
	return &fakeJob{
		primary: primary,
		exec: []eventlog.Event{
			eventlog.New(eventlog.ExecInit, nil),
			eventlog.New(eventlog.ExecShellInit, map[string]any{"service": testService, "leader-rank": 0, "size": 1}),
			eventlog.New(eventlog.ExecShellStart, map[string]any{"task-count": 1}),
			eventlog.New(eventlog.ExecComplete, map[string]any{"status": 0}),
			eventlog.New(eventlog.ExecDone, nil),
		},
		eof: make(chan struct{}),
	}
}

type sseWriter struct {
	w http.ResponseWriter
}

func startStream(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprintf(w, "event: %s\ndata: tag\n\n", broker.StreamMatchtag)
	return &sseWriter{w: w}
}

func (s *sseWriter) send(p json.RawMessage) {
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", broker.StreamResponse, p)
	s.w.(http.Flusher).Flush()
}

func (s *sseWriter) end() {
	fmt.Fprintf(s.w, "event: %s\ndata: {\"errnum\":%d}\n\n", broker.StreamError, int(unix.ENODATA))
}

func stream(w http.ResponseWriter, payloads []json.RawMessage) {
	s := startStream(w)
	for _, p := range payloads {
		s.send(p)
	}
	s.end()
}

func (f *fakeJob) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(broker.RPCPrefix+broker.TopicEventWatch, func(w http.ResponseWriter, r *http.Request) {
		var req broker.EventWatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		events := f.primary
		if req.Eventlog == eventlog.Exec {
			events = f.exec
		}
		s := startStream(w)
		for _, ev := range events {
			if ev.Name == eventlog.ExecComplete && f.echo {
				select {
				case <-f.eof:
				case <-r.Context().Done():
					return
				}
			}
			s.send(broker.EventResponse(ev))
		}
		s.end()
	})
	mux.HandleFunc(broker.RPCPrefix+testService+".output", func(w http.ResponseWriter, r *http.Request) {
		packets := f.output
		if f.echo {
			select {
			case <-f.eof:
			case <-r.Context().Done():
				return
			}
			f.mu.Lock()
			for _, d := range f.stdin {
				if !d.EOF {
					packets = append(packets, job.IOData{Stream: "stdout", Rank: "0", Data: d.Data})
				}
			}
			f.mu.Unlock()
		}
		var out []json.RawMessage
		for _, d := range packets {
			b, _ := json.Marshal(d)
			out = append(out, b)
		}
		stream(w, out)
	})
	mux.HandleFunc(broker.RPCPrefix+testService+".stdin", func(w http.ResponseWriter, r *http.Request) {
		var d job.IOData
		_ = json.NewDecoder(r.Body).Decode(&d)
		f.mu.Lock()
		f.stdin = append(f.stdin, d)
		f.mu.Unlock()
		if d.EOF {
			close(f.eof)
		}
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc(broker.RPCPrefix+testService+".signal", func(w http.ResponseWriter, r *http.Request) {
		var req job.SignalRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.signals = append(f.signals, req.Signum)
		f.mu.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc(broker.RPCPrefix+job.TopicRaise, func(w http.ResponseWriter, r *http.Request) {
		var req job.RaiseRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.raises = append(f.raises, req)
		f.mu.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	return mux
}

func open(t *testing.T, f *fakeJob) *broker.Handle {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	h, err := broker.Open("tcp://" + strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func ran(status int) []eventlog.Event {
	return []eventlog.Event{
		eventlog.New(eventlog.Submit, nil),
		eventlog.New(eventlog.Start, nil),
		eventlog.New(eventlog.Finish, map[string]any{"status": status}),
		eventlog.New(eventlog.Clean, nil),
	}
}

func TestAttachExitCodes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		events []eventlog.Event
		code   int
		stderr string
	}{
		{name: "success", events: ran(0), code: 0},
		{name: "exit status", events: ran(eventlog.WaitStatus(3, 0)), code: 3},
		{name: "killed", events: ran(eventlog.WaitStatus(0, 9)), code: 137, stderr: "task(s) terminated by SIGKILL"},
		{
			name: "canceled while pending",
			events: []eventlog.Event{
				eventlog.New(eventlog.Submit, nil),
				eventlog.New(eventlog.Exception, map[string]any{"type": "cancel", "severity": 0, "note": "no thanks"}),
				eventlog.New(eventlog.Clean, nil),
			},
			code:   1,
			stderr: jobid.ID(42).String() + ": exception: type=cancel note=no thanks",
		},
		{
			name: "non-fatal exception",
			events: append([]eventlog.Event{
				eventlog.New(eventlog.Exception, map[string]any{"type": "timeout", "severity": 1}),
			}, ran(0)...),
			code: 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := open(t, newFakeJob(tc.events...))
			var stderr strings.Builder
			res, err := Run(testContext(t), h, 42, Options{Stderr: &stderr, TerminalFd: -1})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := res.ExitCode(); got != tc.code {
				t.Fatalf("exit code = %d, want %d (stderr %q)", got, tc.code, stderr.String())
			}
			if tc.stderr == "" && stderr.Len() != 0 {
				t.Fatalf("unexpected stderr %q", stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.stderr) {
				t.Fatalf("stderr %q does not contain %q", stderr.String(), tc.stderr)
			}
		})
	}
}

func TestAttachLabelsOutput(t *testing.T) {
	t.Parallel()
	f := newFakeJob(ran(0)...)
	f.output = []job.IOData{
		{Stream: "stdout", Rank: "0", Data: []byte("a\nb")},
		{Stream: "stdout", Rank: "0", Data: []byte("c\n")},
		{Stream: "stdout", Rank: "1", Data: []byte("x\n")},
		{Stream: "stderr", Rank: "0", Data: []byte("oops\n")},
		{Stream: "stdout", Rank: "0", EOF: true},
	}
	h := open(t, f)
	var stdout, stderr strings.Builder
	var events strings.Builder
	res, err := Run(testContext(t), h, 42, Options{
		Stdout:     &stdout,
		Stderr:     &stderr,
		LabelIO:    true,
		Events:     eventlog.NewFormatter(&events, eventlog.FormatterOptions{}),
		TerminalFd: -1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode() != 0 || !res.Started {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff("0: a\n0: bc\n1: x\n", stdout.String()); diff != "" {
		t.Fatalf("stdout mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("0: oops\n", stderr.String()); diff != "" {
		t.Fatalf("stderr mismatch (-want +got):\n%s", diff)
	}
	for _, want := range []string{" start", " exec.shell.init", " clean"} {
		if !strings.Contains(events.String(), want) {
			t.Fatalf("events %q missing %q", events.String(), want)
		}
	}
}

func TestAttachForwardsStdin(t *testing.T) {
	t.Parallel()
	f := newFakeJob(ran(0)...)
	f.echo = true
	h := open(t, f)
	var stdout strings.Builder
	_, err := Run(testContext(t), h, 42, Options{
		Stdin:        strings.NewReader("one\ntwo"),
		Stdout:       &stdout,
		LineBuffered: true,
		TerminalFd:   -1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []job.IOData{
		{Stream: "stdin", Rank: "all", Data: []byte("one\n")},
		{Stream: "stdin", Rank: "all", Data: []byte("two")},
		{Stream: "stdin", Rank: "all", EOF: true},
	}
	f.mu.Lock()
	got := f.stdin
	f.mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stdin packets mismatch (-want +got):\n%s", diff)
	}
	if stdout.String() != "one\ntwo" {
		t.Fatalf("echo = %q", stdout.String())
	}
}

func TestSignalPolicy(t *testing.T) {
	t.Parallel()
	f := newFakeJob()
	h := open(t, f)
	t0 := time.Unix(1700000000, 0)
	clock := []time.Time{t0, t0.Add(3 * time.Second), t0.Add(4 * time.Second)}
	var stderr strings.Builder
	a := New(h, 42, Options{
		Stderr:     &stderr,
		TerminalFd: -1,
		Now: func() time.Time {
			now := clock[0]
			clock = clock[1:]
			return now
		},
	})
	a.ctx = testContext(t)
	a.service = testService

	for _, sig := range []unix.Signal{unix.SIGUSR1, unix.SIGINT, unix.SIGINT, unix.SIGINT} {
		if err := a.onSignal(sig); err != nil {
			t.Fatalf("onSignal(%v): %v", sig, err)
		}
	}
	if err := h.Reactor().Run(testContext(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !a.Result().Detached || a.Result().ExitCode() != ExitDetached {
		t.Fatalf("result = %+v", a.Result())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		signals := append([]int(nil), f.signals...)
		raises := len(f.raises)
		f.mu.Unlock()
		sort.Ints(signals)
		if raises == 2 && len(signals) == 2 {
			if diff := cmp.Diff([]int{int(unix.SIGKILL), int(unix.SIGUSR1)}, signals); diff != "" {
				t.Fatalf("signals mismatch (-want +got):\n%s", diff)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("raises=%d signals=%v", raises, signals)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(stderr.String(), "killed, detaching") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestWaitEvent(t *testing.T) {
	t.Parallel()
	h := open(t, newFakeJob(ran(eventlog.WaitStatus(2, 0))...))
	ctx := testContext(t)

	res, err := WaitEvent(ctx, h, 42, eventlog.Start, nil)
	if err != nil {
		t.Fatalf("WaitEvent(start): %v", err)
	}
	if !res.Started || res.Finished {
		t.Fatalf("start result = %+v", res)
	}

	res, err = WaitEvent(ctx, h, 42, "", nil)
	if err != nil {
		t.Fatalf("WaitEvent(clean): %v", err)
	}
	if res.ExitCode() != 2 {
		t.Fatalf("exit code = %d, want 2", res.ExitCode())
	}

	if _, err := WaitEvent(ctx, h, 42, "bogus", nil); !errors.Is(err, ErrEventNotPosted) {
		t.Fatalf("WaitEvent(bogus) = %v", err)
	}
}

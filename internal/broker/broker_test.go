// SPDX-License-Identifier: AGPL-3.0-or-later
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeError(w http.ResponseWriter, errnum unix.Errno, msg string) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(Error{Errnum: int(errnum), Errstr: msg})
}

func openTCP(t *testing.T, h http.Handler) *Handle {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")
	handle, err := Open("tcp://" + addr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Endpoint
	}{
		{"local:///run/flux/local", Endpoint{Scheme: "local", Path: "/run/flux/local"}},
		{"tcp://127.0.0.1:8050", Endpoint{Scheme: "tcp", Host: "127.0.0.1", Port: "8050"}},
		{"ssh://alice@node1:2222/tmp/flux/local", Endpoint{Scheme: "ssh", User: "alice", Host: "node1", Port: "2222", Path: "/tmp/flux/local"}},
	}
	for _, tc := range cases {
		got, err := ParseEndpoint(tc.in)
		if err != nil {
			t.Fatalf("ParseEndpoint(%q): %v", tc.in, err)
		}
		tc.want.Raw = tc.in
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("ParseEndpoint(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
		if got.String() != tc.in {
			t.Fatalf("String() = %q, want %q", got.String(), tc.in)
		}
	}
	for _, bad := range []string{"http://x", "local://", "tcp://host", "ssh://host"} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Fatalf("ParseEndpoint(%q) expected error", bad)
		}
	}
}

func TestSSHCommand(t *testing.T) {
	t.Setenv("FLUX_SSH", "rsh -q")
	t.Setenv("FLUX_SSH_RCMD", "/opt/flux/bin/flux")
	ep, err := ParseEndpoint("ssh://bob@login:22/tmp/sock")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	want := []string{"rsh", "-q", "-p", "22", "bob@login", "/opt/flux/bin/flux", "relay", "/tmp/sock"}
	if diff := cmp.Diff(want, ep.SSHCommand()); diff != "" {
		t.Fatalf("ssh argv mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenRequiresURI(t *testing.T) {
	t.Setenv(EnvURI, "")
	if _, err := Open(""); !errors.Is(err, ErrNoURI) {
		t.Fatalf("Open = %v, want ErrNoURI", err)
	}
}

func TestRPCRoundTrip(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc(RPCPrefix+"kvs.get", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{"value": "v:" + req["key"]})
	})
	h := openTCP(t, mux)
	var resp struct {
		Value string `json:"value"`
	}
	if err := h.Call(testContext(t), "kvs.get", map[string]string{"key": "a.b"}, &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Value != "v:a.b" {
		t.Fatalf("value = %q", resp.Value)
	}
}

func TestRPCRemoteError(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc(RPCPrefix+"job-ingest.submit", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, unix.EPERM, "only the instance owner can set WAITABLE")
	})
	h := openTCP(t, mux)
	err := h.Call(testContext(t), "job-ingest.submit", nil, nil)
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected EPERM, got %v", err)
	}
	if err.Error() != "only the instance owner can set WAITABLE" {
		t.Fatalf("errstr = %q", err.Error())
	}
	if Errno(err) != int(unix.EPERM) {
		t.Fatalf("Errno = %d", Errno(err))
	}
}

func TestRPCTransportError(t *testing.T) {
	t.Parallel()
	sock := filepath.Join(t.TempDir(), "missing")
	h, err := Open("local://" + sock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	err = h.Call(testContext(t), "attr.get", nil, nil)
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if !strings.Contains(be.Errstr, sock) {
		t.Fatalf("errstr %q should name the endpoint", be.Errstr)
	}
}

func TestRPCTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc(RPCPrefix+"resource.waitup", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	h := openTCP(t, mux)
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	f := h.RPC(context.Background(), "resource.waitup", nil)
	if _, err := f.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get = %v, want deadline exceeded", err)
	}
}

// streamServer emits n events and then waits for a cancel or the end.
type streamServer struct {
	mu       sync.Mutex
	canceled map[string]chan struct{}
}

func (s *streamServer) watch(w http.ResponseWriter, r *http.Request, n int, block bool) {
	tag := fmt.Sprintf("tag-%d", time.Now().UnixNano())
	done := make(chan struct{})
	s.mu.Lock()
	s.canceled[tag] = done
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", StreamMatchtag, tag)
	fmt.Fprint(w, ":keep-alive\n\n")
	for i := 0; i < n; i++ {
		ev := eventlog.Event{Timestamp: float64(i + 1), Name: fmt.Sprintf("ev%d", i)}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", StreamResponse, EventResponse(ev))
	}
	flusher.Flush()
	if block {
		select {
		case <-done:
		case <-r.Context().Done():
			return
		}
	}
	fmt.Fprintf(w, "event: %s\ndata: {\"errnum\":%d}\n\n", StreamError, int(unix.ENODATA))
	flusher.Flush()
}

func (s *streamServer) cancel(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	ch, ok := s.canceled[req["matchtag"]]
	delete(s.canceled, req["matchtag"])
	s.mu.Unlock()
	if !ok {
		writeError(w, unix.ENOENT, "unknown matchtag")
		return
	}
	close(ch)
	_, _ = w.Write([]byte("{}"))
}

func TestEventWatchEndsWithNoData(t *testing.T) {
	t.Parallel()
	s := &streamServer{canceled: map[string]chan struct{}{}}
	mux := http.NewServeMux()
	mux.HandleFunc(RPCPrefix+TopicEventWatch, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderStreaming) != "1" {
			writeError(w, unix.EPROTO, "streaming header missing")
			return
		}
		s.watch(w, r, 3, false)
	})
	h := openTCP(t, mux)
	ctx := testContext(t)
	watch := h.EventWatch(ctx, 1234, "", 0)
	defer watch.Close()
	var names []string
	for {
		ev, err := watch.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev == nil {
			break
		}
		names = append(names, ev.Name)
	}
	if diff := cmp.Diff([]string{"ev0", "ev1", "ev2"}, names); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if ev, err := watch.Next(ctx); ev != nil || err != nil {
		t.Fatalf("Next after end = %v, %v", ev, err)
	}
}

func TestEventWatchCancel(t *testing.T) {
	t.Parallel()
	s := &streamServer{canceled: map[string]chan struct{}{}}
	mux := http.NewServeMux()
	mux.HandleFunc(RPCPrefix+TopicEventWatch, func(w http.ResponseWriter, r *http.Request) {
		s.watch(w, r, 2, true)
	})
	mux.HandleFunc(RPCPrefix+TopicEventWatch+"-cancel", s.cancel)
	h := openTCP(t, mux)
	ctx := testContext(t)
	watch := h.EventWatch(ctx, 1, "", 0)
	defer watch.Close()
	watch.Cancel()
	count := 0
	for {
		ev, err := watch.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev == nil {
			break
		}
		count++
	}
	if count > 2 {
		t.Fatalf("received %d events after cancel, want at most 2", count)
	}
}

func TestStreamWithReactor(t *testing.T) {
	t.Parallel()
	s := &streamServer{canceled: map[string]chan struct{}{}}
	mux := http.NewServeMux()
	mux.HandleFunc(RPCPrefix+TopicEventWatch, func(w http.ResponseWriter, r *http.Request) {
		s.watch(w, r, 2, false)
	})
	h := openTCP(t, mux)
	watch := h.EventWatch(context.Background(), 7, eventlog.Exec, WatchWaitCreate)
	var got []float64
	var end error
	watch.Future().Then(func(v any, err error) error {
		if err != nil {
			end = err
			return nil
		}
		ev, err := DecodeEvent(v)
		if err != nil {
			return err
		}
		got = append(got, ev.Timestamp)
		return nil
	})
	if err := h.Reactor().Run(testContext(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 2}, got); diff != "" {
		t.Fatalf("timestamps mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(end, ErrNoData) {
		t.Fatalf("end = %v", end)
	}
}

func TestLocalConnector(t *testing.T) {
	dir, err := os.MkdirTemp("", "fx")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "local")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(RPCPrefix+"attr.get", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":"3"}`))
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Close() })

	h, err := Open("local://" + sock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	v, err := h.Attr(testContext(t), "size")
	if err != nil || v != "3" {
		t.Fatalf("Attr = %q, %v", v, err)
	}
}

func TestSSEReader(t *testing.T) {
	t.Parallel()
	rd := newSSEReader(strings.NewReader("retry: 2000\n:connected\n\nid: 1\nevent: response\ndata: a\ndata: b\n\nevent: error\ndata: {}\n"))
	ev, err := rd.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if diff := cmp.Diff(sseEvent{ID: "1", Event: "response", Data: "a\nb"}, ev); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
	ev, err = rd.Next()
	if err != nil || ev.Event != "error" {
		t.Fatalf("Next = %+v, %v", ev, err)
	}
	if _, err := rd.Next(); err == nil {
		t.Fatalf("expected EOF")
	}
}

// SPDX-License-Identifier: AGPL-3.0-or-later
package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
)

func TestHubPublishSubscribe(t *testing.T) {
	t.Parallel()
	h := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := Key(42, eventlog.Primary)
	sub := h.Subscribe(ctx, key)
	defer sub.Close()

	h.Publish(Key(43, eventlog.Primary), Event{Seq: 1, Event: eventlog.New("submit", nil)})
	h.Publish(key, Event{Seq: 2, Event: eventlog.New("submit", nil)})

	select {
	case ev := <-sub.C:
		if ev.Seq != 2 || ev.Event.Name != "submit" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHubLagged(t *testing.T) {
	t.Parallel()
	h := New(Config{BufferSize: 1})
	key := Key(1, eventlog.Exec)
	sub := h.Subscribe(context.Background(), key)
	defer sub.Close()

	h.Publish(key, Event{Seq: 1})
	h.Publish(key, Event{Seq: 2})
	if !sub.Lagged() {
		t.Fatalf("expected lagged subscription")
	}
	if sub.Lagged() {
		t.Fatalf("lagged flag not cleared")
	}
	if ev := <-sub.C; ev.Seq != 1 {
		t.Fatalf("seq = %d, want 1", ev.Seq)
	}
}

func TestHubUnsubscribeOnCancel(t *testing.T) {
	t.Parallel()
	h := New(Config{})
	key := Key(7, eventlog.Primary)
	ctx, cancel := context.WithCancel(context.Background())
	h.Subscribe(ctx, key)
	if n := h.Subscribers(key); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for h.Subscribers(key) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriterFrames(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	_ = sw.Matchtag("abc")
	_ = sw.Response([]byte(`{"event":{}}`))
	_ = sw.End([]byte(`{"errnum":61}`))
	if err := sw.Response([]byte(`{}`)); err == nil {
		t.Fatalf("write after End succeeded")
	}
	want := "event: matchtag\ndata: abc\n\n" +
		"event: response\ndata: {\"event\":{}}\n\n" +
		"event: error\ndata: {\"errnum\":61}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
}

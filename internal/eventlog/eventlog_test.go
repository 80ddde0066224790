// SPDX-License-Identifier: AGPL-3.0-or-later
package eventlog

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseEventlog(t *testing.T) {
	t.Parallel()
	data := `{"timestamp":1.5,"name":"submit","context":{"userid":1000,"urgency":16}}

{"timestamp":2.0,"name":"start"}
{"timestamp":3.25,"name":"finish","context":{"status":768}}
`
	events, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Event{
		{Timestamp: 1.5, Name: "submit", Context: map[string]any{"userid": float64(1000), "urgency": float64(16)}},
		{Timestamp: 2.0, Name: "start"},
		{Timestamp: 3.25, Name: "finish", Context: map[string]any{"status": float64(768)}},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			t.Fatalf("timestamps not monotone at %d", i)
		}
	}
	ev, ok := Find(events, Finish)
	if !ok {
		t.Fatalf("finish not found")
	}
	status, _ := ev.Int("status")
	if got := ExitCode(status); got != 3 {
		t.Fatalf("ExitCode = %d, want 3", got)
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("{\"timestamp\":1,\"name\":\"submit\"}\n{nope\n"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line number in %q", err)
	}
	if _, err := Decode([]byte(`{"timestamp":1}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for missing name, got %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()
	ev := Event{Timestamp: 10.25, Name: "exception", Context: map[string]any{"type": "cancel", "severity": float64(0), "note": "bad run"}}
	line, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		t.Fatalf("encoded event must end with newline")
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(ev, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSentinel(t *testing.T) {
	t.Parallel()
	if !Sentinel.IsSentinel() {
		t.Fatalf("Sentinel must report IsSentinel")
	}
	if New("submit", nil).IsSentinel() {
		t.Fatalf("real event reported as sentinel")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		want   int
	}{
		{0, 0},
		{WaitStatus(3, 0), 3},
		{WaitStatus(0, 9), 137},
		{WaitStatus(0, 2), 130},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.status); got != tc.want {
			t.Fatalf("ExitCode(%d) = %d, want %d", tc.status, got, tc.want)
		}
	}
	if sig, ok := Signaled(WaitStatus(0, 9)); !ok || sig != 9 {
		t.Fatalf("Signaled = %d,%v", sig, ok)
	}
	if _, ok := Signaled(WaitStatus(0, 0)); ok {
		t.Fatalf("exit 0 reported as signaled")
	}
}

func TestFormatter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	f := NewFormatter(&buf, FormatterOptions{Time: TimeOffset})
	_ = f.Write(Event{Timestamp: 100, Name: "submit", Context: map[string]any{"userid": float64(5), "urgency": float64(16)}})
	_ = f.Write(Event{Timestamp: 101.5, Name: "exception", Context: map[string]any{"note": "bad run", "type": "cancel"}})
	want := "0.000000 submit urgency=16 userid=5\n1.500000 exception note=\"bad run\" type=cancel\n"
	if got := buf.String(); got != want {
		t.Fatalf("formatter output:\n%q\nwant:\n%q", got, want)
	}

	buf.Reset()
	j := NewFormatter(&buf, FormatterOptions{JSON: true})
	_ = j.Write(Event{Timestamp: 1, Name: "clean"})
	if got := buf.String(); got != "{\"timestamp\":1,\"name\":\"clean\"}\n" {
		t.Fatalf("json output = %q", got)
	}

	var nilFormatter *Formatter
	if err := nilFormatter.Write(Event{Name: "x"}); err != nil {
		t.Fatalf("nil formatter: %v", err)
	}
}

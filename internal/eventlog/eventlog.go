// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventlog models job eventlogs: ordered, append-only sequences of
// timestamped events stored as newline-delimited JSON.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Primary job events.
const (
	Submit        = "submit"
	Validate      = "validate"
	Invalidate    = "invalidate"
	Depend        = "depend"
	Priority      = "priority"
	Alloc         = "alloc"
	Start         = "start"
	Finish        = "finish"
	Release       = "release"
	Free          = "free"
	Clean         = "clean"
	Exception     = "exception"
	Memo          = "memo"
	JobspecUpdate = "jobspec-update"
	Urgency       = "urgency"
)

// Execution shell sub-eventlog events.
const (
	ExecInit       = "init"
	ExecStarting   = "starting"
	ExecShellInit  = "shell.init"
	ExecShellStart = "shell.start"
	ExecComplete   = "complete"
	ExecDone       = "done"
)

// Well-known eventlog paths relative to a job's KVS directory.
const (
	Primary = "eventlog"
	Exec    = "guest.exec.eventlog"
)

// ErrMalformed is returned for lines that do not decode as events.
var ErrMalformed = errors.New("eventlog: malformed event")

// Event is one entry of an eventlog.
type Event struct {
	Timestamp float64        `json:"timestamp"`
	Name      string         `json:"name"`
	Context   map[string]any `json:"context,omitempty"`
}

// Sentinel marks the boundary between historical and live events.
var Sentinel = Event{}

// New returns an event stamped with the current time.
func New(name string, context map[string]any) Event {
	return Event{Timestamp: Now(), Name: name, Context: context}
}

// Now returns the current time as float seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// IsSentinel reports whether e is the sentinel event.
func (e Event) IsSentinel() bool {
	return e.Name == "" && e.Timestamp == 0 && len(e.Context) == 0
}

// Time converts the event timestamp to a time.Time.
func (e Event) Time() time.Time {
	sec, frac := math.Modf(e.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// String returns a context value rendered as a string, or "".
func (e Event) String(key string) string {
	v, ok := e.Context[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns an integer context value.
func (e Event) Int(key string) (int, bool) {
	switch v := e.Context[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Encode returns the event as a single JSON line including the newline.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses one event.
func Decode(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(bytes.TrimSpace(line), &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Name == "" {
		return Event{}, fmt.Errorf("%w: missing name", ErrMalformed)
	}
	return ev, nil
}

// Parse decodes an eventlog. Blank lines are ignored.
func Parse(data []byte) ([]Event, error) {
	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := Decode(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Find returns the first event named name.
func Find(events []Event, name string) (Event, bool) {
	for _, ev := range events {
		if ev.Name == name {
			return ev, true
		}
	}
	return Event{}, false
}

// ExitCode converts a raw wait status from a finish event into a shell-style
// exit code: the exit status when the task exited, 128+signum when killed.
func ExitCode(status int) int {
	if status&0x7f == 0 {
		return (status >> 8) & 0xff
	}
	return 128 + status&0x7f
}

// Signaled reports whether the wait status indicates termination by signal.
func Signaled(status int) (int, bool) {
	sig := status & 0x7f
	return sig, sig != 0 && sig != 0x7f
}

// WaitStatus builds a raw wait status from an exit code or a signal.
func WaitStatus(exitCode, signal int) int {
	if signal > 0 {
		return signal & 0x7f
	}
	return (exitCode & 0xff) << 8
}

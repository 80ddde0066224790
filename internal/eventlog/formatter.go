// SPDX-License-Identifier: AGPL-3.0-or-later
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Time formats accepted by Formatter.
const (
	TimeRaw    = "raw"
	TimeISO    = "iso"
	TimeOffset = "offset"
	TimeHuman  = "human"
)

// FormatterOptions controls event rendering.
type FormatterOptions struct {
	JSON   bool
	Time   string
	Color  bool
	Prefix string
}

// Formatter writes events one per line. Safe for concurrent use.
type Formatter struct {
	mu    sync.Mutex
	out   io.Writer
	opts  FormatterOptions
	first float64
	last  time.Time
}

var nameColors = map[string]*color.Color{
	Submit:    color.New(color.FgYellow),
	Start:     color.New(color.FgGreen),
	Finish:    color.New(color.FgCyan),
	Clean:     color.New(color.FgBlue),
	Exception: color.New(color.FgRed, color.Bold),
}

// NewFormatter returns a formatter writing to out. A nil writer yields a nil
// formatter whose methods are no-ops.
func NewFormatter(out io.Writer, opts FormatterOptions) *Formatter {
	if out == nil {
		return nil
	}
	if opts.Time == "" {
		opts.Time = TimeRaw
	}
	return &Formatter{out: out, opts: opts}
}

// Write renders one event.
func (f *Formatter) Write(ev Event) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.opts.JSON {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(f.out, "%s%s\n", f.opts.Prefix, payload)
		return err
	}
	if f.first == 0 {
		f.first = ev.Timestamp
	}
	name := ev.Name
	if f.opts.Color {
		c, ok := nameColors[ev.Name]
		if !ok {
			c = color.New(color.Reset)
		}
		c.EnableColor()
		name = c.Sprint(ev.Name)
	}
	line := f.opts.Prefix + f.stamp(ev) + " " + name
	if ctx := FormatContext(ev.Context); ctx != "" {
		line += " " + ctx
	}
	_, err := fmt.Fprintln(f.out, line)
	return err
}

func (f *Formatter) stamp(ev Event) string {
	switch f.opts.Time {
	case TimeISO:
		return ev.Time().UTC().Format("2006-01-02T15:04:05.000000Z")
	case TimeOffset:
		return fmt.Sprintf("%.6f", ev.Timestamp-f.first)
	case TimeHuman:
		t := ev.Time()
		if f.last.IsZero() || t.Sub(f.last) > time.Minute || t.Day() != f.last.Day() {
			f.last = t
			return "[" + t.Format("Jan02 15:04") + "]"
		}
		delta := t.Sub(f.last)
		return fmt.Sprintf("[%+10.6f]", delta.Seconds())
	default:
		return fmt.Sprintf("%.6f", ev.Timestamp)
	}
}

// FormatContext renders a context map as space separated key=value pairs in
// key order; nested values are rendered as compact JSON.
func FormatContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(ctx[k]))
	}
	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if val == "" || strings.ContainsAny(val, " \t\n\"") {
			b, _ := json.Marshal(val)
			return string(b)
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprint(val)
	case nil:
		return "null"
	case map[string]any, []any:
		b, _ := json.Marshal(val)
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

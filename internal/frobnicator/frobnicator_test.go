// SPDX-License-Identifier: AGPL-3.0-or-later
package frobnicator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/constraint"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/google/go-cmp/cmp"
)

func testConfig() config.Tree {
	return config.Tree{
		"policy": map[string]any{"jobspec": map[string]any{"defaults": map[string]any{
			"system": map[string]any{"duration": "1h", "queue": "batch"},
		}}},
		"queues": map[string]any{
			"batch": map[string]any{"requires": []any{"batch"}},
			"debug": map[string]any{
				"requires": []any{"debug", "fast"},
				"policy": map[string]any{"jobspec": map[string]any{"defaults": map[string]any{
					"system": map[string]any{"duration": "10m"},
				}}},
			},
		},
	}
}

func newJobspec(t *testing.T) *jobspec.Jobspec {
	t.Helper()
	js, err := jobspec.FromCommand([]string{"hostname"}, jobspec.CommandOptions{NumTasks: 1, CoresPerTask: 1})
	if err != nil {
		t.Fatalf("FromCommand: %v", err)
	}
	return js
}

type fakeLister struct {
	jobs []job.Info
	reqs []job.ListRequest
}

func (f *fakeLister) List(_ context.Context, req job.ListRequest) ([]job.Info, error) {
	f.reqs = append(f.reqs, req)
	var out []job.Info
	for _, j := range f.jobs {
		if j.Name == req.Name && j.UserID == req.UserID {
			out = append(out, j)
		}
	}
	if req.MaxEntries > 0 && len(out) > req.MaxEntries {
		out = out[:req.MaxEntries]
	}
	return out, nil
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := &Defaults{}
	if err := d.Configure(testConfig(), Env{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	js := newJobspec(t)
	if err := d.Frob(ctx, js, Info{}); err != nil {
		t.Fatalf("Frob: %v", err)
	}
	if js.Queue() != "batch" || js.Duration() != 3600 {
		t.Fatalf("queue=%q duration=%v", js.Queue(), js.Duration())
	}

	js = newJobspec(t)
	_ = js.SetAttribute("system.queue", "debug")
	if err := d.Frob(ctx, js, Info{}); err != nil {
		t.Fatalf("Frob: %v", err)
	}
	if js.Duration() != 600 {
		t.Fatalf("queue default duration = %v, want 600", js.Duration())
	}

	js = newJobspec(t)
	_ = js.SetAttribute("system.duration", 42)
	if err := d.Frob(ctx, js, Info{}); err != nil {
		t.Fatalf("Frob: %v", err)
	}
	if js.Duration() != 42 {
		t.Fatalf("user duration replaced: %v", js.Duration())
	}

	js = newJobspec(t)
	_ = js.SetAttribute("system.queue", "nope")
	if err := d.Frob(ctx, js, Info{}); !errors.Is(err, ErrInvalidQueue) {
		t.Fatalf("unknown queue err = %v", err)
	}
}

func TestDefaultsMissingQueue(t *testing.T) {
	t.Parallel()
	conf := testConfig()
	delete(conf, "policy")
	d := &Defaults{}
	if err := d.Configure(conf, Env{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := d.Frob(context.Background(), newJobspec(t), Info{}); !errors.Is(err, ErrMissingQueue) {
		t.Fatalf("err = %v, want ErrMissingQueue", err)
	}

	none := &Defaults{}
	_ = none.Configure(config.Tree{}, Env{})
	if err := none.Frob(context.Background(), newJobspec(t), Info{}); err != nil {
		t.Fatalf("no queues configured: %v", err)
	}
}

func TestMergeProperties(t *testing.T) {
	t.Parallel()
	props := []any{"batch"}
	tests := []struct {
		name     string
		existing constraint.Tree
		want     constraint.Tree
	}{
		{
			name: "empty",
			want: constraint.Tree{"properties": []any{"batch"}},
		},
		{
			name:     "properties",
			existing: constraint.Tree{"properties": []any{"amd", "batch"}},
			want:     constraint.Tree{"properties": []any{"amd", "batch"}},
		},
		{
			name: "and list",
			existing: constraint.Tree{"and": []any{
				map[string]any{"hostlist": []any{"n[1-4]"}},
				map[string]any{"properties": []any{"amd"}},
			}},
			want: constraint.Tree{"and": []any{
				map[string]any{"hostlist": []any{"n[1-4]"}},
				constraint.Tree{"properties": []any{"amd", "batch"}},
			}},
		},
		{
			name:     "and list without properties",
			existing: constraint.Tree{"and": []any{map[string]any{"ranks": []any{"0-1"}}}},
			want: constraint.Tree{"and": []any{
				map[string]any{"ranks": []any{"0-1"}},
				constraint.Tree{"properties": []any{"batch"}},
			}},
		},
		{
			name:     "other",
			existing: constraint.Tree{"or": []any{map[string]any{"properties": []any{"a"}}}},
			want: constraint.Tree{"and": []any{
				constraint.Tree{"or": []any{map[string]any{"properties": []any{"a"}}}},
				constraint.Tree{"properties": []any{"batch"}},
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := MergeProperties(tc.existing, props)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDependency(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{jobs: []job.Info{
		{ID: 2000, UserID: 100, Name: "prep"},
		{ID: 1000, UserID: 100, Name: "prep"},
		{ID: 3000, UserID: 200, Name: "prep"},
	}}
	d := &Dependency{}
	_ = d.Configure(nil, Env{Lister: lister})

	js := newJobspec(t)
	_ = js.SetAttribute("system.dependency.name", "prep")
	if err := d.Frob(context.Background(), js, Info{UserID: 100}); err != nil {
		t.Fatalf("Frob: %v", err)
	}
	if _, ok := js.GetAttribute("system.dependency"); ok {
		t.Fatalf("dependency attribute not removed")
	}
	deps, _ := js.GetAttribute("system.dependencies")
	want := []any{map[string]any{"scheme": "afterok", "value": jobid.ID(2000).Encode(jobid.Dec)}}
	if diff := cmp.Diff(want, deps); diff != "" {
		t.Fatalf("dependencies mismatch (-want +got):\n%s", diff)
	}
	if lister.reqs[0].States != job.StateAll || lister.reqs[0].MaxEntries != 1 {
		t.Fatalf("list request = %+v", lister.reqs[0])
	}

	js = newJobspec(t)
	_ = js.SetAttribute("system.dependency.name", "missing")
	if err := d.Frob(context.Background(), js, Info{UserID: 100}); !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("err = %v, want ErrUnknownDependency", err)
	}
}

func newPipeline(t *testing.T, lister job.Lister) *Pipeline {
	t.Helper()
	p, err := Load(plugin.Default, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := p.Configure(testConfig(), Env{Lister: lister}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return p
}

func TestPipelineIdempotent(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, &fakeLister{jobs: []job.Info{{ID: 7, Name: "prep"}}})
	if diff := cmp.Diff([]string{"defaults", "constraints", "dependency"}, p.Names()); diff != "" {
		t.Fatalf("plugin order mismatch (-want +got):\n%s", diff)
	}

	js := newJobspec(t)
	_ = js.SetAttribute("system.queue", "debug")
	_ = js.SetAttribute("system.constraints", map[string]any{"properties": []any{"amd"}})
	_ = js.SetAttribute("system.dependency.name", "prep")

	ctx := context.Background()
	if err := p.Frob(ctx, js, Info{}); err != nil {
		t.Fatalf("Frob: %v", err)
	}
	once, _ := js.Encode()
	if err := p.Frob(ctx, js, Info{}); err != nil {
		t.Fatalf("second Frob: %v", err)
	}
	twice, _ := js.Encode()
	if diff := cmp.Diff(string(once), string(twice)); diff != "" {
		t.Fatalf("frob not idempotent (-once +twice):\n%s", diff)
	}
	c, _ := js.GetAttribute("system.constraints")
	if diff := cmp.Diff(map[string]any{"properties": []any{"amd", "debug", "fast"}}, c); diff != "" {
		t.Fatalf("constraints mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineNotConfigured(t *testing.T) {
	t.Parallel()
	p := New(&Defaults{})
	if err := p.Frob(context.Background(), newJobspec(t), Info{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()
	p := newPipeline(t, &fakeLister{})
	js := newJobspec(t)
	data, _ := js.Encode()
	bad := newJobspec(t)
	_ = bad.SetAttribute("system.queue", "nope")
	badData, _ := bad.Encode()

	var in bytes.Buffer
	for _, raw := range [][]byte{data, badData} {
		line, _ := json.Marshal(Request{Jobspec: raw, UserID: 100, Urgency: 16})
		in.Write(line)
		in.WriteByte('\n')
	}
	in.WriteString("\nnot json\n")

	var out bytes.Buffer
	if err := p.Stream(context.Background(), &in, &out, StreamOptions{}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d response lines:\n%s", len(lines), out.String())
	}
	var first, second, third Response
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[1]), &second)
	_ = json.Unmarshal([]byte(lines[2]), &third)
	if first.Errnum != 0 || first.Data == nil || first.Data.Queue() != "batch" {
		t.Fatalf("first response = %s", lines[0])
	}
	if second.Errnum == 0 || !strings.Contains(second.Errstr, "invalid queue") {
		t.Fatalf("second response = %s", lines[1])
	}
	if third.Errnum == 0 || !strings.Contains(third.Errstr, "malformed request") {
		t.Fatalf("third response = %s", lines[2])
	}
}

// SPDX-License-Identifier: AGPL-3.0-or-later
package uri

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/paths"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// fakeInstance answers attr.get and job-list.list-id.
type fakeInstance struct {
	uri    string
	parent string
	jobs   map[jobid.ID]job.Info
}

func (f *fakeInstance) URI() string  { return f.uri }
func (f *fakeInstance) Close() error { return nil }

func (f *fakeInstance) Attr(_ context.Context, name string) (string, error) {
	if name == "parent-uri" {
		return f.parent, nil
	}
	return "", broker.Errorf(unix.ENOENT, "unknown attribute %s", name)
}

func (f *fakeInstance) Call(_ context.Context, topic string, payload, out any) error {
	if topic != job.TopicListID {
		return broker.ErrNotImplemented
	}
	info, ok := f.jobs[payload.(job.IDRequest).ID]
	if !ok {
		return broker.Errorf(unix.ENOENT, "unknown job")
	}
	data, _ := json.Marshal(map[string]job.Info{"job": info})
	return json.Unmarshal(data, out)
}

// tree builds root -> job 1 (instance A) -> job 2 (instance B), plus a
// pending job 3 and a running non-instance job 4 in the root.
func tree() map[string]*fakeInstance {
	root := &fakeInstance{uri: "local:///run/root/local", jobs: map[jobid.ID]job.Info{
		1: {ID: 1, State: job.StateRun, URI: "local:///tmp/a/local"},
		3: {ID: 3, State: job.StateSched},
		4: {ID: 4, State: job.StateRun},
		5: {ID: 5, State: job.StateInactive},
	}}
	a := &fakeInstance{uri: "local:///tmp/a/local", parent: root.uri, jobs: map[jobid.ID]job.Info{
		2: {ID: 2, State: job.StateRun, URI: "local:///tmp/b/local"},
	}}
	b := &fakeInstance{uri: "local:///tmp/b/local", parent: a.uri}
	remote := &fakeInstance{uri: "ssh://login1/run/root/local", jobs: root.jobs}
	return map[string]*fakeInstance{root.uri: root, a.uri: a, b.uri: b, remote.uri: remote}
}

func newTestResolver(env map[string]string, opts ...Option) *Resolver {
	insts := tree()
	base := []Option{
		WithOpener(func(u string) (Instance, error) {
			inst, ok := insts[u]
			if !ok {
				return nil, fmt.Errorf("no instance at %s", u)
			}
			return inst, nil
		}),
		WithEnv(func(k string) string { return env[k] }),
		WithHostname(func() (string, error) { return "node7", nil }),
	}
	return NewResolver(append(base, opts...)...)
}

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     string
		scheme string
		path   string
		query  string
	}{
		{"jobid:ƒ2/ƒ3", "jobid", "ƒ2/ƒ3", ""},
		{"pid:1234?local", "pid", "1234", "local="},
		{"ƒ2", "jobid", "ƒ2", ""},
		{"/", "jobid", "/", ""},
		{"..", "jobid", "..", ""},
		{"1/2?remote", "jobid", "1/2", "remote="},
		{"local:///tmp/sock", "", "", ""},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got.Scheme != tc.scheme || got.Path != tc.path || got.Query.Encode() != tc.query {
			t.Fatalf("Parse(%q) = %+v", tc.in, got)
		}
	}
	if _, err := Parse(""); err == nil {
		t.Fatalf("expected error for empty target")
	}
}

func TestJobIDPaths(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		current string
		target  string
		want    string
		err     error
	}{
		{name: "child", current: "local:///run/root/local", target: "1", want: "local:///tmp/a/local"},
		{name: "grandchild", current: "local:///run/root/local", target: "jobid:1/2", want: "local:///tmp/b/local"},
		{name: "parent", current: "local:///tmp/b/local", target: "..", want: "local:///tmp/a/local"},
		{name: "grandparent", current: "local:///tmp/b/local", target: "../..", want: "local:///run/root/local"},
		{name: "root", current: "local:///tmp/b/local", target: "/", want: "local:///run/root/local"},
		{name: "absolute", current: "local:///tmp/b/local", target: "/1/2", want: "local:///tmp/b/local"},
		{name: "pending", current: "local:///run/root/local", target: "3", err: ErrNotRunning},
		{name: "not an instance", current: "local:///run/root/local", target: "4", err: ErrNotInstance},
		{name: "inactive", current: "local:///run/root/local", target: "5", err: ErrNotRunning},
		{name: "unknown job", current: "local:///run/root/local", target: "99", err: broker.ErrNotFound},
		{name: "root has no parent", current: "local:///run/root/local", target: ".."},
		{name: "remote parent", current: "ssh://login1/run/root/local", target: "1", want: "ssh://login1/tmp/a/local"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newTestResolver(map[string]string{broker.EnvURI: tc.current})
			got, err := r.Resolve(context.Background(), tc.target, Flags{})
			switch {
			case tc.want == "" && tc.err == nil:
				if err == nil {
					t.Fatalf("Resolve(%q) = %q, want error", tc.target, got)
				}
			case tc.err != nil:
				if !errors.Is(err, tc.err) {
					t.Fatalf("Resolve(%q) error = %v, want %v", tc.target, err, tc.err)
				}
			default:
				if err != nil {
					t.Fatalf("Resolve(%q): %v", tc.target, err)
				}
				if got != tc.want {
					t.Fatalf("Resolve(%q) = %q, want %q", tc.target, got, tc.want)
				}
			}
		})
	}
}

func TestTransforms(t *testing.T) {
	t.Parallel()
	env := map[string]string{broker.EnvURI: "local:///run/root/local"}
	r := newTestResolver(env)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "1?remote", Flags{})
	if err != nil || got != "ssh://node7/tmp/a/local" {
		t.Fatalf("remote = %q, %v", got, err)
	}
	got, err = r.Resolve(ctx, "ssh://login1/tmp/x/local", Flags{Local: true})
	if err != nil || got != "local:///tmp/x/local" {
		t.Fatalf("local = %q, %v", got, err)
	}
	if _, err := r.Resolve(ctx, "1", Flags{Local: true, Remote: true}); !errors.Is(err, ErrConflict) {
		t.Fatalf("conflict = %v", err)
	}

	forced := newTestResolver(map[string]string{
		broker.EnvURI:   "ssh://login1/run/root/local",
		EnvResolveLocal: "1",
	})
	got, err = forced.Resolve(ctx, "1", Flags{})
	if err != nil || got != "local:///tmp/a/local" {
		t.Fatalf("%s = %q, %v", EnvResolveLocal, got, err)
	}
}

func TestUnknownScheme(t *testing.T) {
	t.Parallel()
	r := newTestResolver(nil)
	if _, err := r.Resolve(context.Background(), "bogus:1", Flags{}); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("err = %v", err)
	}
	names := r.Schemes()
	for _, want := range []string{"jobid", "pid", "slurm", "lsf"} {
		if names[want] == "" {
			t.Fatalf("scheme %s not registered: %v", want, names)
		}
	}
}

func TestPIDScheme(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/proc/100/environ", []byte("HOME=/root\x00FLUX_URI=local:///tmp/x/local\x00"), 0o400)
	_ = afero.WriteFile(fs, "/proc/101/environ", []byte("HOME=/root\x00"), 0o400)
	_ = afero.WriteFile(fs, paths.PidFile(102), []byte("local:///tmp/broker/local\n"), 0o600)
	r := newTestResolver(nil, WithFs(fs))
	ctx := context.Background()

	for target, want := range map[string]string{
		"pid:100": "local:///tmp/x/local",
		"pid:102": "local:///tmp/broker/local",
	} {
		got, err := r.Resolve(ctx, target, Flags{})
		if err != nil || got != want {
			t.Fatalf("Resolve(%s) = %q, %v; want %q", target, got, err, want)
		}
	}
	if _, err := r.Resolve(ctx, "pid:101", Flags{}); !errors.Is(err, ErrNotInstance) {
		t.Fatalf("pid without FLUX_URI = %v", err)
	}
	if _, err := r.Resolve(ctx, "pid:abc", Flags{}); err == nil {
		t.Fatalf("expected error for invalid pid")
	}
}

func TestBatchSchemes(t *testing.T) {
	t.Parallel()
	var calls [][]string
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		switch name {
		case "bjobs":
			return []byte("node12 RUN\n"), nil
		case "srun", "ssh":
			return []byte("ssh://node12/tmp/flux-abc/local\n"), nil
		}
		return nil, errors.New("unexpected command")
	}
	r := newTestResolver(map[string]string{}, WithRunner(run))
	ctx := context.Background()

	got, err := r.Resolve(ctx, "slurm:5678", Flags{})
	if err != nil || got != "ssh://node12/tmp/flux-abc/local" {
		t.Fatalf("slurm = %q, %v", got, err)
	}
	got, err = r.Resolve(ctx, "lsf:42", Flags{})
	if err != nil || got != "ssh://node12/tmp/flux-abc/local" {
		t.Fatalf("lsf = %q, %v", got, err)
	}
	want := [][]string{
		{"srun", "--overlap", "--jobid=5678", "--nodes=1", "--ntasks=1", "sh", "-c", brokerProbe},
		{"bjobs", "-noheader", "-o", "first_host stat", "42"},
		{"ssh", "node12", brokerProbe},
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if _, err := r.Resolve(ctx, "slurm:abc", Flags{}); err == nil || !strings.Contains(err.Error(), "invalid job id") {
		t.Fatalf("slurm:abc = %v", err)
	}
}

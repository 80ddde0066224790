// SPDX-License-Identifier: AGPL-3.0-or-later
package uri

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/paths"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/spf13/afero"
)

func init() {
	plugin.Default.MustRegister(plugin.PointURIResolver, "jobid", func() plugin.Plugin { return &JobID{} })
	plugin.Default.MustRegister(plugin.PointURIResolver, "pid", func() plugin.Plugin { return &PID{} })
	plugin.Default.MustRegister(plugin.PointURIResolver, "slurm", func() plugin.Plugin { return &Slurm{} })
	plugin.Default.MustRegister(plugin.PointURIResolver, "lsf", func() plugin.Plugin { return &LSF{} })
}

// brokerProbe prints the remote URI of the oldest broker of the user on the
// node it runs on.
const brokerProbe = `flux uri --remote pid:$(pgrep -o -u "$(id -u)" -f 'flux broker')`

// WaitInterval is how often a job without a URI is polled with ?wait.
var WaitInterval = 200 * time.Millisecond

// JobID walks the instance hierarchy. Path segments are job ids (descend
// into that job's instance) or ".." (ascend); a leading "/" starts from the
// root instance. Paths are relative to FLUX_URI.
type JobID struct{}

func (*JobID) Name() string { return "jobid" }

func (*JobID) Describe() string { return "Get URI for a given Flux JOBID" }

func (s *JobID) Resolve(ctx context.Context, r *Resolver, t Target) (string, error) {
	current := r.getenv(broker.EnvURI)
	if current == "" {
		return "", broker.ErrNoURI
	}
	path := t.Path
	if strings.HasPrefix(path, "/") {
		root, err := s.root(ctx, r, current)
		if err != nil {
			return "", err
		}
		current = root
	}
	wait := t.Query.Has("wait")
	for _, seg := range strings.Split(path, "/") {
		var err error
		switch seg {
		case "", ".":
			continue
		case "..":
			current, err = s.parent(ctx, r, current)
		default:
			current, err = s.child(ctx, r, current, seg, wait)
		}
		if err != nil {
			return "", err
		}
	}
	return current, nil
}

func (s *JobID) parent(ctx context.Context, r *Resolver, uri string) (string, error) {
	inst, err := r.open(uri)
	if err != nil {
		return "", err
	}
	defer inst.Close()
	parent, err := inst.Attr(ctx, "parent-uri")
	if err != nil {
		return "", fmt.Errorf("%s: parent-uri: %w", uri, err)
	}
	if parent == "" {
		return "", fmt.Errorf("%s: instance has no parent", uri)
	}
	return parent, nil
}

func (s *JobID) root(ctx context.Context, r *Resolver, uri string) (string, error) {
	for {
		inst, err := r.open(uri)
		if err != nil {
			return "", err
		}
		parent, err := inst.Attr(ctx, "parent-uri")
		inst.Close()
		if err != nil {
			return "", fmt.Errorf("%s: parent-uri: %w", uri, err)
		}
		if parent == "" {
			return uri, nil
		}
		uri = parent
	}
}

func (s *JobID) child(ctx context.Context, r *Resolver, uri, seg string, wait bool) (string, error) {
	id, err := jobid.Parse(seg)
	if err != nil {
		return "", fmt.Errorf("jobid: %w", err)
	}
	inst, err := r.open(uri)
	if err != nil {
		return "", err
	}
	defer inst.Close()
	client := job.NewClient(inst)
	for {
		info, err := client.ListID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("jobid %s: %w", seg, err)
		}
		switch {
		case info.State == job.StateInactive:
			return "", fmt.Errorf("jobid %s: %w", seg, ErrNotRunning)
		case info.URI != "":
			return childURI(uri, info.URI)
		case info.State&job.StateRunning == 0 && !wait:
			return "", fmt.Errorf("jobid %s: %w", seg, ErrNotRunning)
		case !wait:
			return "", fmt.Errorf("jobid %s: %w", seg, ErrNotInstance)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(WaitInterval):
		}
	}
}

// childURI makes a child's local URI reachable the same way as its parent.
func childURI(parent, child string) (string, error) {
	ep, err := broker.ParseEndpoint(parent)
	if err != nil || ep.Scheme != broker.SchemeSSH {
		return child, nil
	}
	host := ep.Host
	if ep.User != "" {
		host = ep.User + "@" + host
	}
	return Remote(child, host)
}

// PID finds the instance a local process belongs to: the URI recorded by a
// broker running as PID, else FLUX_URI from the process environment.
type PID struct{}

func (*PID) Name() string { return "pid" }

func (*PID) Describe() string { return "Get URI for a given local PID" }

func (*PID) Resolve(ctx context.Context, r *Resolver, t Target) (string, error) {
	pid, err := strconv.Atoi(t.Path)
	if err != nil || pid <= 0 {
		return "", fmt.Errorf("pid: invalid pid %q", t.Path)
	}
	if data, err := afero.ReadFile(r.fs, paths.PidFile(pid)); err == nil {
		if u := strings.TrimSpace(string(data)); u != "" {
			return u, nil
		}
	}
	env, err := afero.ReadFile(r.fs, fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return "", fmt.Errorf("pid %d: %w", pid, err)
	}
	for _, kv := range bytes.Split(env, []byte{0}) {
		if k, v, ok := bytes.Cut(kv, []byte("=")); ok && string(k) == broker.EnvURI {
			return string(v), nil
		}
	}
	return "", fmt.Errorf("pid %d: %w", pid, ErrNotInstance)
}

// Slurm locates an instance started inside a Slurm job by probing its first
// node with srun.
type Slurm struct{}

func (*Slurm) Name() string { return "slurm" }

func (*Slurm) Describe() string { return "Get URI for a Flux instance launched by Slurm" }

func (*Slurm) Resolve(ctx context.Context, r *Resolver, t Target) (string, error) {
	if _, err := strconv.ParseUint(t.Path, 10, 64); err != nil {
		return "", fmt.Errorf("slurm: invalid job id %q", t.Path)
	}
	out, err := r.run(ctx, "srun", "--overlap", "--jobid="+t.Path, "--nodes=1", "--ntasks=1", "sh", "-c", brokerProbe)
	if err != nil {
		return "", fmt.Errorf("slurm job %s: %w", t.Path, err)
	}
	return firstLine(out, "slurm job "+t.Path)
}

// LSF locates an instance started inside an LSF job: bjobs names the first
// execution host, which is probed over ssh.
type LSF struct{}

func (*LSF) Name() string { return "lsf" }

func (*LSF) Describe() string { return "Get URI for a Flux instance launched by LSF" }

func (*LSF) Resolve(ctx context.Context, r *Resolver, t Target) (string, error) {
	if _, err := strconv.ParseUint(t.Path, 10, 64); err != nil {
		return "", fmt.Errorf("lsf: invalid job id %q", t.Path)
	}
	out, err := r.run(ctx, "bjobs", "-noheader", "-o", "first_host stat", t.Path)
	if err != nil {
		return "", fmt.Errorf("lsf job %s: %w", t.Path, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 || fields[0] == "-" {
		return "", fmt.Errorf("lsf job %s: %w", t.Path, ErrNotRunning)
	}
	if fields[1] != "RUN" {
		return "", fmt.Errorf("lsf job %s is %s: %w", t.Path, fields[1], ErrNotRunning)
	}
	ssh := r.getenv("FLUX_SSH")
	if ssh == "" {
		ssh = "ssh"
	}
	argv := append(strings.Fields(ssh), fields[0], brokerProbe)
	out, err = r.run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return "", fmt.Errorf("lsf job %s: %w", t.Path, err)
	}
	return firstLine(out, "lsf job "+t.Path)
}

func firstLine(out []byte, what string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return "", fmt.Errorf("%s: %w", what, ErrNotInstance)
	}
	if _, err := broker.ParseEndpoint(line); err != nil {
		return "", fmt.Errorf("%s: %w", what, errors.Join(ErrNotInstance, err))
	}
	return line, nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/executor"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"golang.org/x/sys/unix"
)

const shellPattern = "*-shell-*."

func (in *Instance) registerShell(reg *Registry) {
	reg.Handle(shellPattern+job.ShellStdin, in.handleShellStdin)
	reg.Handle(shellPattern+job.ShellSignal, in.handleShellSignal)
	reg.Handle(shellPattern+job.ShellPtyResize, in.handleShellResize)
	reg.Stream(shellPattern+job.ShellOutput, in.handleShellOutput)
}

// shellTarget splits a shell topic into its service name and job id.
func shellTarget(topic string) (string, jobid.ID, error) {
	i := strings.LastIndex(topic, ".")
	if i < 0 {
		return "", 0, broker.Errorf(unix.ENOSYS, "%s: not a shell method", topic)
	}
	service := topic[:i]
	var userid int
	var id uint64
	if _, err := fmt.Sscanf(service, "%d-shell-%d", &userid, &id); err != nil {
		return "", 0, broker.Errorf(unix.ENOSYS, "%s: not a shell service", service)
	}
	return service, jobid.ID(id), nil
}

// shell resolves the running shell addressed by req after checking that the
// caller may talk to it.
func (in *Instance) shell(req *Request) (*executor.Shell, error) {
	service, id, err := shellTarget(req.Topic)
	if err != nil {
		return nil, err
	}
	rec, err := in.lookupJob(id)
	if err != nil {
		return nil, err
	}
	if err := authorize(req.Cred, rec); err != nil {
		return nil, err
	}
	in.mu.Lock()
	sh := in.shells[service]
	in.mu.Unlock()
	if sh == nil {
		return nil, broker.Errorf(unix.ENOENT, "%s: shell is not running", service)
	}
	return sh, nil
}

func shellError(err error) error {
	if errors.Is(err, executor.ErrNotRunning) {
		return broker.Errorf(unix.ENOENT, "shell is not running")
	}
	return broker.Errorf(unix.EINVAL, "%v", err)
}

func (in *Instance) handleShellStdin(_ context.Context, req *Request) (any, error) {
	var p job.IOData
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	sh, err := in.shell(req)
	if err != nil {
		return nil, err
	}
	if err := sh.Stdin(p); err != nil {
		return nil, shellError(err)
	}
	return nil, nil
}

func (in *Instance) handleShellSignal(_ context.Context, req *Request) (any, error) {
	var p job.SignalRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	if p.Signum <= 0 || p.Signum >= 65 {
		return nil, broker.Errorf(unix.EINVAL, "invalid signal number %d", p.Signum)
	}
	sh, err := in.shell(req)
	if err != nil {
		return nil, err
	}
	if err := sh.Signal(p.Signum); err != nil {
		return nil, shellError(err)
	}
	return nil, nil
}

func (in *Instance) handleShellResize(_ context.Context, req *Request) (any, error) {
	var p job.PtyResizeRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	sh, err := in.shell(req)
	if err != nil {
		return nil, err
	}
	if err := sh.Resize(p.Rows, p.Cols); err != nil {
		return nil, shellError(err)
	}
	return nil, nil
}

// handleShellOutput streams a job's output from the journal, so a client
// that attaches late or after exit still receives everything.
func (in *Instance) handleShellOutput(ctx context.Context, req *Request, send Sender) error {
	var p job.IDRequest
	if err := req.Decode(&p); err != nil {
		return err
	}
	_, id, err := shellTarget(req.Topic)
	if err != nil {
		return err
	}
	if p.ID == 0 {
		p.ID = id
	}
	rec, err := in.lookupJob(p.ID)
	if err != nil {
		return err
	}
	if err := authorize(req.Cred, rec); err != nil {
		return err
	}
	return in.watch(ctx, watchRequest{ID: p.ID, Path: OutputPath}, func(ev eventlog.Event) error {
		d, err := ioData(ev)
		if err != nil {
			return err
		}
		return send(d)
	})
}

func ioData(ev eventlog.Event) (job.IOData, error) {
	var d job.IOData
	raw, err := json.Marshal(ev.Context)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("output event: %w", err)
	}
	return d, nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/frobnicator"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/kvs"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
	"github.com/flux-framework/flux-core-sub001/internal/observability/tracing"
	"github.com/flux-framework/flux-core-sub001/internal/server/jobstore"
	"github.com/flux-framework/flux-core-sub001/internal/validator"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const knownFlags = job.FlagWaitable | job.FlagDebug | job.FlagPreSigned | job.FlagNoValidate

// Dependency schemes.
const (
	depAfter      = "after"
	depAfterAny   = "afterany"
	depAfterOK    = "afterok"
	depAfterNotOK = "afternotok"
	depBeginTime  = "begin-time"
)

// dependency is one parsed entry of attributes.system.dependencies.
type dependency struct {
	Scheme string
	Job    jobid.ID
	Begin  time.Time
}

func (d dependency) String() string {
	if d.Scheme == depBeginTime {
		return fmt.Sprintf("%s=%.3f", d.Scheme, float64(d.Begin.UnixNano())/1e9)
	}
	return d.Scheme + "=" + d.Job.Encode(jobid.F58)
}

func parseDependencies(js *jobspec.Jobspec) ([]dependency, error) {
	v, ok := js.GetAttribute("system.dependencies")
	if !ok {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("attributes.system.dependencies must be a list")
	}
	out := make([]dependency, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("dependencies[%d] must be a table", i)
		}
		scheme, _ := m["scheme"].(string)
		switch scheme {
		case depAfter, depAfterAny, depAfterOK, depAfterNotOK:
			var s string
			switch val := m["value"].(type) {
			case string:
				s = val
			case float64:
				s = fmt.Sprintf("%.0f", val)
			default:
				return nil, fmt.Errorf("dependency %s: value must be a job id", scheme)
			}
			id, err := jobid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("dependency %s: %w", scheme, err)
			}
			out = append(out, dependency{Scheme: scheme, Job: id})
		case depBeginTime:
			ts, ok := m["value"].(float64)
			if !ok {
				return nil, fmt.Errorf("dependency %s: value must be a timestamp", scheme)
			}
			sec := int64(ts)
			out = append(out, dependency{
				Scheme: scheme,
				Begin:  time.Unix(sec, int64((ts-float64(sec))*1e9)),
			})
		default:
			return nil, fmt.Errorf("unknown dependency scheme %q", scheme)
		}
	}
	return out, nil
}

// jobName is the job.name attribute, else the basename of the command.
func jobName(js *jobspec.Jobspec) string {
	if name := js.JobName(); name != "" {
		return name
	}
	if argv := js.Command(); len(argv) > 0 {
		return filepath.Base(argv[0])
	}
	return ""
}

func (in *Instance) submit(ctx context.Context, req *Request) (resp any, err error) {
	ctx, span := tracing.Start(ctx, "ingest.submit", tracing.Topic(req.Topic), tracing.Int("userid", req.Cred.UserID))
	defer tracing.End(span, &err)
	defer func() {
		if err != nil {
			metrics.Default.Inc("ingest.submit.error")
		}
	}()

	var p job.SubmitRequest
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	cred := req.Cred
	switch {
	case p.Urgency < job.UrgencyMin || p.Urgency > job.UrgencyMax:
		return nil, broker.Errorf(unix.EINVAL, "urgency must be in the range of %d to %d", job.UrgencyMin, job.UrgencyMax)
	case !cred.Owner && p.Urgency > job.UrgencyGuestMax:
		return nil, broker.Errorf(unix.EPERM, "only the instance owner can submit with urgency > %d", job.UrgencyGuestMax)
	case p.Flags&^knownFlags != 0:
		return nil, broker.Errorf(unix.EINVAL, "invalid submit flags 0x%x", p.Flags)
	case !cred.Owner && p.Flags&job.OwnerFlags != 0:
		return nil, broker.Errorf(unix.EPERM, "only the instance owner can submit with waitable or novalidate flags")
	}
	if len(p.Jobspec) == 0 {
		return nil, broker.Errorf(unix.EPROTO, "jobspec is required")
	}
	js, err := jobspec.Decode(p.Jobspec)
	if err != nil {
		return nil, broker.Errorf(unix.EINVAL, "%v", err)
	}

	_, frob, valid := in.pipelines()
	if err := frob.Frob(ctx, js, frobnicator.Info{UserID: cred.UserID, Urgency: p.Urgency, Flags: p.Flags}); err != nil {
		return nil, broker.Errorf(unix.EINVAL, "%v", err)
	}
	deps, err := parseDependencies(js)
	if err != nil {
		return nil, broker.Errorf(unix.EINVAL, "%v", err)
	}
	for _, d := range deps {
		if d.Scheme == depBeginTime {
			continue
		}
		target, ok := in.deps.Jobs.Get(d.Job)
		if !ok {
			return nil, broker.Errorf(unix.ENOENT, "dependency: %s: job not found", d.Job.Encode(jobid.F58))
		}
		if err := authorize(cred, target); err != nil {
			return nil, broker.Errorf(unix.EPERM, "dependency: %s: permission denied", d.Job.Encode(jobid.F58))
		}
	}
	raw, err := js.Encode()
	if err != nil {
		return nil, broker.Errorf(unix.EINVAL, "%v", err)
	}
	if p.Flags&job.FlagNoValidate == 0 {
		res := valid.Validate(ctx, validator.Request{
			Jobspec: raw,
			UserID:  cred.UserID,
			Urgency: p.Urgency,
			Flags:   p.Flags,
		})
		if !res.OK() {
			return nil, &broker.Error{Errnum: res.Errnum, Errstr: res.Errstr}
		}
	}

	id, err := in.deps.IDs.Next()
	if err != nil {
		return nil, broker.Errorf(unix.EAGAIN, "%v", err)
	}
	span.SetAttributes(tracing.JobID(id))
	if err := in.deps.Store.Commit(ctx, []kvs.Op{{Op: kvs.OpPut, Key: id.KVSPath("jobspec"), Value: json.RawMessage(raw)}}); err != nil {
		return nil, fmt.Errorf("store jobspec: %w", err)
	}

	in.post(id, eventlog.Primary, eventlog.Submit, map[string]any{
		"userid":  cred.UserID,
		"urgency": p.Urgency,
		"flags":   p.Flags,
		"version": 1,
	})
	now := eventlog.Now()
	in.deps.Jobs.Create(jobstore.Record{
		Info: job.Info{
			ID:       id,
			UserID:   cred.UserID,
			Name:     jobName(js),
			Queue:    js.Queue(),
			State:    job.StateNew,
			Urgency:  p.Urgency,
			Waitable: p.Flags&job.FlagWaitable != 0,
			TSubmit:  now,
		},
		Flags: p.Flags,
	})
	in.start(id, cred.UserID, js, deps)

	metrics.Default.Inc("ingest.submit.ok")
	in.log.WithFields(logrus.Fields{
		"jobid":  id.Encode(jobid.F58),
		"userid": cred.UserID,
	}).Info("job submitted")
	return job.SubmitResponse{ID: id}, nil
}

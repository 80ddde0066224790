// SPDX-License-Identifier: AGPL-3.0-or-later
package submit

import (
	"context"
	"fmt"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/metrics"
)

// Future is a pending job-ingest.submit request.
type Future struct {
	*broker.Future
}

// SubmitAsync sends js to the ingest service.
func SubmitAsync(ctx context.Context, h *broker.Handle, js *jobspec.Jobspec, urgency, flags int) (*Future, error) {
	data, err := js.Encode()
	if err != nil {
		return nil, err
	}
	req := job.SubmitRequest{Jobspec: data, Urgency: urgency, Flags: flags}
	return &Future{Future: h.RPC(ctx, job.TopicSubmit, req)}, nil
}

// ID waits for the assigned job id.
func (f *Future) ID(ctx context.Context) (jobid.ID, error) {
	var resp job.SubmitResponse
	if err := f.Decode(ctx, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// ThenID registers fn to run on the reactor with the assigned id.
func (f *Future) ThenID(fn func(jobid.ID, error) error) {
	f.Then(func(value any, err error) error {
		if err != nil {
			return fn(0, err)
		}
		var resp job.SubmitResponse
		if err := broker.Unmarshal(value, &resp); err != nil {
			return fn(0, err)
		}
		return fn(resp.ID, nil)
	})
}

// Submit sends js and waits for its id.
func Submit(ctx context.Context, c broker.Caller, js *jobspec.Jobspec, urgency, flags int) (jobid.ID, error) {
	data, err := js.Encode()
	if err != nil {
		return 0, err
	}
	var resp job.SubmitResponse
	req := job.SubmitRequest{Jobspec: data, Urgency: urgency, Flags: flags}
	if err := c.Call(ctx, job.TopicSubmit, req, &resp); err != nil {
		metrics.Default.Inc("submit.error")
		return 0, fmt.Errorf("submit: %w", err)
	}
	metrics.Default.Inc("submit.ok")
	return resp.ID, nil
}

// Func submits one jobspec. Bulk submission and the commands take a Func
// so submission can be redirected.
type Func func(ctx context.Context, js *jobspec.Jobspec, urgency, flags int) (jobid.ID, error)

// CallerFunc adapts a Caller to a Func.
func CallerFunc(c broker.Caller) Func {
	return func(ctx context.Context, js *jobspec.Jobspec, urgency, flags int) (jobid.ID, error) {
		return Submit(ctx, c, js, urgency, flags)
	}
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validator accepts or rejects jobspecs after frobnication. The
// selected plugins run concurrently on each request and their results are
// merged into one.
package validator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ErrNotConfigured is returned by a pipeline used before Configure.
var ErrNotConfigured = errors.New("validator: pipeline not configured")

var errPanicked = errors.New("validator: plugin panicked")

// Result is a validation outcome. Errnum 0 accepts the job.
type Result struct {
	Errnum int    `json:"errnum"`
	Errstr string `json:"errstr,omitempty"`
}

// OK reports acceptance.
func (r Result) OK() bool { return r.Errnum == 0 }

// Err converts a rejection into a *broker.Error; nil when accepted.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &broker.Error{Errnum: r.Errnum, Errstr: r.Errstr}
}

// Merge combines plugin results: the largest errnum wins and the error
// strings are joined with ", " in order, without duplicates.
func Merge(results ...Result) Result {
	var out Result
	var msgs []string
	seen := map[string]bool{}
	for _, r := range results {
		if r.Errnum > out.Errnum {
			out.Errnum = r.Errnum
		}
		if r.Errstr != "" && !seen[r.Errstr] {
			seen[r.Errstr] = true
			msgs = append(msgs, r.Errstr)
		}
	}
	out.Errstr = strings.Join(msgs, ", ")
	return out
}

// Reject builds a rejection with errnum EINVAL.
func Reject(format string, args ...any) error {
	return broker.Errorf(unix.EINVAL, format, args...)
}

func resultOf(err error) Result {
	if err == nil {
		return Result{}
	}
	errnum := int(unix.EINVAL)
	var be *broker.Error
	if errors.As(err, &be) {
		errnum = be.Errnum
	}
	return Result{Errnum: errnum, Errstr: err.Error()}
}

// JobInfo is the read-only view of a request handed to each plugin.
type JobInfo struct {
	UserID  int
	Urgency int
	Flags   int

	raw    json.RawMessage
	pool   *handlePool
	worker int
}

// Raw returns the jobspec as submitted.
func (ji *JobInfo) Raw() json.RawMessage { return ji.raw }

// Jobspec decodes a private copy of the jobspec.
func (ji *JobInfo) Jobspec() (*jobspec.Jobspec, error) {
	return jobspec.Decode(ji.raw)
}

// Handle returns the broker connection owned by this plugin's worker,
// opening it on first use.
func (ji *JobInfo) Handle() (broker.Caller, error) {
	if ji.pool == nil {
		return nil, errors.New("validator: no broker connection configured")
	}
	return ji.pool.get(ji.worker)
}

// Env carries the services plugins may use.
type Env struct {
	// Connect opens a broker connection. It is called at most once per
	// worker.
	Connect func() (broker.Caller, error)
	Fs      afero.Fs
	Log     logrus.FieldLogger
}

// Plugin is one validator. Plugins must not keep per-request state: the
// same instance serves every request and runs alongside its peers.
type Plugin interface {
	plugin.Plugin
	Configure(conf config.Tree, env Env) error
	Validate(ctx context.Context, info *JobInfo) error
}

// OptionAdder is implemented by plugins contributing command-line options.
type OptionAdder interface {
	AddOptions(s *plugin.Scope)
}

// Pipeline runs a fixed set of validators concurrently.
type Pipeline struct {
	plugins    []Plugin
	pool       *handlePool
	configured bool
	log        logrus.FieldLogger
}

// Load instantiates the selected validators from reg; an empty selection
// loads the registry defaults.
func Load(reg *plugin.Registry, selection []string) (*Pipeline, error) {
	loaded, err := reg.Load(plugin.PointValidator, selection)
	if err != nil {
		return nil, err
	}
	plugins := make([]Plugin, 0, len(loaded))
	for _, pl := range loaded {
		vp, ok := pl.(Plugin)
		if !ok {
			return nil, fmt.Errorf("validator: %s is not a validator plugin", pl.Name())
		}
		plugins = append(plugins, vp)
	}
	return New(plugins...), nil
}

// New builds a pipeline over explicit plugins.
func New(plugins ...Plugin) *Pipeline {
	return &Pipeline{
		plugins: plugins,
		log:     logrus.StandardLogger().WithField("component", "validator"),
	}
}

// Names lists the plugins in selection order.
func (p *Pipeline) Names() []string {
	out := make([]string, 0, len(p.plugins))
	for _, pl := range p.plugins {
		out = append(out, pl.Name())
	}
	return out
}

// AddOptions registers plugin options on o, unprefixed.
func (p *Pipeline) AddOptions(o *plugin.Options) {
	for _, pl := range p.plugins {
		if oa, ok := pl.(OptionAdder); ok {
			oa.AddOptions(o.Scope(pl.Name(), ""))
		}
	}
}

// Configure prepares every plugin. It must be called once before Validate.
func (p *Pipeline) Configure(conf config.Tree, env Env) error {
	if conf == nil {
		conf = config.Tree{}
	}
	if env.Fs == nil {
		env.Fs = afero.NewOsFs()
	}
	if env.Log == nil {
		env.Log = p.log
	}
	p.log = env.Log
	if env.Connect != nil {
		p.pool = newHandlePool(len(p.plugins), env.Connect)
	}
	for _, pl := range p.plugins {
		if err := pl.Configure(conf, env); err != nil {
			return fmt.Errorf("%s: configure: %w", pl.Name(), err)
		}
	}
	p.configured = true
	return nil
}

// Close releases the worker connections.
func (p *Pipeline) Close() error {
	if p.pool == nil {
		return nil
	}
	return p.pool.close()
}

// Request is one stream-mode input line.
type Request struct {
	Jobspec json.RawMessage `json:"jobspec"`
	UserID  int             `json:"userid"`
	Urgency int             `json:"urgency"`
	Flags   int             `json:"flags"`
}

type completion struct {
	index  int
	result Result
}

// Validate runs every plugin on req and merges the results. A panicking
// plugin yields errnum 1 and cancels the plugins still running.
func (p *Pipeline) Validate(ctx context.Context, req Request) Result {
	if !p.configured {
		return resultOf(ErrNotConfigured)
	}
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan completion, len(p.plugins))
	for i, pl := range p.plugins {
		info := &JobInfo{
			UserID:  req.UserID,
			Urgency: req.Urgency,
			Flags:   req.Flags,
			raw:     req.Jobspec,
			pool:    p.pool,
			worker:  i,
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					p.log.WithField("plugin", pl.Name()).Errorf("panic: %v", r)
					done <- completion{i, Result{Errnum: 1, Errstr: fmt.Sprintf("%s: %v", pl.Name(), r)}}
					err = errPanicked
				}
			}()
			if gctx.Err() != nil {
				return nil
			}
			done <- completion{i, resultOf(pl.Validate(gctx, info))}
			return nil
		})
	}
	_ = g.Wait()
	close(done)

	results := make([]Result, len(p.plugins))
	for c := range done {
		results[c.index] = c.result
	}
	res := Merge(results...)
	if !res.OK() {
		p.log.WithField("errnum", res.Errnum).Debugf("rejected: %s", res.Errstr)
	}
	return res
}

// StreamOptions adjusts stream-mode input.
type StreamOptions struct {
	// JobspecOnly reads bare jobspecs instead of requests.
	JobspecOnly bool
	// UserID is used for bare jobspecs.
	UserID int
}

// Stream validates newline-delimited requests from in, writing one result
// line per request to out in input order.
func (p *Pipeline) Stream(ctx context.Context, in io.Reader, out io.Writer, opts StreamOptions) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	bw := bufio.NewWriter(out)
	enc := json.NewEncoder(bw)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var res Result
		if req, err := decodeRequest(line, opts); err != nil {
			res = Result{Errnum: int(unix.EPROTO), Errstr: err.Error()}
		} else {
			res = p.Validate(ctx, req)
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return sc.Err()
}

func decodeRequest(line []byte, opts StreamOptions) (Request, error) {
	if opts.JobspecOnly {
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return Request{Jobspec: raw, UserID: opts.UserID, Urgency: job.UrgencyDefault}, nil
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("malformed request: %v", err)
	}
	return req, nil
}

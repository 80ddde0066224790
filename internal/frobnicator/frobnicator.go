// SPDX-License-Identifier: AGPL-3.0-or-later

// Package frobnicator normalizes submitted jobspecs. A pipeline applies
// its plugins in selection order; every plugin must be deterministic, so
// running the pipeline twice yields the same jobspec as running it once.
package frobnicator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/job"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrMissingQueue      = errors.New("no queue specified and no default queue configured")
	ErrInvalidQueue      = errors.New("invalid queue")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrNotConfigured     = errors.New("frobnicator: pipeline not configured")
)

// Info is the submission context handed to each plugin.
type Info struct {
	UserID  int
	Urgency int
	Flags   int
}

// Env carries the services plugins may use.
type Env struct {
	Lister job.Lister
	Log    logrus.FieldLogger
}

// Plugin is one frobnicator pass.
type Plugin interface {
	plugin.Plugin
	Configure(conf config.Tree, env Env) error
	Frob(ctx context.Context, js *jobspec.Jobspec, info Info) error
}

// OptionAdder is implemented by plugins contributing command-line options.
type OptionAdder interface {
	AddOptions(s *plugin.Scope)
}

// Pipeline runs a fixed list of plugins.
type Pipeline struct {
	plugins    []Plugin
	configured bool
	log        logrus.FieldLogger
}

// Load instantiates the selected plugins from reg; an empty selection
// loads the registry defaults.
func Load(reg *plugin.Registry, selection []string) (*Pipeline, error) {
	loaded, err := reg.Load(plugin.PointFrobnicator, selection)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{log: logrus.StandardLogger().WithField("component", "frobnicator")}
	for _, pl := range loaded {
		fp, ok := pl.(Plugin)
		if !ok {
			return nil, fmt.Errorf("frobnicator: %s is not a frobnicator plugin", pl.Name())
		}
		p.plugins = append(p.plugins, fp)
	}
	return p, nil
}

// New builds a pipeline over explicit plugins.
func New(plugins ...Plugin) *Pipeline {
	return &Pipeline{
		plugins: plugins,
		log:     logrus.StandardLogger().WithField("component", "frobnicator"),
	}
}

// Names lists the plugins in run order.
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

// Configure hands every plugin the broker configuration. It must be called
// once before Frob.
func (p *Pipeline) Configure(conf config.Tree, env Env) error {
	if conf == nil {
		conf = config.Tree{}
	}
	if env.Log == nil {
		env.Log = p.log
	}
	p.log = env.Log
	for _, pl := range p.plugins {
		if err := pl.Configure(conf, env); err != nil {
			return fmt.Errorf("%s: configure: %w", pl.Name(), err)
		}
	}
	p.configured = true
	return nil
}

// Frob applies every plugin to js in order, stopping at the first error.
func (p *Pipeline) Frob(ctx context.Context, js *jobspec.Jobspec, info Info) error {
	if !p.configured {
		return ErrNotConfigured
	}
	for _, pl := range p.plugins {
		if err := pl.Frob(ctx, js, info); err != nil {
			p.log.WithError(err).WithField("plugin", pl.Name()).Debug("frob failed")
			return err
		}
	}
	return nil
}

// Request is one stream-mode input line.
type Request struct {
	Jobspec json.RawMessage `json:"jobspec"`
	UserID  int             `json:"userid"`
	Urgency int             `json:"urgency"`
	Flags   int             `json:"flags"`
}

// Response is one stream-mode output line. Data is set only on success.
type Response struct {
	Errnum int              `json:"errnum"`
	Errstr string           `json:"errstr,omitempty"`
	Data   *jobspec.Jobspec `json:"data,omitempty"`
}

// Process frobs one request.
func (p *Pipeline) Process(ctx context.Context, req Request) Response {
	js, err := jobspec.Decode(req.Jobspec)
	if err != nil {
		return failure(err)
	}
	if err := p.Frob(ctx, js, Info{UserID: req.UserID, Urgency: req.Urgency, Flags: req.Flags}); err != nil {
		return failure(err)
	}
	return Response{Data: js}
}

func failure(err error) Response {
	errnum := int(unix.EINVAL)
	var be *broker.Error
	if errors.As(err, &be) {
		errnum = be.Errnum
	}
	return Response{Errnum: errnum, Errstr: err.Error()}
}

// StreamOptions adjusts stream-mode input.
type StreamOptions struct {
	// JobspecOnly reads bare jobspecs instead of requests.
	JobspecOnly bool
	// UserID is used for bare jobspecs.
	UserID int
}

// Stream reads newline-delimited requests from in and writes one response
// line per request to out, in input order. Blank lines are ignored.
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
		var resp Response
		if opts.JobspecOnly {
			raw := append(json.RawMessage(nil), line...)
			resp = p.Process(ctx, Request{Jobspec: raw, UserID: opts.UserID, Urgency: job.UrgencyDefault})
		} else {
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				resp = Response{Errnum: int(unix.EPROTO), Errstr: fmt.Sprintf("malformed request: %v", err)}
			} else {
				resp = p.Process(ctx, req)
			}
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
	return sc.Err()
}

func init() {
	plugin.Default.MustRegister(plugin.PointFrobnicator, "defaults", func() plugin.Plugin { return &Defaults{} })
	plugin.Default.MustRegister(plugin.PointFrobnicator, "constraints", func() plugin.Plugin { return &Constraints{} })
	plugin.Default.MustRegister(plugin.PointFrobnicator, "dependency", func() plugin.Plugin { return &Dependency{} })
	plugin.Default.SetDefaults(plugin.PointFrobnicator, "defaults", "constraints", "dependency")
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package uri resolves job and process targets such as jobid:ƒ2/ƒ3, pid:1234
// or slurm:5678 to broker URIs. Each scheme is a plugin registered at
// plugin.PointURIResolver; the resolver picks one by the target's scheme
// and then applies the local or remote transform.
package uri

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// EnvResolveLocal forces the local transform on every resolved URI.
const EnvResolveLocal = "FLUX_URI_RESOLVE_LOCAL"

var (
	ErrUnknownScheme = errors.New("uri: unknown scheme")
	ErrConflict      = errors.New("uri: local and remote are mutually exclusive")
	ErrNotInstance   = errors.New("uri: not a flux instance")
	ErrNotRunning    = errors.New("uri: job is not running")
)

// Target is a parsed SCHEME:PATH[?QUERY] string.
type Target struct {
	Raw    string
	Scheme string
	Path   string
	Query  url.Values
}

// Parse splits s. A string that is already a broker URI yields an empty
// Scheme. Bare job ids and the paths "/", ".." and "ID/ID" belong to the
// jobid scheme.
func Parse(s string) (Target, error) {
	t := Target{Raw: s, Query: url.Values{}}
	if s == "" {
		return t, errors.New("uri: empty target")
	}
	if strings.Contains(s, "://") {
		return t, nil
	}
	rest := s
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		q, err := url.ParseQuery(rest[i+1:])
		if err != nil {
			return t, fmt.Errorf("uri: %q: %w", s, err)
		}
		t.Query = q
		rest = rest[:i]
	}
	if scheme, path, ok := strings.Cut(rest, ":"); ok && isScheme(scheme) {
		t.Scheme = scheme
		t.Path = path
		return t, nil
	}
	t.Scheme = "jobid"
	t.Path = rest
	return t, nil
}

func isScheme(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return s[0] >= 'a' && s[0] <= 'z'
}

// Scheme resolves the targets of one scheme.
type Scheme interface {
	plugin.Plugin
	Describe() string
	Resolve(ctx context.Context, r *Resolver, t Target) (string, error)
}

// Instance is the part of a broker handle the resolvers use.
type Instance interface {
	broker.Caller
	Attr(ctx context.Context, name string) (string, error)
	URI() string
	Close() error
}

// Runner runs a helper command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Resolver maps targets to URIs.
type Resolver struct {
	registry *plugin.Registry
	open     func(uri string) (Instance, error)
	run      Runner
	getenv   func(string) string
	hostname func() (string, error)
	fs       afero.Fs
	log      logrus.FieldLogger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRegistry replaces plugin.Default.
func WithRegistry(reg *plugin.Registry) Option { return func(r *Resolver) { r.registry = reg } }

// WithOpener replaces broker.Open for connecting to instances.
func WithOpener(open func(uri string) (Instance, error)) Option {
	return func(r *Resolver) { r.open = open }
}

// WithRunner replaces exec for the batch-system schemes.
func WithRunner(run Runner) Option { return func(r *Resolver) { r.run = run } }

// WithEnv replaces os.Getenv.
func WithEnv(getenv func(string) string) Option { return func(r *Resolver) { r.getenv = getenv } }

// WithHostname replaces os.Hostname for the remote transform.
func WithHostname(fn func() (string, error)) Option { return func(r *Resolver) { r.hostname = fn } }

// WithFs sets the filesystem /proc and pid files are read from.
func WithFs(fs afero.Fs) Option { return func(r *Resolver) { r.fs = fs } }

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option { return func(r *Resolver) { r.log = log } }

// NewResolver returns a resolver using the process environment.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		registry: plugin.Default,
		open: func(uri string) (Instance, error) {
			return broker.Open(uri)
		},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			out, err := exec.CommandContext(ctx, name, args...).Output()
			var ee *exec.ExitError
			if errors.As(err, &ee) && len(ee.Stderr) > 0 {
				return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(ee.Stderr)))
			}
			return out, err
		},
		getenv:   os.Getenv,
		hostname: os.Hostname,
		fs:       afero.NewOsFs(),
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "uri")
	return r
}

// Flags request a final transform regardless of the target's query.
type Flags struct {
	Local  bool
	Remote bool
}

// Resolve maps target to a broker URI.
func (r *Resolver) Resolve(ctx context.Context, target string, flags Flags) (string, error) {
	t, err := Parse(target)
	if err != nil {
		return "", err
	}
	local := flags.Local || t.Query.Has("local") || r.getenv(EnvResolveLocal) != ""
	remote := flags.Remote || t.Query.Has("remote")
	if flags.Local && flags.Remote || t.Query.Has("local") && t.Query.Has("remote") {
		return "", ErrConflict
	}
	if remote {
		local = false
	}

	result := target
	if t.Scheme != "" {
		s, err := r.scheme(t.Scheme)
		if err != nil {
			return "", err
		}
		r.log.WithFields(logrus.Fields{"scheme": t.Scheme, "path": t.Path}).Debug("resolving")
		if result, err = s.Resolve(ctx, r, t); err != nil {
			return "", err
		}
	}
	switch {
	case local:
		return Local(result)
	case remote:
		host, err := r.hostname()
		if err != nil {
			return "", err
		}
		return Remote(result, host)
	}
	return result, nil
}

func (r *Resolver) scheme(name string) (Scheme, error) {
	ps, err := r.registry.Load(plugin.PointURIResolver, []string{name})
	if err != nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownScheme, name)
	}
	s, ok := ps[0].(Scheme)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownScheme, name)
	}
	return s, nil
}

// Schemes lists the registered schemes with their descriptions.
func (r *Resolver) Schemes() map[string]string {
	out := map[string]string{}
	for _, name := range r.registry.Names(plugin.PointURIResolver) {
		if s, err := r.scheme(name); err == nil {
			out[name] = s.Describe()
		}
	}
	return out
}

// Local rewrites ssh://HOST/PATH to local://PATH. Other URIs are returned
// unchanged.
func Local(raw string) (string, error) {
	ep, err := broker.ParseEndpoint(raw)
	if err != nil {
		return "", err
	}
	if ep.Scheme != broker.SchemeSSH {
		return raw, nil
	}
	return (broker.Endpoint{Scheme: broker.SchemeLocal, Path: ep.Path}).String(), nil
}

// Remote rewrites local://PATH to ssh://HOST/PATH. Other URIs are returned
// unchanged.
func Remote(raw, host string) (string, error) {
	ep, err := broker.ParseEndpoint(raw)
	if err != nil {
		return "", err
	}
	if ep.Scheme != broker.SchemeLocal {
		return raw, nil
	}
	return (broker.Endpoint{Scheme: broker.SchemeSSH, Host: host, Path: ep.Path}).String(), nil
}

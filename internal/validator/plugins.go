// SPDX-License-Identifier: AGPL-3.0-or-later
package validator

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/afero"
)

// TopicFeasibility is the scheduler feasibility check.
const TopicFeasibility = "sched.feasibility"

//go:embed schema/jobspec.json
var schemaFS embed.FS

func init() {
	plugin.Default.MustRegister(plugin.PointValidator, "jobspec", func() plugin.Plugin { return &Jobspec{} })
	plugin.Default.MustRegister(plugin.PointValidator, "schema", func() plugin.Plugin { return &Schema{} })
	plugin.Default.MustRegister(plugin.PointValidator, "feasibility", func() plugin.Plugin { return &Feasibility{} })
	plugin.Default.MustRegister(plugin.PointValidator, "require-instance", func() plugin.Plugin { return &RequireInstance{} })
	plugin.Default.SetDefaults(plugin.PointValidator, "jobspec")
}

// Jobspec checks the structure of a version 1 jobspec.
type Jobspec struct{}

func (Jobspec) Name() string                     { return "jobspec" }
func (Jobspec) Configure(config.Tree, Env) error { return nil }
func (Jobspec) Validate(_ context.Context, info *JobInfo) error {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(info.Raw(), &probe); err != nil {
		return Reject("unable to parse jobspec: %v", err)
	}
	if probe.Version == nil {
		return Reject("jobspec: missing version")
	}
	if *probe.Version != jobspec.Version {
		return Reject("jobspec: version %d is not supported", *probe.Version)
	}
	js, err := info.Jobspec()
	if err != nil {
		return Reject("%v", err)
	}
	if err := js.Validate(); err != nil {
		return Reject("%v", err)
	}
	return nil
}

// Schema validates the raw jobspec against a JSON schema: the file named
// by --validator-schema or ingest.validator.schema, or the built-in
// version 1 schema.
type Schema struct {
	path   *string
	schema *jsonschema.Schema
}

func (s *Schema) Name() string { return "schema" }

func (s *Schema) AddOptions(sc *plugin.Scope) {
	s.path = sc.String("validator-schema", "", "validate against the JSON schema in `PATH`")
}

func (s *Schema) Configure(conf config.Tree, env Env) error {
	path := ""
	if s.path != nil {
		path = *s.path
	}
	if path == "" {
		if v, ok := config.Lookup(conf, "ingest.validator.schema"); ok {
			path, _ = v.(string)
		}
	}
	var (
		data []byte
		url  string
		err  error
	)
	if path != "" {
		data, err = afero.ReadFile(env.Fs, path)
		url = filepath.Clean(path)
	} else {
		data, err = schemaFS.ReadFile("schema/jobspec.json")
		url = "jobspec.json"
	}
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("load schema %s: %w", url, err)
	}
	if s.schema, err = c.Compile(url); err != nil {
		return fmt.Errorf("compile schema %s: %w", url, err)
	}
	return nil
}

func (s *Schema) Validate(_ context.Context, info *JobInfo) error {
	dec := json.NewDecoder(bytes.NewReader(info.Raw()))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Reject("unable to parse jobspec: %v", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Reject("schema: %s", ve.Error())
		}
		return Reject("schema: %v", err)
	}
	return nil
}

// Feasibility asks the scheduler whether the job could ever run. A
// scheduler without the endpoint accepts everything.
type Feasibility struct{}

func (Feasibility) Name() string                     { return "feasibility" }
func (Feasibility) Configure(config.Tree, Env) error { return nil }
func (Feasibility) Validate(ctx context.Context, info *JobInfo) error {
	h, err := info.Handle()
	if err != nil {
		return err
	}
	req := struct {
		Jobspec json.RawMessage `json:"jobspec"`
	}{info.Raw()}
	err = h.Call(ctx, TopicFeasibility, req, nil)
	if errors.Is(err, broker.ErrNotImplemented) {
		return nil
	}
	return err
}

const requireInstanceMsg = "Direct job submission is disabled for this instance. " +
	"Please use the flux batch or alloc commands."

// RequireInstance rejects jobs that do not start a nested instance, unless
// they request at least the configured number of nodes or cores.
type RequireInstance struct {
	minNodes *int
	minCores *int
}

func (r *RequireInstance) Name() string { return "require-instance" }

func (r *RequireInstance) AddOptions(s *plugin.Scope) {
	r.minNodes = s.Int("require-instance-minnodes", 0, "allow non-instance jobs of at least `N` nodes")
	r.minCores = s.Int("require-instance-mincores", 0, "allow non-instance jobs of at least `N` cores")
}

func (r *RequireInstance) Configure(conf config.Tree, _ Env) error {
	if r.minNodes == nil {
		r.minNodes = new(int)
	}
	if r.minCores == nil {
		r.minCores = new(int)
	}
	for key, dst := range map[string]*int{
		"ingest.validator.require-instance.minnodes": r.minNodes,
		"ingest.validator.require-instance.mincores": r.minCores,
	} {
		v, ok := config.Lookup(conf, key)
		if !ok || *dst != 0 {
			continue
		}
		n, err := config.Convert[int](v, key)
		if err != nil {
			return err
		}
		*dst = n
	}
	return nil
}

func (r *RequireInstance) Validate(_ context.Context, info *JobInfo) error {
	js, err := info.Jobspec()
	if err != nil {
		return Reject("%v", err)
	}
	if IsInstance(js.Command()) {
		return nil
	}
	if *r.minNodes > 0 && js.Count("node") >= *r.minNodes {
		return nil
	}
	if *r.minCores > 0 && js.Count("core") >= *r.minCores {
		return nil
	}
	return Reject(requireInstanceMsg)
}

// IsInstance reports whether argv starts a Flux instance: "flux broker"
// or "flux start", with any options before the subcommand.
func IsInstance(argv []string) bool {
	if len(argv) < 2 || filepath.Base(argv[0]) != "flux" {
		return false
	}
	for _, arg := range argv[1:] {
		if len(arg) > 0 && arg[0] == '-' {
			continue
		}
		return arg == "broker" || arg == "start"
	}
	return false
}

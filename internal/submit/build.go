// SPDX-License-Identifier: AGPL-3.0-or-later
package submit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/constraint"
	"github.com/flux-framework/flux-core-sub001/internal/fsd"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/flux-framework/flux-core-sub001/internal/plugin"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// EnvJobCc is set in each --cc copy to its id.
const EnvJobCc = "FLUX_JOB_CC"

// ErrNoCommand is returned when a command job has nothing to run.
var ErrNoCommand = errors.New("submit: job command is required")

// Builder assembles jobspecs from Options for one command. Plugins are the
// CLI plugins attached to that command.
type Builder struct {
	Options *Options
	Command string
	Plugins []plugin.CLI
}

// Build builds a task jobspec running argv.
func (b *Builder) Build(argv []string) (*jobspec.Jobspec, error) {
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	o := b.Options
	js, err := jobspec.FromCommand(argv, jobspec.CommandOptions{
		NumTasks:     o.NTasks,
		CoresPerTask: o.CoresPerTask,
		GpusPerTask:  o.GpusPerTask,
		NumNodes:     o.Nodes,
		Exclusive:    o.Exclusive,
	})
	if err != nil {
		return nil, err
	}
	return js, b.apply(js)
}

// Batch builds a nested instance jobspec running script with args.
func (b *Builder) Batch(script string, args []string) (*jobspec.Jobspec, error) {
	opts, err := b.nestOptions()
	if err != nil {
		return nil, err
	}
	js, err := jobspec.FromBatch(script, args, opts)
	if err != nil {
		return nil, err
	}
	return js, b.apply(js)
}

// Nest builds an interactive nested instance jobspec. An empty command
// runs the user's shell as the initial program.
func (b *Builder) Nest(command []string) (*jobspec.Jobspec, error) {
	opts, err := b.nestOptions()
	if err != nil {
		return nil, err
	}
	js, err := jobspec.FromNest(command, opts)
	if err != nil {
		return nil, err
	}
	return js, b.apply(js)
}

func (b *Builder) nestOptions() (jobspec.NestOptions, error) {
	o := b.Options
	conf, err := o.instanceConf()
	if err != nil {
		return jobspec.NestOptions{}, err
	}
	return jobspec.NestOptions{
		NumSlots:     o.NTasks,
		CoresPerSlot: o.CoresPerTask,
		GpusPerSlot:  o.GpusPerTask,
		NumNodes:     o.Nodes,
		Exclusive:    o.Exclusive,
		BrokerOpts:   o.BrokerOpts,
		Conf:         conf,
	}, nil
}

// instanceConf merges --conf arguments in order. KEY=VAL sets one key,
// anything else names a config file or directory.
func (o *Options) instanceConf() (config.Tree, error) {
	if len(o.Conf) == 0 {
		return nil, nil
	}
	tree := config.Tree{}
	for _, arg := range o.Conf {
		if key, val, ok := strings.Cut(arg, "="); ok {
			if err := config.Set(tree, key, parseValue(val)); err != nil {
				return nil, fmt.Errorf("--conf %s: %w", arg, err)
			}
			continue
		}
		loaded, err := config.LoadPath(o.fs(), arg)
		if err != nil {
			return nil, fmt.Errorf("--conf: %w", err)
		}
		config.Merge(tree, loaded)
	}
	return tree, nil
}

func (b *Builder) apply(js *jobspec.Jobspec) error {
	o := b.Options
	if err := o.CheckUrgency(); err != nil {
		return err
	}
	if err := o.applyEnvironment(js); err != nil {
		return err
	}
	if o.Cwd != "" {
		if err := js.SetAttribute("system.cwd", o.Cwd); err != nil {
			return err
		}
	}
	if err := js.SetDefaults(); err != nil {
		return err
	}
	if o.Queue != "" {
		if err := js.SetAttribute("system.queue", o.Queue); err != nil {
			return err
		}
	}
	if o.TimeLimit != "" {
		if err := js.SetDuration(o.TimeLimit); err != nil {
			return fmt.Errorf("--time-limit: %w", err)
		}
	}
	if o.JobName != "" {
		if err := js.SetAttribute("system.job.name", o.JobName); err != nil {
			return err
		}
	}
	if err := o.applyDependencies(js, time.Now()); err != nil {
		return err
	}
	if err := o.applyConstraints(js); err != nil {
		return err
	}
	if err := o.applyShellOptions(js); err != nil {
		return err
	}
	for _, arg := range o.SetAttr {
		if err := o.setAttr(js, arg); err != nil {
			return fmt.Errorf("--setattr %s: %w", arg, err)
		}
	}
	for _, arg := range o.AddFile {
		name, src, err := jobspec.ParseFileArg(arg)
		if err != nil {
			return err
		}
		if err := js.AddFileFrom(o.fs(), name, src, 0, ""); err != nil {
			return fmt.Errorf("--add-file %s: %w", name, err)
		}
	}
	for _, p := range b.Plugins {
		if err := p.ModifyJobspec(b.Command, js); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	for _, p := range b.Plugins {
		if err := p.Validate(js); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return nil
}

// applyEnvironment evaluates --env rules, then --env-file, then
// --env-remove, over the full current environment.
func (o *Options) applyEnvironment(js *jobspec.Jobspec) error {
	current := o.Environ
	if current == nil {
		current = jobspec.CurrentEnviron()
	}
	rules := append([]string(nil), o.Env...)
	for _, f := range o.EnvFile {
		rules = append(rules, "@"+f)
	}
	for _, p := range o.EnvRemove {
		rules = append(rules, "-"+p)
	}
	env, err := jobspec.ApplyEnvRules(o.fs(), current, current, rules)
	if err != nil {
		return err
	}
	return js.SetEnvironment(env)
}

func (o *Options) applyDependencies(js *jobspec.Jobspec, now time.Time) error {
	var deps []any
	for _, arg := range o.Dependency {
		dep, err := ParseDependency(arg)
		if err != nil {
			return err
		}
		if dep["scheme"] == "name" {
			if err := js.SetAttribute("system.dependency.name", dep["value"]); err != nil {
				return err
			}
			continue
		}
		deps = append(deps, dep)
	}
	if o.BeginTime != "" {
		t, err := ParseBeginTime(o.BeginTime, now)
		if err != nil {
			return err
		}
		deps = append(deps, map[string]any{"scheme": "begin-time", "value": float64(t.UnixNano()) / 1e9})
	}
	if len(deps) == 0 {
		return nil
	}
	if cur, ok := js.GetAttribute("system.dependencies"); ok {
		if list, ok := cur.([]any); ok {
			deps = append(list, deps...)
		}
	}
	return js.SetAttribute("system.dependencies", deps)
}

// ParseDependency decodes SCHEME:VALUE[?KEY=VAL[&KEY=VAL]].
func ParseDependency(s string) (map[string]any, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || rest == "" {
		return nil, fmt.Errorf("%w: invalid dependency %q", jobspec.ErrInvalidArgument, s)
	}
	value, query, _ := strings.Cut(rest, "?")
	dep := map[string]any{"scheme": scheme, "value": value}
	if query == "" {
		return dep, nil
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: dependency %q: %v", jobspec.ErrInvalidArgument, s, err)
	}
	for k, vs := range q {
		if k == "scheme" || k == "value" {
			return nil, fmt.Errorf("%w: dependency %q overrides %s", jobspec.ErrInvalidArgument, s, k)
		}
		dep[k] = parseValue(vs[len(vs)-1])
	}
	return dep, nil
}

var beginTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"15:04",
}

// ParseBeginTime accepts +FSD relative to now, seconds since the epoch,
// or a local date and time.
func ParseBeginTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		d, err := fsd.Duration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("--begin-time: %w", err)
		}
		return now.Add(d), nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(0, int64(secs*1e9)), nil
	}
	for _, layout := range beginTimeLayouts {
		t, err := time.ParseInLocation(layout, s, now.Location())
		if err != nil {
			continue
		}
		if layout == "15:04" {
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			if t.Before(now) {
				t = t.AddDate(0, 0, 1)
			}
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("--begin-time: unable to parse %q", s)
}

func (o *Options) applyConstraints(js *jobspec.Jobspec) error {
	if len(o.Requires) == 0 {
		return nil
	}
	terms := make([]constraint.Tree, 0, len(o.Requires))
	for _, expr := range o.Requires {
		t, err := constraint.Parse(expr)
		if err != nil {
			return fmt.Errorf("--requires: %w", err)
		}
		terms = append(terms, t)
	}
	return js.SetAttribute("system.constraints", constraint.And(terms...))
}

func (o *Options) applyShellOptions(js *jobspec.Jobspec) error {
	for _, arg := range o.ShellOptions {
		name, val, ok := strings.Cut(arg, "=")
		var v any = 1
		if ok {
			v = parseValue(val)
		}
		if err := js.SetShellOption(name, v); err != nil {
			return fmt.Errorf("--setopt %s: %w", arg, err)
		}
	}
	set := map[string]any{}
	if o.Input != "" {
		set["input.stdin.type"] = "file"
		set["input.stdin.path"] = o.Input
	}
	if o.Output != "" {
		set["output.stdout.type"] = "file"
		set["output.stdout.path"] = o.Output
	}
	if o.Error != "" {
		set["output.stderr.type"] = "file"
		set["output.stderr.path"] = o.Error
	}
	if o.LabelIO {
		set["output.stdout.label"] = true
		set["output.stderr.label"] = true
	}
	if o.Unbuffered {
		set["output.stdout.buffer.type"] = "none"
		set["output.stderr.buffer.type"] = "none"
	}
	for name, v := range set {
		if err := js.SetShellOption(name, v); err != nil {
			return err
		}
	}
	return nil
}

// setAttr handles KEY=VAL, KEY (set to 1) and ^KEY=FILE, which loads a
// JSON or YAML document from FILE.
func (o *Options) setAttr(js *jobspec.Jobspec, arg string) error {
	key, val, ok := strings.Cut(arg, "=")
	if !ok {
		return js.SetAttribute(key, 1)
	}
	if k, fromFile := strings.CutPrefix(key, "^"); fromFile {
		data, err := afero.ReadFile(o.fs(), val)
		if err != nil {
			return err
		}
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%s: %w", val, err)
		}
		return js.SetAttribute(k, v)
	}
	return js.SetAttribute(key, parseValue(val))
}

// parseValue decodes s as JSON when possible and keeps it as a string
// otherwise.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// WithCc returns a copy of js for one --cc id: {cc} in the command, job
// name and output paths is replaced by id, and FLUX_JOB_CC is set when
// setEnv is true.
func WithCc(js *jobspec.Jobspec, id uint64, setEnv bool) (*jobspec.Jobspec, error) {
	out, err := js.Clone()
	if err != nil {
		return nil, err
	}
	cc := strconv.FormatUint(id, 10)
	for i := range out.Tasks {
		for j, arg := range out.Tasks[i].Command {
			out.Tasks[i].Command[j] = strings.ReplaceAll(arg, "{cc}", cc)
		}
	}
	if name := out.JobName(); strings.Contains(name, "{cc}") {
		if err := out.SetAttribute("system.job.name", strings.ReplaceAll(name, "{cc}", cc)); err != nil {
			return nil, err
		}
	}
	for _, key := range []string{
		"system.shell.options.output.stdout.path",
		"system.shell.options.output.stderr.path",
	} {
		v, ok := out.GetAttribute(key)
		if s, isString := v.(string); ok && isString && strings.Contains(s, "{cc}") {
			if err := out.SetAttribute(key, strings.ReplaceAll(s, "{cc}", cc)); err != nil {
				return nil, err
			}
		}
	}
	if setEnv {
		env := out.Environment()
		env.Set(EnvJobCc, cc)
		if err := out.SetEnvironment(env.Map()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WrapScript turns argv into a /bin/sh batch script.
func WrapScript(argv []string) string {
	return "#!/bin/sh\n" + shellquote.Join(argv...) + "\n"
}

// ReadScript loads a batch script from path, or stdin when path is empty
// or "-".
func (o *Options) ReadScript(path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := afero.ReadFile(o.fs(), filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%s: batch script is empty", path)
	}
	return string(data), nil
}

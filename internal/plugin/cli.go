// SPDX-License-Identifier: AGPL-3.0-or-later
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// EnvPluginPath overrides the CLI plugin directory.
const EnvPluginPath = "FLUX_CLI_PLUGINPATH"

// CLI is a submission-command extension. AddOptions runs before argument
// parsing, ModifyJobspec after the jobspec is built and Validate last.
type CLI interface {
	Plugin
	AddOptions(s *Scope)
	ModifyJobspec(command string, js *jobspec.Jobspec) error
	Validate(js *jobspec.Jobspec) error
}

// CLIOption is one option of a YAML-defined CLI plugin.
type CLIOption struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Default   any      `yaml:"default,omitempty"`
	Help      string   `yaml:"help,omitempty"`
	Choices   []string `yaml:"choices,omitempty"`
	Required  bool     `yaml:"required,omitempty"`
	Attribute string   `yaml:"attribute,omitempty"`
}

// CLISpec is the on-disk definition of a CLI plugin.
type CLISpec struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Prefix      string      `yaml:"prefix,omitempty"`
	Commands    []string    `yaml:"commands,omitempty"`
	Options     []CLIOption `yaml:"options"`
	Path        string      `yaml:"-"`
}

// DiscoveryError records a plugin file that failed to load.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e DiscoveryError) Error() string { return e.Path + ": " + e.Err.Error() }

// PluginPath returns the CLI plugin directories: FLUX_CLI_PLUGINPATH
// (colon separated) when set, otherwise def.
func PluginPath(def string) []string {
	if env := os.Getenv(EnvPluginPath); env != "" {
		return filepath.SplitList(env)
	}
	if def == "" {
		return nil
	}
	return []string{def}
}

// DiscoverCLI loads *.yaml plugin definitions from each directory in
// lexical order. Missing directories are skipped; malformed files are
// reported and skipped.
func DiscoverCLI(fs afero.Fs, dirs []string) ([]CLISpec, []DiscoveryError) {
	var specs []CLISpec
	var errs []DiscoveryError
	for _, dir := range dirs {
		entries, err := afero.ReadDir(fs, dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, DiscoveryError{Path: dir, Err: err})
			}
			continue
		}
		var files []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
		sort.Strings(files)
		for _, path := range files {
			spec, err := parseCLISpec(fs, path)
			if err != nil {
				errs = append(errs, DiscoveryError{Path: path, Err: err})
				continue
			}
			specs = append(specs, spec)
		}
	}
	return specs, errs
}

func parseCLISpec(fs afero.Fs, path string) (CLISpec, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return CLISpec{}, fmt.Errorf("read plugin: %w", err)
	}
	var spec CLISpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return CLISpec{}, fmt.Errorf("parse yaml: %w", err)
	}
	spec.Path = path
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	for i, opt := range spec.Options {
		if strings.TrimSpace(opt.Name) == "" {
			return CLISpec{}, fmt.Errorf("option %d: missing name", i)
		}
		switch opt.Type {
		case "", "string", "boolean", "integer", "array":
		default:
			return CLISpec{}, fmt.Errorf("unsupported option type %q for %s", opt.Type, opt.Name)
		}
	}
	return spec, nil
}

// AppliesTo reports whether the plugin is active for a command.
func (s CLISpec) AppliesTo(command string) bool {
	if len(s.Commands) == 0 {
		return true
	}
	for _, c := range s.Commands {
		if c == command {
			return true
		}
	}
	return false
}

// yamlCLI adapts a CLISpec to the CLI contract.
type yamlCLI struct {
	spec   CLISpec
	scope  *Scope
	values map[string]any
}

// NewYAMLCLI returns the CLI plugin described by spec.
func NewYAMLCLI(spec CLISpec) CLI {
	return &yamlCLI{spec: spec, values: map[string]any{}}
}

func (p *yamlCLI) Name() string { return p.spec.Name }

func (p *yamlCLI) AddOptions(s *Scope) {
	p.scope = s
	for _, opt := range p.spec.Options {
		switch opt.Type {
		case "boolean":
			def, _ := opt.Default.(bool)
			p.values[opt.Name] = s.Bool(opt.Name, def, opt.Help)
		case "integer":
			var def int
			switch v := opt.Default.(type) {
			case int:
				def = v
			case int64:
				def = int(v)
			case float64:
				def = int(v)
			}
			p.values[opt.Name] = s.Int(opt.Name, def, opt.Help)
		case "array":
			p.values[opt.Name] = s.StringArray(opt.Name, nil, opt.Help)
		default:
			def, _ := opt.Default.(string)
			p.values[opt.Name] = s.String(opt.Name, def, opt.Help)
		}
	}
}

func (p *yamlCLI) value(opt CLIOption) any {
	switch v := p.values[opt.Name].(type) {
	case *string:
		return *v
	case *bool:
		return *v
	case *int:
		return *v
	case *[]string:
		return append([]string(nil), (*v)...)
	}
	return nil
}

func (p *yamlCLI) set(opt CLIOption) bool {
	if p.scope != nil && p.scope.Changed(opt.Name) {
		return true
	}
	return opt.Default != nil
}

func (p *yamlCLI) ModifyJobspec(command string, js *jobspec.Jobspec) error {
	if !p.spec.AppliesTo(command) {
		return nil
	}
	for _, opt := range p.spec.Options {
		if opt.Attribute == "" || !p.set(opt) {
			continue
		}
		if err := js.SetAttribute(opt.Attribute, p.value(opt)); err != nil {
			return fmt.Errorf("%s: --%s: %w", p.spec.Name, opt.Name, err)
		}
	}
	return nil
}

func (p *yamlCLI) Validate(js *jobspec.Jobspec) error {
	for _, opt := range p.spec.Options {
		if opt.Required && !p.set(opt) {
			return fmt.Errorf("%s: option --%s is required", p.spec.Name, opt.Name)
		}
		if len(opt.Choices) == 0 || !p.set(opt) {
			continue
		}
		s, _ := p.value(opt).(string)
		ok := false
		for _, c := range opt.Choices {
			if c == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s: --%s: %q not one of %s", p.spec.Name, opt.Name, s, strings.Join(opt.Choices, ", "))
		}
	}
	return nil
}

// AttachCLI instantiates the YAML plugins active for command and registers
// their options on o under each plugin's prefix.
func AttachCLI(o *Options, specs []CLISpec, command string) []CLI {
	var out []CLI
	for _, spec := range specs {
		if !spec.AppliesTo(command) {
			continue
		}
		p := NewYAMLCLI(spec)
		p.AddOptions(o.Scope(spec.Name, spec.Prefix))
		out = append(out, p)
	}
	return out
}

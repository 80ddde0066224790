// SPDX-License-Identifier: AGPL-3.0-or-later

package jobspec

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/spf13/afero"
)

// CurrentEnviron returns the process environment as a map.
func CurrentEnviron() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// Environ is a copy-on-write view of a job environment. Reads share the
// underlying map; the first write copies it.
type Environ struct {
	vars  map[string]string
	owned bool
}

// NewEnviron wraps vars without copying.
func NewEnviron(vars map[string]string) Environ {
	return Environ{vars: vars}
}

// Get returns the value of key.
func (e Environ) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Set assigns key, copying the underlying map first if it is shared.
func (e *Environ) Set(key, value string) {
	e.own()
	e.vars[key] = value
}

// Unset removes key.
func (e *Environ) Unset(key string) {
	if _, ok := e.vars[key]; !ok {
		return
	}
	e.own()
	delete(e.vars, key)
}

// Len returns the number of variables.
func (e Environ) Len() int {
	return len(e.vars)
}

// Map returns a copy of the variables.
func (e Environ) Map() map[string]string {
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// List returns KEY=VALUE strings sorted by key.
func (e Environ) List() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}

func (e *Environ) own() {
	if e.owned {
		return
	}
	e.vars = e.Map()
	e.owned = true
}

// Environment returns a view of attributes.system.environment.
func (js *Jobspec) Environment() Environ {
	v, _ := js.GetAttribute("system.environment")
	m, _ := v.(map[string]any)
	vars := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			vars[k] = s
		}
	}
	return Environ{vars: vars, owned: true}
}

// SetEnvironment replaces attributes.system.environment.
func (js *Jobspec) SetEnvironment(env map[string]string) error {
	return js.SetAttribute("system.environment", env)
}

// ApplyEnvRules builds a job environment from base by applying rules in
// order. current supplies values for pass-through rules.
//
//	NONE         clear the environment
//	ALL          copy the whole current environment
//	-PATTERN     remove variables matching a glob
//	@FILE        read further rules from FILE, one per line
//	VAR=VAL      set VAR, expanding $NAME and ${NAME}
//	PATTERN      copy matching current variables
//	VAR          copy VAR from the current environment
func ApplyEnvRules(fs afero.Fs, base, current map[string]string, rules []string) (map[string]string, error) {
	env := make(map[string]string, len(base))
	for k, v := range base {
		env[k] = v
	}
	for _, rule := range rules {
		if err := applyEnvRule(fs, env, current, rule, 0); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func applyEnvRule(fs afero.Fs, env, current map[string]string, rule string, depth int) error {
	rule = strings.TrimSpace(rule)
	switch {
	case rule == "":
		return nil
	case rule == "NONE":
		for k := range env {
			delete(env, k)
		}
	case rule == "ALL":
		for k, v := range current {
			env[k] = v
		}
	case strings.HasPrefix(rule, "-"):
		pm, err := patternmatcher.New([]string{rule[1:]})
		if err != nil {
			return fmt.Errorf("%w: env pattern %q: %v", ErrInvalidArgument, rule, err)
		}
		for k := range env {
			if ok, _ := pm.MatchesOrParentMatches(k); ok {
				delete(env, k)
			}
		}
	case strings.HasPrefix(rule, "@"):
		if depth > 8 {
			return fmt.Errorf("%w: env file nesting too deep at %q", ErrInvalidArgument, rule)
		}
		f, err := fs.Open(rule[1:])
		if err != nil {
			return fmt.Errorf("env file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if err := applyEnvRule(fs, env, current, line, depth+1); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("env file %s: %w", rule[1:], err)
		}
	case strings.Contains(rule, "="):
		k, v, _ := strings.Cut(rule, "=")
		if k == "" {
			return fmt.Errorf("%w: env rule %q", ErrInvalidArgument, rule)
		}
		env[k] = os.Expand(v, func(name string) string {
			if val, ok := env[name]; ok {
				return val
			}
			return current[name]
		})
	case strings.ContainsAny(rule, "*?["):
		pm, err := patternmatcher.New([]string{rule})
		if err != nil {
			return fmt.Errorf("%w: env pattern %q: %v", ErrInvalidArgument, rule, err)
		}
		for k, v := range current {
			if ok, _ := pm.MatchesOrParentMatches(k); ok {
				env[k] = v
			}
		}
	default:
		if v, ok := current[rule]; ok {
			env[rule] = v
		}
	}
	return nil
}

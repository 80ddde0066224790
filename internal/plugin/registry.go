// SPDX-License-Identifier: AGPL-3.0-or-later

// Package plugin implements the extension points of the submission
// pipeline: a registry of named plugin factories per point, ordered
// selection, option namespacing and YAML-defined CLI plugins.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Extension points.
const (
	PointFrobnicator = "frobnicator"
	PointValidator   = "validator"
	PointCLI         = "cli"
	PointURIResolver = "uri-resolver"
)

var (
	ErrUnknownPlugin = errors.New("plugin: unknown plugin")
	ErrDuplicate     = errors.New("plugin: duplicate registration")
	ErrSealed        = errors.New("plugin: registry is sealed")
)

// Plugin is the common contract of every extension.
type Plugin interface {
	Name() string
}

// Factory constructs a fresh plugin instance.
type Factory func() Plugin

// Registry maps extension points to named factories. It is populated during
// start-up and read-only after Seal.
type Registry struct {
	mu       sync.RWMutex
	points   map[string]map[string]Factory
	defaults map[string][]string
	sealed   bool
}

// Default is the process-wide registry populated by package init functions.
var Default = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		points:   map[string]map[string]Factory{},
		defaults: map[string][]string{},
	}
}

// Register adds a factory. Registering after Seal, or twice under the same
// name, fails.
func (r *Registry) Register(point, name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	m := r.points[point]
	if m == nil {
		m = map[string]Factory{}
		r.points[point] = m
	}
	if _, ok := m[name]; ok {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, point, name)
	}
	m[name] = f
	return nil
}

// MustRegister is Register for use in init functions.
func (r *Registry) MustRegister(point, name string, f Factory) {
	if err := r.Register(point, name, f); err != nil {
		panic(err)
	}
}

// SetDefaults sets the selection used when none is given.
func (r *Registry) SetDefaults(point string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[point] = append([]string(nil), names...)
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Names lists the plugins of a point in lexical order.
func (r *Registry) Names(point string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.points[point]))
	for name := range r.points[point] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns the default selection of a point: the configured default
// list, or every registered plugin in lexical order.
func (r *Registry) Defaults(point string) []string {
	r.mu.RLock()
	d := r.defaults[point]
	r.mu.RUnlock()
	if len(d) > 0 {
		return append([]string(nil), d...)
	}
	return r.Names(point)
}

// Load instantiates the selected plugins in selection order. An empty
// selection loads the defaults.
func (r *Registry) Load(point string, selection []string) ([]Plugin, error) {
	if len(selection) == 0 {
		selection = r.Defaults(point)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(selection))
	seen := map[string]bool{}
	for _, name := range selection {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		f, ok := r.points[point][name]
		if !ok {
			return nil, fmt.Errorf("%w: %s %q", ErrUnknownPlugin, point, name)
		}
		out = append(out, f())
	}
	return out, nil
}

// ParseList splits a comma-separated --plugins value.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SPDX-License-Identifier: AGPL-3.0-or-later
package frobnicator

import (
	"context"
	"fmt"

	"github.com/flux-framework/flux-core-sub001/internal/config"
	"github.com/flux-framework/flux-core-sub001/internal/constraint"
	"github.com/flux-framework/flux-core-sub001/internal/jobspec"
)

// Constraints adds the properties required by the job's queue to its
// constraint tree.
type Constraints struct {
	requires map[string][]any
}

func (c *Constraints) Name() string { return "constraints" }

func (c *Constraints) Configure(conf config.Tree, _ Env) error {
	c.requires = map[string][]any{}
	queues, _ := lookupMap(conf, "queues")
	for name := range queues {
		key := "queues." + name + ".requires"
		v, ok := config.Lookup(conf, key)
		if !ok {
			continue
		}
		props, err := config.Convert[[]string](v, key)
		if err != nil {
			return err
		}
		for _, p := range props {
			c.requires[name] = constraint.AppendUnique(c.requires[name], p)
		}
	}
	return nil
}

func (c *Constraints) Frob(_ context.Context, js *jobspec.Jobspec, _ Info) error {
	props := c.requires[js.Queue()]
	if len(props) == 0 {
		return nil
	}
	var existing constraint.Tree
	if v, ok := js.GetAttribute("system.constraints"); ok {
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: attributes.system.constraints must be a mapping", jobspec.ErrTypeMismatch)
		}
		existing = m
	}
	return js.SetAttribute("system.constraints", MergeProperties(existing, props))
}

// MergeProperties adds props to a constraint tree. They join an existing
// top-level properties term, or a properties term inside a top-level and
// list; otherwise the tree becomes and(existing, properties). Duplicates
// are dropped, so merging twice equals merging once.
func MergeProperties(existing constraint.Tree, props []any) constraint.Tree {
	if len(existing) == 0 {
		return constraint.Tree{constraint.OpProperties: constraint.AppendUnique(nil, props...)}
	}
	if vals, ok := propertiesTerm(existing); ok {
		return constraint.Tree{constraint.OpProperties: constraint.AppendUnique(vals, props...)}
	}
	if list, ok := existing[constraint.OpAnd].([]any); ok && len(existing) == 1 {
		out := make([]any, 0, len(list)+1)
		merged := false
		for _, term := range list {
			if t, ok := term.(map[string]any); ok && !merged {
				if vals, ok := propertiesTerm(t); ok {
					out = append(out, constraint.Tree{constraint.OpProperties: constraint.AppendUnique(vals, props...)})
					merged = true
					continue
				}
			}
			out = append(out, term)
		}
		if !merged {
			out = append(out, constraint.Tree{constraint.OpProperties: constraint.AppendUnique(nil, props...)})
		}
		return constraint.Tree{constraint.OpAnd: out}
	}
	return constraint.Tree{constraint.OpAnd: []any{
		existing,
		constraint.Tree{constraint.OpProperties: constraint.AppendUnique(nil, props...)},
	}}
}

func propertiesTerm(t map[string]any) ([]any, bool) {
	if len(t) != 1 {
		return nil, false
	}
	vals, ok := t[constraint.OpProperties].([]any)
	return vals, ok
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package jobspec

import (
	"fmt"

	"github.com/flux-framework/flux-core-sub001/internal/constraint"
)

// Validate checks js against the version 1 grammar.
func (js *Jobspec) Validate() error {
	if js == nil {
		return fmt.Errorf("%w: nil jobspec", ErrInvalid)
	}
	if js.Version != Version {
		return fmt.Errorf("%w: version %d is not supported", ErrInvalid, js.Version)
	}
	if len(js.Resources) == 0 {
		return fmt.Errorf("%w: resources must not be empty", ErrInvalid)
	}
	labels := map[string]bool{}
	for i, r := range js.Resources {
		if err := validateResource(r, fmt.Sprintf("resources[%d]", i), false, labels); err != nil {
			return err
		}
	}
	if len(js.Tasks) != 1 {
		return fmt.Errorf("%w: tasks must contain exactly one entry", ErrInvalid)
	}
	for i, t := range js.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if len(t.Command) == 0 {
			return fmt.Errorf("%w: %s.command must not be empty", ErrInvalid, path)
		}
		if !labels[t.Slot] {
			return fmt.Errorf("%w: %s.slot %q does not name a slot", ErrInvalid, path, t.Slot)
		}
		switch {
		case t.Count.PerSlot > 0 && t.Count.Total > 0:
			return fmt.Errorf("%w: %s.count must have exactly one of per_slot, total", ErrInvalid, path)
		case t.Count.PerSlot < 0 || t.Count.Total < 0:
			return fmt.Errorf("%w: %s.count must be positive", ErrInvalid, path)
		case t.Count.PerSlot == 0 && t.Count.Total == 0:
			return fmt.Errorf("%w: %s.count must have one of per_slot, total", ErrInvalid, path)
		}
	}
	return validateAttributes(js.Attributes)
}

// validateResource checks r and records slot labels. Every root-to-leaf
// path must cross exactly one slot.
func validateResource(r Resource, path string, underSlot bool, labels map[string]bool) error {
	if r.Type == "" {
		return fmt.Errorf("%w: %s.type must not be empty", ErrInvalid, path)
	}
	if !r.Count.IsRange() && r.Count.N < 1 {
		return fmt.Errorf("%w: %s.count must be positive", ErrInvalid, path)
	}
	slot := r.IsSlot()
	if slot {
		if underSlot {
			return fmt.Errorf("%w: %s: nested slot", ErrInvalid, path)
		}
		if r.Label == "" {
			return fmt.Errorf("%w: %s: slot requires a label", ErrInvalid, path)
		}
		if len(r.With) == 0 {
			return fmt.Errorf("%w: %s: slot must contain resources", ErrInvalid, path)
		}
		labels[r.Label] = true
	}
	inSlot := underSlot || slot
	if len(r.With) == 0 && !inSlot {
		return fmt.Errorf("%w: %s: path to leaf has no slot", ErrInvalid, path)
	}
	for i, child := range r.With {
		if err := validateResource(child, fmt.Sprintf("%s.with[%d]", path, i), inSlot, labels); err != nil {
			return err
		}
	}
	return nil
}

func validateAttributes(attrs map[string]any) error {
	for k := range attrs {
		if k != "system" && k != "user" {
			return fmt.Errorf("%w: unknown attributes section %q", ErrInvalid, k)
		}
	}
	sys, ok := attrs["system"]
	if !ok {
		return nil
	}
	system, ok := sys.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: attributes.system must be a mapping", ErrInvalid)
	}
	if v, ok := system["duration"]; ok {
		d, ok := v.(float64)
		if !ok || d < 0 {
			return fmt.Errorf("%w: attributes.system.duration must be a non-negative number", ErrInvalid)
		}
	}
	for _, key := range []string{"cwd", "queue"} {
		if v, ok := system[key]; ok {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%w: attributes.system.%s must be a string", ErrInvalid, key)
			}
		}
	}
	if v, ok := system["environment"]; ok {
		env, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: attributes.system.environment must be a mapping", ErrInvalid)
		}
		for k, val := range env {
			if _, ok := val.(string); !ok {
				return fmt.Errorf("%w: environment variable %s must be a string", ErrInvalid, k)
			}
		}
	}
	if v, ok := system["dependencies"]; ok {
		deps, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%w: attributes.system.dependencies must be a list", ErrInvalid)
		}
		for i, d := range deps {
			m, ok := d.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: dependencies[%d] must be a mapping", ErrInvalid, i)
			}
			if s, _ := m["scheme"].(string); s == "" {
				return fmt.Errorf("%w: dependencies[%d] requires a scheme", ErrInvalid, i)
			}
			if _, ok := m["value"]; !ok {
				return fmt.Errorf("%w: dependencies[%d] requires a value", ErrInvalid, i)
			}
		}
	}
	if v, ok := system["constraints"]; ok {
		if err := constraint.Validate(v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if v, ok := system["files"]; ok {
		files, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: attributes.system.files must be a mapping", ErrInvalid)
		}
		for name, f := range files {
			if err := validateFileRef(name, f); err != nil {
				return err
			}
		}
	}
	if v, ok := system["shell"]; ok {
		shell, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: attributes.system.shell must be a mapping", ErrInvalid)
		}
		if opts, ok := shell["options"]; ok {
			if _, ok := opts.(map[string]any); !ok {
				return fmt.Errorf("%w: attributes.system.shell.options must be a mapping", ErrInvalid)
			}
		}
	}
	return nil
}

func validateFileRef(name string, v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: files.%s must be a mapping", ErrInvalid, name)
	}
	mode, ok := m["mode"].(float64)
	if !ok || mode < 0 {
		return fmt.Errorf("%w: files.%s.mode must be a non-negative integer", ErrInvalid, name)
	}
	if _, ok := m["data"]; !ok {
		return fmt.Errorf("%w: files.%s requires data", ErrInvalid, name)
	}
	ref := FileRef{Mode: int(mode), Data: m["data"]}
	if enc, ok := m["encoding"]; ok {
		s, ok := enc.(string)
		if !ok {
			return fmt.Errorf("%w: files.%s.encoding must be a string", ErrInvalid, name)
		}
		ref.Encoding = s
	}
	size, hasSize := m["size"]
	if hasSize {
		n, ok := size.(float64)
		if !ok || n < 0 {
			return fmt.Errorf("%w: files.%s.size must be a non-negative integer", ErrInvalid, name)
		}
		ref.Size = int(n)
	}
	data, err := ref.Contents()
	if err != nil {
		return fmt.Errorf("files.%s: %w", name, err)
	}
	if hasSize && ref.Encoding == EncodingBase64 && len(data) != ref.Size {
		return fmt.Errorf("%w: files.%s: base64 data decodes to %d bytes, size is %d", ErrInvalid, name, len(data), ref.Size)
	}
	return nil
}

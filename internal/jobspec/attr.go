// SPDX-License-Identifier: AGPL-3.0-or-later

package jobspec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/fsd"
)

// systemAttributes lists the recognized attributes.system keys.
var systemAttributes = map[string]bool{
	"duration":     true,
	"cwd":          true,
	"environment":  true,
	"queue":        true,
	"job":          true,
	"dependencies": true,
	"dependency":   true,
	"constraints":  true,
	"shell":        true,
	"files":        true,
	"exec":         true,
	"conf":         true,
	"bank":         true,
	"project":      true,
	"cc":           true,
}

// shellOptions lists the recognized execution shell options by their
// first dotted component.
var shellOptions = map[string]bool{
	"verbose":            true,
	"nosetpgrp":          true,
	"pty":                true,
	"input":              true,
	"output":             true,
	"cpu-affinity":       true,
	"gpu-affinity":       true,
	"mpi":                true,
	"signal":             true,
	"exit-timeout":       true,
	"exit-on-error":      true,
	"rlimit":             true,
	"hwloc":              true,
	"taskmap":            true,
	"stop-tasks-in-exec": true,
	"env-expand":         true,
	"initrc":             true,
	"container":          true,
}

// ResolveKey maps a user-supplied attribute key to its absolute dotted
// path. Keys starting with attributes., resources. or tasks. are
// absolute; system. and user. are relative to attributes; anything else
// lives under attributes.system.
func ResolveKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: invalid key %q", ErrInvalidArgument, key)
	}
	switch {
	case strings.HasPrefix(key, "attributes."),
		strings.HasPrefix(key, "resources."),
		strings.HasPrefix(key, "tasks."):
		return key, nil
	case strings.HasPrefix(key, "system."), strings.HasPrefix(key, "user."):
		return "attributes." + key, nil
	default:
		return "attributes.system." + key, nil
	}
}

// SetAttribute sets the value at a dotted key, creating intermediate
// mappings as needed. See ResolveKey for the key rules.
func (js *Jobspec) SetAttribute(key string, value any) error {
	path, err := ResolveKey(key)
	if err != nil {
		return err
	}
	parts := strings.Split(path, ".")
	if parts[0] == "attributes" {
		if err := checkRecognized(parts, value); err != nil {
			return err
		}
	}
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, key, err)
	}
	if parts[0] == "attributes" {
		if js.Attributes == nil {
			js.Attributes = map[string]any{}
		}
		return setPath(js.Attributes, parts[1:], v, "attributes")
	}
	return js.editDocument(func(doc map[string]any) error {
		return setPath(doc, parts, v, "")
	})
}

// GetAttribute returns the value at a dotted key.
func (js *Jobspec) GetAttribute(key string) (any, bool) {
	path, err := ResolveKey(key)
	if err != nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	if parts[0] == "attributes" {
		return getPath(js.Attributes, parts[1:])
	}
	doc, err := js.toMap()
	if err != nil {
		return nil, false
	}
	return getPath(doc, parts)
}

// DeleteAttribute removes the value at a dotted key under attributes.
// Missing keys are not an error.
func (js *Jobspec) DeleteAttribute(key string) error {
	path, err := ResolveKey(key)
	if err != nil {
		return err
	}
	parts := strings.Split(path, ".")
	if parts[0] != "attributes" {
		return fmt.Errorf("%w: only attributes may be deleted", ErrInvalidArgument)
	}
	parent, ok := getPath(js.Attributes, parts[1:len(parts)-1])
	if !ok {
		return nil
	}
	if m, ok := parent.(map[string]any); ok {
		delete(m, parts[len(parts)-1])
	}
	return nil
}

// SetShellOption sets attributes.system.shell.options.<name>.
func (js *Jobspec) SetShellOption(name string, value any) error {
	return js.SetAttribute("system.shell.options."+name, value)
}

// SetDuration evaluates an FSD string against the current duration.
// Relative forms (+X, -X) adjust it; inf stores 0.
func (js *Jobspec) SetDuration(s string) error {
	next, err := fsd.Apply(js.Duration(), s)
	if err != nil {
		return fmt.Errorf("%w: duration: %v", ErrInvalidArgument, err)
	}
	return js.SetAttribute("system.duration", next)
}

// Duration returns attributes.system.duration in seconds, 0 when unset.
func (js *Jobspec) Duration() float64 {
	v, ok := js.GetAttribute("system.duration")
	if !ok {
		return 0
	}
	f, _ := v.(float64)
	return f
}

// Queue returns attributes.system.queue.
func (js *Jobspec) Queue() string {
	return js.stringAttr("system.queue")
}

// JobName returns attributes.system.job.name.
func (js *Jobspec) JobName() string {
	return js.stringAttr("system.job.name")
}

// Cwd returns attributes.system.cwd.
func (js *Jobspec) Cwd() string {
	return js.stringAttr("system.cwd")
}

func (js *Jobspec) stringAttr(key string) string {
	v, ok := js.GetAttribute(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func checkRecognized(parts []string, value any) error {
	if len(parts) < 2 {
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("%w: attributes must be a mapping", ErrTypeMismatch)
		}
		return nil
	}
	section := parts[1]
	switch section {
	case "user":
		return nil
	case "system":
	default:
		return fmt.Errorf("%w: unknown attribute section %q", ErrInvalidArgument, section)
	}
	if len(parts) < 3 {
		return nil
	}
	if !systemAttributes[parts[2]] {
		return fmt.Errorf("%w: unknown system attribute %q", ErrInvalidArgument, parts[2])
	}
	if parts[2] == "shell" && len(parts) >= 5 && parts[3] == "options" && !shellOptions[parts[4]] {
		return fmt.Errorf("%w: unknown shell option %q", ErrInvalidArgument, parts[4])
	}
	return nil
}

// normalize converts value to the generic JSON form (maps, slices,
// float64, string, bool, nil) so stored values survive a round trip.
func normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func setPath(root map[string]any, parts []string, value any, base string) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	var cur any = root
	walked := base
	for i, key := range parts {
		last := i == len(parts)-1
		if walked == "" {
			walked = key
		} else {
			walked += "." + key
		}
		switch node := cur.(type) {
		case map[string]any:
			if last {
				node[key] = value
				return nil
			}
			next, ok := node[key]
			if !ok || next == nil {
				child := map[string]any{}
				node[key] = child
				cur = child
				continue
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("%w: %s: bad index", ErrTypeMismatch, walked)
			}
			if last {
				node[idx] = value
				return nil
			}
			cur = node[idx]
		default:
			return fmt.Errorf("%w: %s is not a mapping", ErrTypeMismatch, strings.TrimSuffix(walked, "."+key))
		}
	}
	return nil
}

func getPath(root map[string]any, parts []string) (any, bool) {
	var cur any = root
	for _, key := range parts {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func (js *Jobspec) toMap() (map[string]any, error) {
	data, err := js.Encode()
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// editDocument applies fn to the generic form of the whole document and
// decodes the result back into js.
func (js *Jobspec) editDocument(fn func(map[string]any) error) error {
	doc, err := js.toMap()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	next, err := Decode(data)
	if err != nil {
		return err
	}
	*js = *next
	return nil
}

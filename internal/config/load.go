// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// LoadPath reads a YAML file, or every *.yaml / *.yml file of a directory in
// lexical order, deep-merging later files over earlier ones. The result is
// normalized to JSON value types.
func LoadPath(fs afero.Fs, path string) (Tree, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := afero.ReadDir(fs, path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		files = files[:0]
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		sort.Strings(files)
	}
	tree := Tree{}
	for _, file := range files {
		data, err := afero.ReadFile(fs, file)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		doc, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", file, err)
		}
		Merge(tree, doc)
	}
	return tree, nil
}

// Parse decodes one YAML (or JSON) document.
func Parse(data []byte) (Tree, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return Tree{}, nil
	}
	return Normalize(raw)
}

// Normalize converts a decoded document into a JSON-typed tree.
func Normalize(v any) (Tree, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree Tree
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("top level must be a table")
	}
	return tree, nil
}

// Merge deep-merges src into dst. Tables merge recursively, other values
// replace.
func Merge(dst, src Tree) {
	for k, v := range src {
		sm, sok := v.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			Merge(dm, sm)
			continue
		}
		dst[k] = v
	}
}

// Set writes value at a dotted key, creating intermediate tables.
func Set(tree Tree, key string, value any) error {
	parts := strings.Split(key, ".")
	cur := tree
	for i, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			m := map[string]any{}
			cur[part] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config: %s is not a table", strings.Join(parts[:i+1], "."))
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config resolves the broker configuration tree. Clients read it
// once through config.get and address it with dotted keys; the reference
// instance loads it from YAML files.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
)

// Service topics.
const (
	TopicGet  = "config.get"
	TopicLoad = "config.load"
)

// Tree is a decoded configuration document.
type Tree = map[string]any

// Resolver caches the configuration tree of one broker.
type Resolver struct {
	mu     sync.Mutex
	fetch  func(ctx context.Context) (Tree, error)
	tree   Tree
	loaded bool
}

// NewResolver returns a resolver backed by config.get on h.
func NewResolver(h *broker.Handle) *Resolver {
	return &Resolver{fetch: func(ctx context.Context) (Tree, error) {
		var tree Tree
		if err := h.Call(ctx, TopicGet, nil, &tree); err != nil {
			return nil, fmt.Errorf("config.get: %w", err)
		}
		return tree, nil
	}}
}

// Static returns a resolver over a fixed tree.
func Static(tree Tree) *Resolver {
	if tree == nil {
		tree = Tree{}
	}
	return &Resolver{tree: tree, loaded: true}
}

// Tree returns the cached tree, fetching it on first use.
func (r *Resolver) Tree(ctx context.Context) (Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.tree, nil
	}
	tree, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		tree = Tree{}
	}
	r.tree = tree
	r.loaded = true
	return tree, nil
}

// Invalidate drops the cache so the next lookup refetches.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetch != nil {
		r.loaded = false
		r.tree = nil
	}
}

// Lookup returns the value at a dotted key.
func (r *Resolver) Lookup(ctx context.Context, key string) (any, bool, error) {
	tree, err := r.Tree(ctx)
	if err != nil {
		return nil, false, err
	}
	v, ok := Lookup(tree, key)
	return v, ok, nil
}

// Lookup walks tree along a dotted key. An empty key returns the tree.
func Lookup(tree Tree, key string) (any, bool) {
	if key == "" {
		return tree, true
	}
	var cur any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Get returns the value at key converted to T, or def when the key is absent.
// A present value that does not convert is an error.
func Get[T any](ctx context.Context, r *Resolver, key string, def T) (T, error) {
	v, ok, err := r.Lookup(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	return Convert[T](v, key)
}

// Convert re-decodes a generic value into T.
func Convert[T any](v any, key string) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("config: %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("config: %s: expected %T: %w", key, out, err)
	}
	return out, nil
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kvs is a small client for the broker key-value store.
package kvs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
)

// Service topics.
const (
	TopicGet    = "kvs.get"
	TopicCommit = "kvs.commit"
)

// Operation kinds carried in a commit.
const (
	OpPut    = "put"
	OpUnlink = "unlink"
	OpAppend = "append"
)

// ErrEmptyKey rejects operations on the root key.
var ErrEmptyKey = errors.New("kvs: empty key")

// Op is one buffered transaction operation.
type Op struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// CommitRequest is the kvs.commit payload.
type CommitRequest struct {
	Ops []Op `json:"ops"`
}

// GetRequest is the kvs.get payload.
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse is the kvs.get response.
type GetResponse struct {
	Value json.RawMessage `json:"value"`
}

// Txn buffers operations until Commit. The buffer is emptied by every
// commit attempt that reaches the broker.
type Txn struct {
	mu  sync.Mutex
	ops []Op
}

// Put buffers a JSON-encoded write of value to key.
func (t *Txn) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvs: encode %s: %w", key, err)
	}
	return t.add(Op{Op: OpPut, Key: key, Value: raw})
}

// Append buffers an append of a raw string (eventlog lines) to key.
func (t *Txn) Append(key string, data string) error {
	raw, _ := json.Marshal(data)
	return t.add(Op{Op: OpAppend, Key: key, Value: raw})
}

// Unlink buffers a removal of key.
func (t *Txn) Unlink(key string) error {
	return t.add(Op{Op: OpUnlink, Key: key})
}

func (t *Txn) add(op Op) error {
	op.Key = strings.Trim(op.Key, ".")
	if op.Key == "" {
		return ErrEmptyKey
	}
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
	return nil
}

// Len returns the number of buffered operations.
func (t *Txn) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// take empties the buffer and returns its former contents.
func (t *Txn) take() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := t.ops
	t.ops = nil
	return ops
}

// Commit sends the buffered operations in one kvs.commit request. The buffer
// is cleared before the request is sent, so a later commit never repeats
// operations from an earlier one.
func Commit(ctx context.Context, h *broker.Handle, txn *Txn) error {
	ops := txn.take()
	if len(ops) == 0 {
		return nil
	}
	return h.Call(ctx, TopicCommit, CommitRequest{Ops: ops}, nil)
}

// Get fetches key and decodes its value into out.
func Get(ctx context.Context, h *broker.Handle, key string, out any) error {
	if strings.Trim(key, ".") == "" {
		return ErrEmptyKey
	}
	var resp GetResponse
	if err := h.Call(ctx, TopicGet, GetRequest{Key: key}, &resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Value, out); err != nil {
		return fmt.Errorf("kvs: decode %s: %w", key, err)
	}
	return nil
}

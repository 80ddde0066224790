// SPDX-License-Identifier: AGPL-3.0-or-later

// Package handlers implements the services of the reference instance:
// ingest, job manager, job-info, job-list, the KVS and configuration
// endpoints and the execution shell services of running jobs.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/server/requestctx"
	"golang.org/x/sys/unix"
)

// Request is one decoded RPC.
type Request struct {
	Topic   string
	Payload json.RawMessage
	Cred    requestctx.Cred
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return broker.Errorf(unix.EPROTO, "%s: malformed request: %v", r.Topic, err)
	}
	return nil
}

// Handler answers a request with a single response payload.
type Handler func(ctx context.Context, req *Request) (any, error)

// Sender delivers one response of a streaming request.
type Sender func(payload any) error

// StreamHandler answers with any number of responses. Returning nil ends
// the stream with ENODATA.
type StreamHandler func(ctx context.Context, req *Request, send Sender) error

type route struct {
	pattern string
	handler Handler
	stream  StreamHandler
}

// Registry maps topics to handlers. Topics are matched exactly first, then
// against glob patterns in registration order.
type Registry struct {
	owner int

	mu       sync.RWMutex
	exact    map[string]route
	patterns []route
}

// NewRegistry returns an empty registry. owner is the instance owner uid
// used for in-process calls.
func NewRegistry(owner int) *Registry {
	return &Registry{owner: owner, exact: make(map[string]route)}
}

func (r *Registry) add(rt route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isPattern(rt.pattern) {
		r.patterns = append(r.patterns, rt)
		return
	}
	r.exact[rt.pattern] = rt
}

func isPattern(topic string) bool {
	for _, c := range topic {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// Handle registers a request/response handler.
func (r *Registry) Handle(topic string, h Handler) {
	r.add(route{pattern: topic, handler: h})
}

// Stream registers a streaming handler.
func (r *Registry) Stream(topic string, h StreamHandler) {
	r.add(route{pattern: topic, stream: h})
}

// Lookup finds the handler of topic. Exactly one of the returned handlers
// is set when ok.
func (r *Registry) Lookup(topic string) (Handler, StreamHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.exact[topic]; ok {
		return rt.handler, rt.stream, true
	}
	for _, rt := range r.patterns {
		if ok, _ := path.Match(rt.pattern, topic); ok {
			return rt.handler, rt.stream, true
		}
	}
	return nil, nil, false
}

// Call invokes a request/response handler in process, as the credentials
// found on ctx or else as the instance owner. It lets the instance hand
// its own services to plugins as a broker.Caller.
func (r *Registry) Call(ctx context.Context, topic string, payload, out any) error {
	h, stream, ok := r.Lookup(topic)
	if !ok {
		return broker.Errorf(unix.ENOSYS, "%s: unknown service method", topic)
	}
	if h == nil && stream != nil {
		return broker.Errorf(unix.EPROTO, "%s: streaming method called without streaming", topic)
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", topic, err)
		}
		raw = data
	}
	resp, err := h(ctx, &Request{
		Topic:   topic,
		Payload: raw,
		Cred:    requestctx.CredFromContext(ctx, r.owner),
	})
	if err != nil {
		return broker.FromError(err)
	}
	if out == nil || resp == nil {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("%s: encode response: %w", topic, err)
	}
	return json.Unmarshal(data, out)
}

var _ broker.Caller = (*Registry)(nil)

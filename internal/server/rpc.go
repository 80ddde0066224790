// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/server/authz"
	"github.com/flux-framework/flux-core-sub001/internal/server/handlers"
	"github.com/flux-framework/flux-core-sub001/internal/server/requestctx"
	"github.com/flux-framework/flux-core-sub001/internal/server/response"
	"github.com/flux-framework/flux-core-sub001/internal/server/sse"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/sys/unix"
)

const cancelSuffix = "-cancel"

// stream is one in-flight streaming request.
type stream struct {
	topic  string
	userid int
	cancel context.CancelFunc
}

// rpcHandler dispatches POST /rpc/{topic} to the service registry.
type rpcHandler struct {
	reg        *handlers.Registry
	owner      int
	keepAlive  time.Duration
	maxPayload int64

	mu      sync.Mutex
	streams map[string]stream
}

func newRPCHandler(reg *handlers.Registry, owner int, keepAlive time.Duration, maxPayload int64) *rpcHandler {
	return &rpcHandler{
		reg:        reg,
		owner:      owner,
		keepAlive:  keepAlive,
		maxPayload: maxPayload,
		streams:    make(map[string]stream),
	}
}

func (h *rpcHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	be := broker.FromError(err)
	requestctx.SetErrnum(r.Context(), be.Errnum)
	response.Error(w, be)
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	cred := requestctx.CredFromContext(r.Context(), h.owner)
	if !authz.Allowed(topic, cred.Owner) {
		h.fail(w, r, broker.Errorf(unix.EPERM, "%s: requires instance owner", topic))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxPayload+1))
	if err != nil {
		h.fail(w, r, broker.Errorf(unix.EPROTO, "%s: read request: %v", topic, err))
		return
	}
	if int64(len(payload)) > h.maxPayload {
		h.fail(w, r, broker.Errorf(unix.EINVAL, "%s: request exceeds %d bytes", topic, h.maxPayload))
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		h.fail(w, r, broker.Errorf(unix.EPROTO, "%s: request is not valid JSON", topic))
		return
	}
	req := &handlers.Request{Topic: topic, Payload: payload, Cred: cred}

	fn, streamFn, ok := h.reg.Lookup(topic)
	if !ok && strings.HasSuffix(topic, cancelSuffix) {
		if _, s, found := h.reg.Lookup(strings.TrimSuffix(topic, cancelSuffix)); found && s != nil {
			h.serveCancel(w, r, req)
			return
		}
	}
	streaming := r.Header.Get(broker.HeaderStreaming) == "1"
	switch {
	case !ok:
		h.fail(w, r, broker.Errorf(unix.ENOSYS, "%s: unknown service method", topic))
	case streamFn != nil && !streaming:
		h.fail(w, r, broker.Errorf(unix.EPROTO, "%s: method requires a streaming request", topic))
	case streamFn != nil:
		h.serveStream(w, r, req, streamFn)
	case streaming:
		h.fail(w, r, broker.Errorf(unix.EPROTO, "%s: method does not stream", topic))
	default:
		resp, err := fn(r.Context(), req)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		response.JSON(w, resp)
	}
}

// serveStream frames the responses of a streaming method. A clean end, or
// a cancel request, terminates the stream with ENODATA.
func (h *rpcHandler) serveStream(w http.ResponseWriter, r *http.Request, req *handlers.Request, fn handlers.StreamHandler) {
	sw, err := sse.NewWriter(w)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tag := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	requestctx.SetMatchtag(ctx, tag)
	h.mu.Lock()
	h.streams[tag] = stream{topic: req.Topic, userid: req.Cred.UserID, cancel: cancel}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.streams, tag)
		h.mu.Unlock()
	}()

	if err := sw.Matchtag(tag); err != nil {
		return
	}
	go sw.KeepAlive(ctx, h.keepAlive)

	err = fn(ctx, req, func(payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return sw.Response(data)
	})
	be := broker.ErrNoData
	if err != nil && ctx.Err() == nil {
		be = broker.FromError(err)
	}
	if errors.Is(be, unix.ENODATA) {
		be = broker.ErrNoData
	} else {
		requestctx.SetErrnum(ctx, be.Errnum)
	}
	data, _ := json.Marshal(be)
	_ = sw.End(data)
}

// serveCancel ends the stream named by matchtag. Only the caller who
// opened the stream, or the owner, may cancel it.
func (h *rpcHandler) serveCancel(w http.ResponseWriter, r *http.Request, req *handlers.Request) {
	var p struct {
		Matchtag string `json:"matchtag"`
	}
	if err := req.Decode(&p); err != nil {
		h.fail(w, r, err)
		return
	}
	requestctx.SetMatchtag(r.Context(), p.Matchtag)
	base := strings.TrimSuffix(req.Topic, cancelSuffix)
	h.mu.Lock()
	s, ok := h.streams[p.Matchtag]
	h.mu.Unlock()
	switch {
	case !ok || s.topic != base:
		h.fail(w, r, broker.Errorf(unix.ENOENT, "%s: no stream with matchtag %q", base, p.Matchtag))
		return
	case !req.Cred.Owner && req.Cred.UserID != s.userid:
		h.fail(w, r, broker.Errorf(unix.EPERM, "%s: stream belongs to another user", base))
		return
	}
	s.cancel()
	response.JSON(w, nil)
}

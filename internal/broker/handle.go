// SPDX-License-Identifier: AGPL-3.0-or-later

// Package broker is the client side of the broker transport: connectors,
// RPC and streaming futures, and the errno-based error model.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/reactor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Protocol constants shared with the server side.
const (
	RPCPrefix       = "/rpc/"
	HeaderStreaming = "X-Flux-Streaming"
	ContentType     = "application/json"
	EnvURI          = "FLUX_URI"
)

// ErrNoURI is returned by Open when no endpoint was given and FLUX_URI is unset.
var ErrNoURI = errors.New("broker: FLUX_URI is not set")

// Handle is an open connection to one broker. A handle is safe for
// concurrent use; components that need isolation (validator workers) open
// one handle each.
type Handle struct {
	ep      Endpoint
	client  *http.Client
	r       *reactor.Reactor
	log     logrus.FieldLogger
	ctx     context.Context
	cancel  context.CancelFunc
	attrMu  sync.Mutex
	attrs   map[string]string
	timeout time.Duration
}

// Option configures Open.
type Option func(*Handle)

// WithReactor attaches an existing reactor to the handle.
func WithReactor(r *reactor.Reactor) Option {
	return func(h *Handle) {
		h.r = r
	}
}

// WithLogger sets the handle logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(h *Handle) {
		if log != nil {
			h.log = log
		}
	}
}

// WithConnectTimeout bounds connection establishment.
func WithConnectTimeout(d time.Duration) Option {
	return func(h *Handle) {
		h.timeout = d
	}
}

// Open returns a handle for uri, or FLUX_URI when uri is empty. No
// connection is made until the first RPC.
func Open(uri string, opts ...Option) (*Handle, error) {
	if uri == "" {
		uri = os.Getenv(EnvURI)
	}
	if uri == "" {
		return nil, ErrNoURI
	}
	ep, err := ParseEndpoint(uri)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		ep:      ep,
		log:     logrus.StandardLogger(),
		attrs:   map[string]string{},
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.WithField("uri", ep.Raw)
	if h.r == nil {
		h.r = reactor.New(h.log)
	}
	dial := ep.Dialer()
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			if h.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, h.timeout)
				defer cancel()
			}
			return dial(ctx)
		},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
	}
	h.client = &http.Client{Transport: transport}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// URI returns the endpoint the handle was opened with.
func (h *Handle) URI() string { return h.ep.Raw }

// Endpoint returns the parsed endpoint.
func (h *Handle) Endpoint() Endpoint { return h.ep }

// Reactor returns the reactor futures of this handle are bound to.
func (h *Handle) Reactor() *reactor.Reactor { return h.r }

// Close aborts in-flight requests and releases idle connections.
func (h *Handle) Close() error {
	h.cancel()
	h.client.CloseIdleConnections()
	return nil
}

// Future is the pending result of an RPC. Values delivered through the
// embedded reactor future are json.RawMessage payloads.
type Future struct {
	*reactor.Future
	Topic string
}

// Get waits for the next payload.
func (f *Future) Get(ctx context.Context) (json.RawMessage, error) {
	v, err := f.Future.Get(ctx)
	if err != nil {
		return nil, err
	}
	raw, _ := v.(json.RawMessage)
	return raw, nil
}

// Decode waits for the next payload and unmarshals it into out.
func (f *Future) Decode(ctx context.Context, out any) error {
	raw, err := f.Get(ctx)
	if err != nil {
		return err
	}
	return Unmarshal(raw, out)
}

// Unmarshal decodes a payload delivered to a continuation.
func Unmarshal(value any, out any) error {
	raw, ok := value.(json.RawMessage)
	if !ok {
		return fmt.Errorf("broker: unexpected payload type %T", value)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Errnum: int(unix.EPROTO), Errstr: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}

// requestContext ties ctx to the lifetime of the handle.
func (h *Handle) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(h.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *Handle) post(ctx context.Context, topic string, payload any, streaming bool) (*http.Response, error) {
	body := []byte("{}")
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("broker: encode %s request: %w", topic, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://flux"+RPCPrefix+topic, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	if streaming {
		req.Header.Set(HeaderStreaming, "1")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &Error{Errnum: int(unix.ETIMEDOUT), Errstr: fmt.Sprintf("%s: timed out", topic)}
			}
			return nil, ErrCanceled
		}
		return nil, transportError(h.ep.Raw, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var be Error
	if err := json.Unmarshal(data, &be); err != nil || be.Errnum == 0 {
		return &Error{Errnum: int(unix.EPROTO), Errstr: fmt.Sprintf("unexpected response status %s", resp.Status)}
	}
	return &be
}

// RPC sends a request and returns a future fulfilled with the response
// payload. ctx bounds the request itself; it is independent of any timeout
// used later with Get.
func (h *Handle) RPC(ctx context.Context, topic string, payload any) *Future {
	f := &Future{Future: h.r.NewFuture(), Topic: topic}
	rctx, cancel := h.requestContext(ctx)
	log := h.log.WithField("topic", topic)
	go func() {
		defer cancel()
		resp, err := h.post(rctx, topic, payload, false)
		if err != nil {
			log.WithError(err).Debug("rpc failed")
			f.Fulfill(nil, err)
			return
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			f.Fulfill(nil, transportError(h.ep.Raw, err))
			return
		}
		log.Trace("rpc ok")
		f.Fulfill(json.RawMessage(data), nil)
	}()
	return f
}

// Caller issues synchronous RPCs. *Handle implements it; the reference
// instance implements it in process for its own services.
type Caller interface {
	Call(ctx context.Context, topic string, payload, out any) error
}

// Call is the synchronous form of RPC.
func (h *Handle) Call(ctx context.Context, topic string, payload, out any) error {
	f := h.RPC(ctx, topic, payload)
	defer f.Destroy()
	return f.Decode(ctx, out)
}

// StreamRPC sends a streaming request. The future delivers each response
// payload and ends with ErrNoData on a clean end of stream. Cancel sends
// "<topic>-cancel" for the stream's matchtag.
func (h *Handle) StreamRPC(ctx context.Context, topic string, payload any) *Future {
	f := &Future{Future: h.r.NewStream(), Topic: topic}
	rctx, cancel := h.requestContext(ctx)
	st := &streamState{h: h, topic: topic}
	f.SetCancel(st.cancel)
	log := h.log.WithField("topic", topic)
	go func() {
		defer cancel()
		resp, err := h.post(rctx, topic, payload, true)
		if err != nil {
			f.Fulfill(nil, err)
			return
		}
		defer resp.Body.Close()
		rd := newSSEReader(resp.Body)
		for {
			ev, err := rd.Next()
			if err != nil {
				if rctx.Err() != nil {
					f.Fulfill(nil, ErrCanceled)
					return
				}
				if errors.Is(err, io.EOF) {
					err = &Error{Errnum: int(unix.EPROTO), Errstr: topic + ": stream closed without end marker"}
				}
				f.Fulfill(nil, err)
				return
			}
			switch ev.Event {
			case StreamMatchtag:
				log = log.WithField("matchtag", ev.Data)
				st.setMatchtag(ev.Data)
			case StreamResponse:
				f.Fulfill(json.RawMessage(ev.Data), nil)
			case StreamError:
				var be Error
				if err := json.Unmarshal([]byte(ev.Data), &be); err != nil || be.Errnum == 0 {
					be = Error{Errnum: int(unix.EPROTO), Errstr: "malformed stream error"}
				}
				log.WithField("errnum", be.Errnum).Trace("stream ended")
				f.Fulfill(nil, &be)
				return
			}
		}
	}()
	return f
}

type streamState struct {
	h        *Handle
	topic    string
	mu       sync.Mutex
	matchtag string
	pending  bool
}

func (s *streamState) setMatchtag(tag string) {
	s.mu.Lock()
	s.matchtag = tag
	send := s.pending
	s.pending = false
	s.mu.Unlock()
	if send {
		s.sendCancel(tag)
	}
}

func (s *streamState) cancel() {
	s.mu.Lock()
	tag := s.matchtag
	if tag == "" {
		s.pending = true
	}
	s.mu.Unlock()
	if tag != "" {
		s.sendCancel(tag)
	}
}

func (s *streamState) sendCancel(tag string) {
	f := s.h.RPC(context.Background(), s.topic+"-cancel", map[string]string{"matchtag": tag})
	go func() {
		defer f.Destroy()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := f.Get(ctx); err != nil {
			s.h.log.WithError(err).WithField("topic", s.topic).Debug("cancel request failed")
		}
	}()
}

// Attr returns a broker attribute, caching the answer.
func (h *Handle) Attr(ctx context.Context, name string) (string, error) {
	h.attrMu.Lock()
	if v, ok := h.attrs[name]; ok {
		h.attrMu.Unlock()
		return v, nil
	}
	h.attrMu.Unlock()
	var resp struct {
		Value string `json:"value"`
	}
	if err := h.Call(ctx, "attr.get", map[string]string{"name": name}, &resp); err != nil {
		return "", err
	}
	h.attrMu.Lock()
	h.attrs[name] = resp.Value
	h.attrMu.Unlock()
	return resp.Value, nil
}

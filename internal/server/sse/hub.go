// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse fans journaled eventlog entries out to streaming watchers and
// frames streaming RPC responses as server-sent events.
package sse

import (
	"context"
	"strconv"
	"sync"

	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
)

const defaultBufferSize = 256

// Event is one eventlog entry together with its journal sequence number.
type Event struct {
	Seq   int64
	Event eventlog.Event
}

// Config controls Hub behaviour.
type Config struct {
	// BufferSize is the per-subscriber channel capacity. A subscriber that
	// falls further behind is flagged as lagged and must resync from the
	// journal.
	BufferSize int
}

// Hub multiplexes live eventlog entries to subscribers keyed by Key.
type Hub struct {
	cfg     Config
	mu      sync.RWMutex
	streams map[string]*stream
}

// Subscription is an active watch on one key. C is never closed; watchers
// stop on their own context.
type Subscription struct {
	C <-chan Event

	sub    *subscriber
	stream *stream
	hub    *Hub
	key    string
	once   sync.Once
}

// New creates a Hub with defaults.
func New(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Hub{cfg: cfg, streams: make(map[string]*stream)}
}

// Key names the stream of one job eventlog.
func Key(job jobid.ID, path string) string {
	return path + "@" + strconv.FormatUint(uint64(job), 10)
}

// Publish broadcasts ev to the current subscribers of key. Publishing never
// blocks: a full subscriber is marked lagged and skipped.
func (h *Hub) Publish(key string, ev Event) {
	h.mu.RLock()
	st := h.streams[key]
	h.mu.RUnlock()
	if st != nil {
		st.broadcast(ev)
	}
}

// Subscribe registers a subscriber for key. The subscription ends when ctx
// is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, key string) *Subscription {
	ch := make(chan Event, h.cfg.BufferSize)
	sub := &subscriber{ch: ch}

	h.mu.Lock()
	st, ok := h.streams[key]
	if !ok {
		st = &stream{subscribers: make(map[*subscriber]struct{})}
		h.streams[key] = st
	}
	st.mu.Lock()
	st.subscribers[sub] = struct{}{}
	st.mu.Unlock()
	h.mu.Unlock()

	s := &Subscription{C: ch, sub: sub, stream: st, hub: h, key: key}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			s.Close()
		}()
	}
	return s
}

// Lagged reports whether events were dropped since the last call, and
// clears the flag.
func (s *Subscription) Lagged() bool {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	lagged := s.sub.lagged
	s.sub.lagged = false
	return lagged
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.key, s.stream, s.sub)
	})
}

// Subscribers returns the number of live subscribers of key.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.streams[key]
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subscribers)
}

func (h *Hub) remove(key string, st *stream, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st.mu.Lock()
	delete(st.subscribers, sub)
	empty := len(st.subscribers) == 0
	st.mu.Unlock()
	if empty && h.streams[key] == st {
		delete(h.streams, key)
	}
}

type stream struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan Event
	lagged bool
}

func (st *stream) broadcast(ev Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for sub := range st.subscribers {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged = true
		}
	}
}

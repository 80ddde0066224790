// SPDX-License-Identifier: AGPL-3.0-or-later
package sse

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
)

// DefaultKeepAlive is the comment interval used by KeepAlive when zero.
const DefaultKeepAlive = 15 * time.Second

// ErrNoFlusher is returned when the response writer cannot stream.
var ErrNoFlusher = errors.New("sse: response writer does not support flushing")

// Writer frames one streaming RPC response. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	f      http.Flusher
	closed bool
}

// NewWriter sends the event-stream headers and returns a Writer.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &Writer{w: w, f: f}, nil
}

// Matchtag announces the stream's matchtag.
func (sw *Writer) Matchtag(tag string) error {
	return sw.write(formatEvent(broker.StreamMatchtag, tag))
}

// Response sends one response payload.
func (sw *Writer) Response(data []byte) error {
	return sw.write(formatEvent(broker.StreamResponse, string(data)))
}

// End terminates the stream with the error event. Further writes fail.
func (sw *Writer) End(data []byte) error {
	err := sw.write(formatEvent(broker.StreamError, string(data)))
	sw.mu.Lock()
	sw.closed = true
	sw.mu.Unlock()
	return err
}

// KeepAlive writes comment lines every interval until ctx is done.
func (sw *Writer) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepAlive
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if sw.write([]byte(":keep-alive\n\n")) != nil {
				return
			}
		}
	}
}

func (sw *Writer) write(frame []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return http.ErrBodyNotAllowed
	}
	if _, err := sw.w.Write(frame); err != nil {
		sw.closed = true
		return err
	}
	sw.f.Flush()
	return nil
}

func formatEvent(event, data string) []byte {
	var builder strings.Builder
	builder.WriteString("event: ")
	builder.WriteString(event)
	builder.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		builder.WriteString("data: ")
		builder.WriteString(line)
		builder.WriteByte('\n')
	}
	builder.WriteByte('\n')
	return []byte(builder.String())
}

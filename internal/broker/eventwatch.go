// SPDX-License-Identifier: AGPL-3.0-or-later
package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/flux-framework/flux-core-sub001/internal/eventlog"
	"github.com/flux-framework/flux-core-sub001/internal/jobid"
)

// Event-watch request flags.
const (
	WatchWaitCreate = 1 << iota
	WatchSentinel
)

// TopicEventWatch is the streaming event-watch service method.
const TopicEventWatch = "job-info.event-watch"

// EventWatchRequest is the event-watch request payload.
type EventWatchRequest struct {
	ID       jobid.ID `json:"id"`
	Eventlog string   `json:"eventlog"`
	Flags    int      `json:"flags"`
}

// EventWatcher iterates over a job eventlog. Next returns a nil event once
// the stream ended cleanly.
type EventWatcher struct {
	f    *Future
	done bool
}

// EventWatch starts watching the eventlog at path (eventlog.Primary or
// eventlog.Exec) of job id.
func (h *Handle) EventWatch(ctx context.Context, id jobid.ID, path string, flags int) *EventWatcher {
	if path == "" {
		path = eventlog.Primary
	}
	req := EventWatchRequest{ID: id, Eventlog: path, Flags: flags}
	return &EventWatcher{f: h.StreamRPC(ctx, TopicEventWatch, req)}
}

// Future exposes the underlying stream for use with reactor continuations.
func (w *EventWatcher) Future() *Future { return w.f }

// Next waits for the next event. It returns (nil, nil) when the stream ended
// with ErrNoData, which is also how a canceled watch ends.
func (w *EventWatcher) Next(ctx context.Context) (*eventlog.Event, error) {
	if w.done {
		return nil, nil
	}
	raw, err := w.f.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			w.done = true
			return nil, nil
		}
		return nil, err
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Cancel asks the service to end the stream. Events already in flight are
// still returned by Next before the end.
func (w *EventWatcher) Cancel() { w.f.Cancel() }

// Close releases the underlying future.
func (w *EventWatcher) Close() { w.f.Destroy() }

// DecodeEvent extracts the event from an event-watch response payload.
func DecodeEvent(value any) (eventlog.Event, error) {
	var resp struct {
		Event eventlog.Event `json:"event"`
	}
	if err := Unmarshal(value, &resp); err != nil {
		return eventlog.Event{}, err
	}
	return resp.Event, nil
}

// EventResponse builds the event-watch response payload for ev.
func EventResponse(ev eventlog.Event) json.RawMessage {
	b, _ := json.Marshal(map[string]eventlog.Event{"event": ev})
	return b
}

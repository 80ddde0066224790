// SPDX-License-Identifier: AGPL-3.0-or-later
package reactor

import (
	"context"
	"errors"
)

// ErrStale is returned when a future handle outlives its arena slot.
var ErrStale = errors.New("reactor: stale future")

// Callback is a continuation run on the reactor goroutine for each result.
// A returned error stops the reactor and is returned from Run.
type Callback func(value any, err error) error

type result struct {
	value any
	err   error
}

type node struct {
	gen       uint32
	used      bool
	streaming bool
	results   []result
	final     *result
	delivered bool
	callbacks []Callback
	reffed    bool
	cancel    func()
	signal    chan struct{}
}

// Future is a handle to an arena-allocated future. Single futures hold one
// result. Streaming futures deliver a sequence of results ending with the
// first error, which for a clean end is the caller's end-of-stream error.
type Future struct {
	r   *Reactor
	idx int
	gen uint32
}

// NewFuture allocates a single-result future.
func (r *Reactor) NewFuture() *Future {
	return r.alloc(false)
}

// NewStream allocates a streaming future.
func (r *Reactor) NewStream() *Future {
	return r.alloc(true)
}

func (r *Reactor) alloc(streaming bool) *Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.nodes = append(r.nodes, node{})
		idx = len(r.nodes) - 1
	}
	nd := &r.nodes[idx]
	gen := nd.gen + 1
	*nd = node{
		gen:       gen,
		used:      true,
		streaming: streaming,
		signal:    make(chan struct{}, 1),
	}
	return &Future{r: r, idx: idx, gen: gen}
}

// Slots returns the arena size and the number of free slots.
func (r *Reactor) Slots() (total, free int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes), len(r.free)
}

// lookup returns the node for f. Caller holds r.mu.
func (f *Future) lookup() *node {
	if f == nil || f.idx >= len(f.r.nodes) {
		return nil
	}
	nd := &f.r.nodes[f.idx]
	if !nd.used || nd.gen != f.gen {
		return nil
	}
	return nd
}

// Fulfill delivers a result. For a single future the first call wins and
// later calls are ignored. For a stream, a non-nil err ends the stream.
func (f *Future) Fulfill(value any, err error) {
	r := f.r
	r.mu.Lock()
	nd := f.lookup()
	if nd == nil || nd.final != nil {
		r.mu.Unlock()
		return
	}
	res := result{value: value, err: err}
	if !nd.streaming || err != nil {
		nd.final = &res
	} else {
		nd.results = append(nd.results, res)
	}
	dispatch := len(nd.callbacks) > 0
	sig := nd.signal
	r.mu.Unlock()

	select {
	case sig <- struct{}{}:
	default:
	}
	if dispatch {
		r.Post(f.dispatch)
	}
}

// Then registers a continuation. Continuations of one future run in
// registration order. A future with continuations and no terminal result
// keeps the reactor active.
func (f *Future) Then(cb Callback) *Future {
	r := f.r
	r.mu.Lock()
	nd := f.lookup()
	if nd == nil {
		r.mu.Unlock()
		r.Post(func() error { return cb(nil, ErrStale) })
		return f
	}
	nd.callbacks = append(nd.callbacks, cb)
	if nd.delivered {
		final := *nd.final
		r.mu.Unlock()
		r.Post(func() error { return cb(final.value, final.err) })
		return f
	}
	if !nd.reffed {
		nd.reffed = true
		r.active++
	}
	pending := len(nd.results)
	if nd.final != nil {
		pending++
	}
	r.mu.Unlock()
	for i := 0; i < pending; i++ {
		r.Post(f.dispatch)
	}
	return f
}

// dispatch runs on the reactor and hands one result to the continuations.
func (f *Future) dispatch() error {
	r := f.r
	r.mu.Lock()
	nd := f.lookup()
	if nd == nil {
		r.mu.Unlock()
		return nil
	}
	var res result
	done := false
	switch {
	case len(nd.results) > 0:
		res = nd.results[0]
		nd.results[0] = result{}
		nd.results = nd.results[1:]
	case nd.final != nil && !nd.delivered:
		res = *nd.final
		nd.delivered = true
		done = true
	default:
		r.mu.Unlock()
		return nil
	}
	cbs := append([]Callback(nil), nd.callbacks...)
	unref := done && nd.reffed
	if unref {
		nd.reffed = false
	}
	r.mu.Unlock()

	var err error
	for _, cb := range cbs {
		if err = cb(res.value, res.err); err != nil {
			break
		}
	}
	if unref {
		r.Unref()
	}
	return err
}

// Get waits for the next result. For single futures the cached result is
// returned on every call. For streams each call consumes one result; once
// the stream has ended, its terminal error is returned on every call.
func (f *Future) Get(ctx context.Context) (any, error) {
	r := f.r
	for {
		r.mu.Lock()
		nd := f.lookup()
		if nd == nil {
			r.mu.Unlock()
			return nil, ErrStale
		}
		if len(nd.results) > 0 {
			res := nd.results[0]
			nd.results[0] = result{}
			nd.results = nd.results[1:]
			r.mu.Unlock()
			return res.value, res.err
		}
		if nd.final != nil {
			res := *nd.final
			r.mu.Unlock()
			return res.value, res.err
		}
		sig := nd.signal
		r.mu.Unlock()
		select {
		case <-sig:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ready reports whether Get would return without waiting.
func (f *Future) Ready() bool {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	nd := f.lookup()
	return nd != nil && (len(nd.results) > 0 || nd.final != nil)
}

// SetCancel installs the function invoked by Cancel.
func (f *Future) SetCancel(fn func()) {
	f.r.mu.Lock()
	if nd := f.lookup(); nd != nil {
		nd.cancel = fn
	}
	f.r.mu.Unlock()
}

// Cancel invokes the cancel hook once. The stream still ends through
// Fulfill, normally after in-flight results drain.
func (f *Future) Cancel() {
	f.r.mu.Lock()
	var fn func()
	if nd := f.lookup(); nd != nil {
		fn = nd.cancel
		nd.cancel = nil
	}
	f.r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Destroy releases the arena slot. The handle and any copies become stale.
func (f *Future) Destroy() {
	r := f.r
	r.mu.Lock()
	nd := f.lookup()
	if nd == nil {
		r.mu.Unlock()
		return
	}
	if nd.reffed && r.active > 0 {
		r.active--
	}
	gen := nd.gen
	*nd = node{gen: gen}
	r.free = append(r.free, f.idx)
	r.mu.Unlock()
	r.notify()
}

// Reactor returns the owning reactor.
func (f *Future) Reactor() *Reactor {
	return f.r
}

// SPDX-License-Identifier: AGPL-3.0-or-later
package reactor

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"
)

// Watcher is an event source feeding the reactor. A started watcher holds a
// reactor reference until it is stopped or unreferenced.
type Watcher struct {
	r       *Reactor
	mu      sync.Mutex
	reffed  bool
	stopped bool
	stopFn  func()
}

func (r *Reactor) newWatcher() *Watcher {
	r.Ref()
	return &Watcher{r: r, reffed: true}
}

// Unref lets Run return on idle even though the watcher is still running.
func (w *Watcher) Unref() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reffed {
		w.reffed = false
		w.r.Unref()
	}
}

// Stop releases the watcher's resources. Events already posted may still run.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	fn := w.stopFn
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
	w.Unref()
}

func (w *Watcher) active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopped
}

// WatchSignals delivers the given signals to fn on the reactor goroutine.
func (r *Reactor) WatchSignals(fn func(os.Signal) error, sigs ...os.Signal) *Watcher {
	w := r.newWatcher()
	ch := make(chan os.Signal, 4)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)
	w.stopFn = func() {
		signal.Stop(ch)
		close(done)
	}
	go func() {
		for {
			select {
			case sig := <-ch:
				r.Post(func() error {
					if !w.active() {
						return nil
					}
					return fn(sig)
				})
			case <-done:
				return
			}
		}
	}()
	return w
}

// ReaderFunc receives a chunk read from a watched reader. eof is set once,
// on the final call, with an empty chunk.
type ReaderFunc func(data []byte, eof bool) error

// WatchReader reads rd on a helper goroutine and delivers each chunk to fn on
// the reactor goroutine. The watcher stops itself after EOF.
func (r *Reactor) WatchReader(rd io.Reader, fn ReaderFunc) *Watcher {
	w := r.newWatcher()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := rd.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				r.Post(func() error {
					if !w.active() {
						return nil
					}
					return fn(chunk, false)
				})
			}
			if err != nil {
				r.Post(func() error {
					if !w.active() {
						return nil
					}
					defer w.Stop()
					if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
						return fn(nil, true)
					}
					return err
				})
				return
			}
			if !w.active() {
				return
			}
		}
	}()
	return w
}

// AfterFunc runs fn on the reactor goroutine after d.
func (r *Reactor) AfterFunc(d time.Duration, fn func() error) *Watcher {
	w := r.newWatcher()
	t := time.AfterFunc(d, func() {
		r.Post(func() error {
			if !w.active() {
				return nil
			}
			defer w.Stop()
			return fn()
		})
	})
	w.mu.Lock()
	w.stopFn = func() { t.Stop() }
	w.mu.Unlock()
	return w
}

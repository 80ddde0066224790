// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reactor implements a cooperative single-goroutine event loop.
//
// Producers running on other goroutines (RPC readers, signal and fd
// watchers, timers) never invoke user code directly: they post tasks, and
// Run executes those tasks one at a time on the calling goroutine. Futures
// live in an arena owned by the reactor and are referenced by index and
// generation, so a continuation that captures its own future does not form a
// reference cycle.
package reactor

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Task is a unit of work executed on the reactor goroutine.
type Task func() error

// Reactor is the event loop. The zero value is not usable; call New.
type Reactor struct {
	mu      sync.Mutex
	queue   []Task
	wake    chan struct{}
	active  int
	stopped bool
	failed  error
	log     logrus.FieldLogger

	nodes []node
	free  []int
}

// New returns an idle reactor.
func New(log logrus.FieldLogger) *Reactor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reactor{
		wake: make(chan struct{}, 1),
		log:  log.WithField("component", "reactor"),
	}
}

// Post schedules fn to run on the reactor goroutine. It is safe to call from
// any goroutine, including from within a task.
func (r *Reactor) Post(fn Task) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	r.notify()
}

func (r *Reactor) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Ref marks one more active watcher. Run does not return on idle while the
// active count is positive.
func (r *Reactor) Ref() {
	r.mu.Lock()
	r.active++
	r.mu.Unlock()
}

// Unref releases a reference taken with Ref.
func (r *Reactor) Unref() {
	r.mu.Lock()
	if r.active > 0 {
		r.active--
	}
	r.mu.Unlock()
	r.notify()
}

// Active returns the number of active references.
func (r *Reactor) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Stop makes Run return after the current task completes.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.notify()
}

// Run executes tasks until Stop is called, no active references and no
// queued tasks remain, a task returns an error, or ctx is done. The first
// task error is returned.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = false
	r.mu.Unlock()
	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return nil
		}
		if len(r.queue) == 0 {
			idle := r.active == 0
			r.mu.Unlock()
			if idle {
				return nil
			}
			select {
			case <-r.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		fn := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err := fn(); err != nil {
			r.log.WithError(err).Debug("task failed, stopping")
			r.mu.Lock()
			r.stopped = true
			r.failed = err
			r.mu.Unlock()
			return err
		}
	}
}

// Err returns the error that stopped the last Run, if any.
func (r *Reactor) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// SPDX-License-Identifier: AGPL-3.0-or-later
package validator

import (
	"errors"
	"io"
	"sync"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
)

// handlePool keeps one lazily opened connection per worker. A worker is
// one plugin slot, so a connection is never shared by concurrent calls.
type handlePool struct {
	mu      sync.Mutex
	connect func() (broker.Caller, error)
	slots   []broker.Caller
}

func newHandlePool(n int, connect func() (broker.Caller, error)) *handlePool {
	return &handlePool{connect: connect, slots: make([]broker.Caller, n)}
}

func (p *handlePool) get(worker int) (broker.Caller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if worker < 0 || worker >= len(p.slots) {
		return nil, errors.New("validator: worker out of range")
	}
	if c := p.slots[worker]; c != nil {
		return c, nil
	}
	c, err := p.connect()
	if err != nil {
		return nil, err
	}
	p.slots[worker] = c
	return c, nil
}

func (p *handlePool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for i, c := range p.slots {
		if cl, ok := c.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
		p.slots[i] = nil
	}
	return errors.Join(errs...)
}

// SPDX-License-Identifier: AGPL-3.0-or-later

// Package resource wraps the resource service barrier and topology calls.
package resource

import (
	"context"
	"errors"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
)

const (
	TopicWaitUp = "resource.waitup"
	TopicGetXML = "resource.get-xml"
)

// WaitUpRequest asks the service to respond once Up ranks are online.
type WaitUpRequest struct {
	Up int `json:"up"`
}

// Topology is the response of get-xml: one document per rank.
type Topology struct {
	XML []string `json:"xml"`
}

// withTimeout applies d when positive. Expiry surfaces as broker.ErrTimeout.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func timeoutError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return broker.ErrTimeout
	}
	return err
}

// WaitUp blocks until up ranks are online or timeout expires. A zero timeout
// waits indefinitely.
func WaitUp(ctx context.Context, h *broker.Handle, up int, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return timeoutError(h.Call(ctx, TopicWaitUp, WaitUpRequest{Up: up}, nil))
}

// GetXML fetches the per-rank topology documents.
func GetXML(ctx context.Context, h *broker.Handle, timeout time.Duration) ([]string, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	var topo Topology
	if err := h.Call(ctx, TopicGetXML, nil, &topo); err != nil {
		return nil, timeoutError(err)
	}
	return topo.XML, nil
}

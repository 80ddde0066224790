// SPDX-License-Identifier: AGPL-3.0-or-later
package resource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
)

func TestWaitUpTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc(broker.RPCPrefix+TopicWaitUp, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	mux.HandleFunc(broker.RPCPrefix+TopicGetXML, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"xml":["<topology/>"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)
	h, err := broker.Open("tcp://" + strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	err = WaitUp(context.Background(), h, 4, 20*time.Millisecond)
	if !errors.Is(err, broker.ErrTimeout) {
		t.Fatalf("WaitUp = %v, want timeout", err)
	}
	xml, err := GetXML(context.Background(), h, time.Second)
	if err != nil || len(xml) != 1 || xml[0] != "<topology/>" {
		t.Fatalf("GetXML = %v, %v", xml, err)
	}
}

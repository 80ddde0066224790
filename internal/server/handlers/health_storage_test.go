// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flux-framework/flux-core-sub001/internal/coredb"
)

func TestStorageHealthHandlerOK(t *testing.T) {
	handler := &storageHealthHandler{
		stats: func(r *http.Request) (coredb.StorageStats, error) {
			return coredb.StorageStats{
				Driver:        "sqlite",
				OK:            true,
				BytesUsed:     1024,
				MaxBytes:      4096,
				Jobs:          1,
				Events:        3,
				EventlogBytes: 128,
				EventlogLimit: 1 << 20,
				SchemaVersion: 1,
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/health/storage", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected no-store, got %q", cc)
	}
}

func TestStorageHealthHandlerDegraded(t *testing.T) {
	handler := &storageHealthHandler{
		stats: func(r *http.Request) (coredb.StorageStats, error) {
			return coredb.StorageStats{}, errors.New("simulated failure")
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/health/storage", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Errnum int    `json:"errnum"`
		Errstr string `json:"errstr"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Errnum == 0 || body.Errstr == "" {
		t.Fatalf("expected errnum and errstr, got %+v", body)
	}
}

func TestStorageHealthHandlerQuotaExceeded(t *testing.T) {
	handler := &storageHealthHandler{
		stats: func(r *http.Request) (coredb.StorageStats, error) {
			return coredb.StorageStats{Driver: "sqlite", BytesUsed: 8192, MaxBytes: 4096, EvictionActive: true}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/health/storage", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStorageHealthHandlerMethodNotAllowed(t *testing.T) {
	handler := NewStorageHealthHandler(nil)
	req := httptest.NewRequest(http.MethodPost, "/health/storage", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

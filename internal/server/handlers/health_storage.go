// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/flux-framework/flux-core-sub001/internal/broker"
	"github.com/flux-framework/flux-core-sub001/internal/coredb"
	"github.com/flux-framework/flux-core-sub001/internal/server/response"
	"golang.org/x/sys/unix"
)

type storageStatsFunc func(r *http.Request) (coredb.StorageStats, error)

type storageHealthHandler struct {
	stats storageStatsFunc
}

// NewStorageHealthHandler returns an HTTP handler for GET /health/storage
// reporting the state of the instance content store.
func NewStorageHealthHandler(db *coredb.DB) http.Handler {
	return &storageHealthHandler{
		stats: func(r *http.Request) (coredb.StorageStats, error) {
			return coredb.CollectStorageStats(r.Context(), db)
		},
	}
}

func (h *storageHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeStatus(w, http.StatusMethodNotAllowed, map[string]any{"errnum": int(unix.ENOSYS), "errstr": "method not allowed"})
		return
	}

	stats, err := h.stats(r)
	if err != nil {
		writeStatus(w, http.StatusServiceUnavailable, map[string]any{"errnum": int(unix.EIO), "errstr": "storage degraded: " + err.Error()})
		return
	}
	if !stats.OK {
		writeStatus(w, http.StatusServiceUnavailable, map[string]any{
			"errnum":          int(unix.ENOSPC),
			"errstr":          "storage degraded",
			"driver":          stats.Driver,
			"bytes_used":      stats.BytesUsed,
			"max_bytes":       stats.MaxBytes,
			"eviction_active": stats.EvictionActive,
			"schema_version":  stats.SchemaVersion,
		})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	response.JSON(w, stats)
}

func writeStatus(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", broker.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

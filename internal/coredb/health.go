// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"fmt"
)

// StorageStats describes the content store for /health/storage.
// EvictionActive is set once either budget is 90% used.
type StorageStats struct {
	Driver         string `json:"driver"`
	OK             bool   `json:"ok"`
	SchemaVersion  int64  `json:"schema_version"`
	BytesUsed      int64  `json:"bytes_used"`
	MaxBytes       int64  `json:"max_bytes"`
	KVSKeys        int64  `json:"kvs_keys"`
	Jobs           int64  `json:"jobs"`
	Events         int64  `json:"events"`
	EventlogBytes  int64  `json:"eventlog_bytes"`
	EventlogLimit  int64  `json:"eventlog_limit"`
	EvictionActive bool   `json:"eviction_active"`
}

// CollectStorageStats reports how full the store is and what it holds.
func CollectStorageStats(ctx context.Context, db *DB) (StorageStats, error) {
	if db == nil || db.sql == nil {
		return StorageStats{}, ErrUnavailable
	}
	stats := StorageStats{Driver: sqliteDriverName, EventlogLimit: db.opts.JournalMaxBytes}

	var pageSize, pageCount, maxPages int64
	for _, p := range []struct {
		name string
		dst  *int64
	}{
		{"page_size", &pageSize},
		{"page_count", &pageCount},
		{"max_page_count", &maxPages},
		{"user_version", &stats.SchemaVersion},
	} {
		v, err := pragmaInt(ctx, db.sql, p.name)
		if err != nil {
			return stats, fmt.Errorf("coredb: pragma %s: %w", p.name, err)
		}
		*p.dst = v
	}
	stats.BytesUsed = pageCount * pageSize
	stats.MaxBytes = maxPages * pageSize
	if stats.MaxBytes <= 0 {
		stats.MaxBytes = db.opts.MaxBytes
	}

	err := db.sql.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM kvs),
		(SELECT COUNT(DISTINCT job) FROM eventlog),
		(SELECT COUNT(*) FROM eventlog),
		(SELECT COALESCE(SUM(length(payload)), 0) FROM eventlog)`,
	).Scan(&stats.KVSKeys, &stats.Jobs, &stats.Events, &stats.EventlogBytes)
	if err != nil {
		return stats, fmt.Errorf("coredb: table stats: %w", err)
	}

	stats.OK = stats.BytesUsed < stats.MaxBytes &&
		(stats.EventlogLimit <= 0 || stats.EventlogBytes < stats.EventlogLimit)
	stats.EvictionActive = nearLimit(stats.BytesUsed, stats.MaxBytes) ||
		nearLimit(stats.EventlogBytes, stats.EventlogLimit)
	return stats, nil
}

func nearLimit(used, limit int64) bool {
	return limit > 0 && used >= limit*9/10
}

// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"strings"
	"time"
)

const (
	// Persistence operations of the instance store.
	PersistenceOperationKVSGet         = "kvs_get"
	PersistenceOperationKVSCommit      = "kvs_commit"
	PersistenceOperationEventlogAppend = "eventlog_append"
	PersistenceOperationEventlogRead   = "eventlog_read"

	// Persistence outcomes used to categorize latency observations.
	PersistenceOutcomeOK       = "ok"
	PersistenceOutcomeError    = "error"
	PersistenceOutcomeNotFound = "not_found"
	PersistenceOutcomeQuota    = "quota_exceeded"

	persistenceLatency = "persistence.latency"
)

// PersistenceTimer records elapsed time for a persistence operation and
// writes the result when Observe is invoked.
type PersistenceTimer struct {
	operation string
	start     time.Time
	recorded  bool
}

// StartPersistenceTimer returns a timer for the supplied operation.
func StartPersistenceTimer(operation string) *PersistenceTimer {
	op := sanitize(operation)
	if op == "" {
		return nil
	}
	return &PersistenceTimer{
		operation: op,
		start:     time.Now(),
	}
}

// Observe records the latency for the timer using the provided outcome.
func (t *PersistenceTimer) Observe(outcome string) {
	if t == nil || t.recorded {
		return
	}
	t.recorded = true
	o := sanitize(outcome)
	if o == "" {
		o = PersistenceOutcomeOK
	}
	Default.Observe(persistenceLatency, Labels{"operation": t.operation, "outcome": o}, time.Since(t.start))
}

func sanitize(v string) string {
	return strings.TrimSpace(strings.ToLower(v))
}

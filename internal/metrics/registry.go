// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics keeps process-wide counters, gauges and latency
// histograms. The broker exposes them as text on GET /metrics; clients
// can ship counters to statsd.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Labels qualify a metric.
type Labels map[string]string

type key struct {
	name   string
	labels string
}

// Registry collects metrics by dotted name, e.g. "submit.ok".
type Registry struct {
	mu sync.Mutex

	counters   map[key]uint64
	gauges     map[key]int64
	histograms map[key]*histogram
	labelSets  map[string]Labels
	buildInfo  Labels
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[key]uint64),
		gauges:     make(map[key]int64),
		histograms: make(map[key]*histogram),
		labelSets:  make(map[string]Labels),
		buildInfo:  Labels{"version": "dev"},
	}
}

// Default is the process registry.
var Default = NewRegistry()

func (r *Registry) key(name string, labels Labels) key {
	s := labelsToString(labels)
	if _, ok := r.labelSets[s]; !ok && len(labels) > 0 {
		cp := make(Labels, len(labels))
		for k, v := range labels {
			cp[k] = v
		}
		r.labelSets[s] = cp
	}
	return key{name: name, labels: s}
}

// SetBuildInfo merges labels into the build info gauge.
func (r *Registry) SetBuildInfo(labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range labels {
		r.buildInfo[k] = v
	}
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string) {
	r.Add(name, nil, 1)
}

// Add adds delta to a labelled counter.
func (r *Registry) Add(name string, labels Labels, delta uint64) {
	if r == nil || name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[r.key(name, labels)] += delta
}

// Counter returns the current value of a counter.
func (r *Registry) Counter(name string, labels Labels) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key{name: name, labels: labelsToString(labels)}]
}

// GaugeAdd adjusts a gauge, clamping at zero.
func (r *Registry) GaugeAdd(name string, labels Labels, delta int64) {
	if r == nil || name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(name, labels)
	r.gauges[k] += delta
	if r.gauges[k] < 0 {
		r.gauges[k] = 0
	}
}

// Gauge returns the current value of a gauge.
func (r *Registry) Gauge(name string, labels Labels) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[key{name: name, labels: labelsToString(labels)}]
}

// Observe records a latency in the named histogram.
func (r *Registry) Observe(name string, labels Labels, d time.Duration) {
	if r == nil || name == "" || d < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(name, labels)
	h, ok := r.histograms[k]
	if !ok {
		h = newHistogram(latencyBuckets)
		r.histograms[k] = h
	}
	h.observe(d.Seconds())
}

// Snapshot returns the counters by exposition name and labels, for
// statsd flushes and tests.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		out[k.name+k.labels] = v
	}
	return out
}

// Handler writes the registry in the text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_ = r.WriteText(w)
	})
}

// WriteText writes every metric to w, sorted by name.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := bufio.NewWriter(w)

	writeMetricHeader(buf, "flux_build_info", "gauge")
	fmt.Fprintf(buf, "flux_build_info%s 1\n\n", labelsToString(r.buildInfo))

	for _, group := range groupKeys(r.counters) {
		name := exposedName(group[0].name) + "_total"
		writeMetricHeader(buf, name, "counter")
		for _, k := range group {
			fmt.Fprintf(buf, "%s%s %d\n", name, k.labels, r.counters[k])
		}
		buf.WriteByte('\n')
	}
	for _, group := range groupKeys(r.gauges) {
		name := exposedName(group[0].name)
		writeMetricHeader(buf, name, "gauge")
		for _, k := range group {
			fmt.Fprintf(buf, "%s%s %d\n", name, k.labels, r.gauges[k])
		}
		buf.WriteByte('\n')
	}
	for _, group := range groupKeys(r.histograms) {
		name := exposedName(group[0].name) + "_seconds"
		writeMetricHeader(buf, name, "histogram")
		for _, k := range group {
			r.histograms[k].write(buf, name, r.labelSets[k.labels])
		}
		buf.WriteByte('\n')
	}
	return buf.Flush()
}

// groupKeys returns the keys of m grouped by name, names and label sets
// in sorted order.
func groupKeys[V any](m map[key]V) [][]key {
	keys := make([]key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].labels < keys[j].labels
	})
	var out [][]key
	for i, k := range keys {
		if i == 0 || k.name != keys[i-1].name {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], k)
	}
	return out
}

// exposedName maps "submit.ok" to "flux_submit_ok".
func exposedName(name string) string {
	name = strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToLower(name))
	return "flux_" + name
}

func writeMetricHeader(buf *bufio.Writer, name, metricType string) {
	fmt.Fprintf(buf, "# TYPE %s %s\n", name, metricType)
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: append([]float64(nil), buckets...),
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(v float64) {
	for i, upper := range h.buckets {
		if v <= upper {
			h.counts[i]++
		}
	}
	h.count++
	h.sum += v
}

func (h *histogram) write(buf *bufio.Writer, name string, labels Labels) {
	for i, upper := range h.buckets {
		fmt.Fprintf(buf, "%s_bucket%s %d\n", name, labelsWithLE(labels, upper), h.counts[i])
	}
	fmt.Fprintf(buf, "%s_bucket%s %d\n", name, labelsWithLE(labels, math.Inf(1)), h.count)
	fmt.Fprintf(buf, "%s_sum%s %g\n", name, labelsToString(labels), h.sum)
	fmt.Fprintf(buf, "%s_count%s %d\n", name, labelsToString(labels), h.count)
}

func labelsWithLE(labels Labels, le float64) string {
	cp := make(Labels, len(labels)+1)
	for k, v := range labels {
		cp[k] = v
	}
	if math.IsInf(le, 1) {
		cp["le"] = "+Inf"
	} else {
		cp["le"] = strconv.FormatFloat(le, 'f', -1, 64)
	}
	return labelsToString(cp)
}

func labelsToString(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(labels))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

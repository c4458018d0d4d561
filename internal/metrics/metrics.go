// Package metrics is a counter/gauge/histogram registry, extended with
// pool-level gauges (pool_healthy_backends, pool_connections) so Pool and
// HealthChecker can report through the same Prometheus text exposition the
// proxies already use, instead of a second metrics library.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds metrics.
type Registry struct {
	mu sync.RWMutex
	// Key is "name|labels"
	counters   map[string]uint64
	gauges     map[string]int64
	histograms map[string]*Histogram
}

type Histogram struct {
	Count   uint64
	Sum     float64
	Buckets []float64
	Counts  []uint64
}

var gaugeHelp = map[string]string{
	"active_connections":      "Number of active connections",
	"pool_healthy_backends":   "Number of healthy backends in a pool",
	"pool_unhealthy_backends": "Number of unhealthy backends in a pool",
	"pool_connections":        "Sum of current_connections across a pool's backends",
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]int64),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) IncRequest(service, route, method, status string) {
	key := fmt.Sprintf("requests_total|service=\"%s\",route=\"%s\",method=\"%s\",status=\"%s\"", service, route, method, status)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) IncActiveConns(listener, service string) {
	key := fmt.Sprintf("active_connections|listener=\"%s\",service=\"%s\"", listener, service)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key]++
}

func (r *Registry) DecActiveConns(listener, service string) {
	key := fmt.Sprintf("active_connections|listener=\"%s\",service=\"%s\"", listener, service)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key]--
}

// SetPoolHealthyBackends records the healthy-backend count for a pool,
// replacing any earlier value.
func (r *Registry) SetPoolHealthyBackends(pool string, count int64) {
	r.setGauge(fmt.Sprintf("pool_healthy_backends|pool=\"%s\"", pool), count)
}

// SetPoolUnhealthyBackends mirrors SetPoolHealthyBackends for the
// unhealthy count.
func (r *Registry) SetPoolUnhealthyBackends(pool string, count int64) {
	r.setGauge(fmt.Sprintf("pool_unhealthy_backends|pool=\"%s\"", pool), count)
}

// SetPoolConnections records the sum of current_connections across a
// pool's backends.
func (r *Registry) SetPoolConnections(pool string, count int64) {
	r.setGauge(fmt.Sprintf("pool_connections|pool=\"%s\"", pool), count)
}

func (r *Registry) setGauge(key string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key] = value
}

func (r *Registry) ObserveLatency(service, route string, duration time.Duration) {
	key := fmt.Sprintf("upstream_latency_seconds|service=\"%s\",route=\"%s\"", service, route)
	val := duration.Seconds()

	// Default buckets: .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{
			Buckets: buckets,
			Counts:  make([]uint64, len(buckets)),
		}
		r.histograms[key] = h
	}

	h.Count++
	h.Sum += val
	for i, b := range h.Buckets {
		if val <= b {
			h.Counts[i]++
		}
	}
}

// splitKey separates a "name|labels" key into its two parts.
func splitKey(k string) (name, labels string, ok bool) {
	parts := strings.SplitN(k, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.counters))
	for k := range r.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeGroupedByName(w, keys, "counter", map[string]string{"requests_total": "Total number of requests"}, func(name, labels string) {
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, r.counters[name+"|"+labels])
	})

	keys = make([]string, 0, len(r.gauges))
	for k := range r.gauges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeGroupedByName(w, keys, "gauge", gaugeHelp, func(name, labels string) {
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, r.gauges[name+"|"+labels])
	})

	keys = make([]string, 0, len(r.histograms))
	for k := range r.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeGroupedByName(w, keys, "histogram", map[string]string{"upstream_latency_seconds": "Upstream latency in seconds"}, func(name, labels string) {
		h := r.histograms[name+"|"+labels]
		for i, b := range h.Buckets {
			_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, b, h.Counts[i])
		}
		_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count)
		_, _ = fmt.Fprintf(w, "%s_sum{%s} %g\n", name, labels, h.Sum)
		_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.Count)
	})
}

// writeGroupedByName prints one HELP/TYPE header per distinct metric name
// found in keys, then each key's sample line via emit, preserving the
// sorted order callers already produced.
func writeGroupedByName(w io.Writer, keys []string, typ string, help map[string]string, emit func(name, labels string)) {
	seen := make(map[string]bool)
	for _, k := range keys {
		name, labels, ok := splitKey(k)
		if !ok {
			continue
		}
		if !seen[name] {
			seen[name] = true
			if h, ok := help[name]; ok {
				_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, h)
			}
			_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
		}
		emit(name, labels)
	}
}

// Copyright 2025 PuddleJumper
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides the process-wide metric registry for the control
// plane: counters, gauges and fixed-bucket histograms with Prometheus text
// exposition. The registry is initialized once at startup and offers Reset
// for test isolation.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Metric type labels used in snapshots and exposition.
const (
	TypeCounter   = "counter"
	TypeGauge     = "gauge"
	TypeHistogram = "histogram"
)

// DefaultBuckets are the histogram boundaries used when none are supplied.
// Seconds-scale, suitable for approval latencies.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600, math.Inf(1)}

// Sample is one entry of a flat registry snapshot.
type Sample struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

type histogram struct {
	boundaries []float64 // ascending, last is +Inf
	counts     []float64 // cumulative per boundary
	sum        float64
	count      float64
}

func (h *histogram) observe(v float64) {
	h.sum += v
	h.count++
	for i, b := range h.boundaries {
		if v <= b {
			h.counts[i]++
		}
	}
}

// Registry collects named series. All methods are safe for concurrent use;
// increments take the registry lock, which is cheap at the call rates of an
// approval plane.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
}

// NewRegistry creates an empty metric registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

// RegisterHistogram declares a histogram series with explicit bucket
// boundaries. Boundaries must ascend; a trailing +Inf bucket is appended when
// missing. Re-registering an existing name is a no-op.
func (r *Registry) RegisterHistogram(name string, boundaries []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.histograms[name]; exists {
		return
	}
	if len(boundaries) == 0 {
		boundaries = DefaultBuckets
	}
	if !math.IsInf(boundaries[len(boundaries)-1], 1) {
		boundaries = append(append([]float64{}, boundaries...), math.Inf(1))
	}
	r.histograms[name] = &histogram{
		boundaries: boundaries,
		counts:     make([]float64, len(boundaries)),
	}
}

// Increment adds delta to a counter, creating it at zero on first use.
// Negative deltas are ignored: counters are monotonic.
func (r *Registry) Increment(name string, delta float64) {
	if delta < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string) {
	r.Increment(name, 1)
}

// SetGauge sets a gauge to the given value.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// Observe records a value into a histogram. Observing an undeclared name
// lazily registers it with the default buckets.
func (r *Registry) Observe(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, exists := r.histograms[name]
	if !exists {
		boundaries := DefaultBuckets
		h = &histogram{
			boundaries: boundaries,
			counts:     make([]float64, len(boundaries)),
		}
		r.histograms[name] = h
	}
	h.observe(value)
}

// CounterValue returns the current value of a counter (zero when absent).
func (r *Registry) CounterValue(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// GaugeValue returns the current value of a gauge (zero when absent).
func (r *Registry) GaugeValue(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// Snapshot returns a flat, name-sorted view of every series. Histograms
// contribute their _count and _sum series.
func (r *Registry) Snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	samples := make([]Sample, 0, len(r.counters)+len(r.gauges)+2*len(r.histograms))
	for name, v := range r.counters {
		samples = append(samples, Sample{Name: name, Type: TypeCounter, Value: v})
	}
	for name, v := range r.gauges {
		samples = append(samples, Sample{Name: name, Type: TypeGauge, Value: v})
	}
	for name, h := range r.histograms {
		samples = append(samples, Sample{Name: name + "_count", Type: TypeHistogram, Value: h.count})
		samples = append(samples, Sample{Name: name + "_sum", Type: TypeHistogram, Value: h.sum})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples
}

// Prometheus renders the registry in the Prometheus text exposition format.
// Each metric is preceded by a # HELP line (from the help table, falling back
// to the metric name) and a # TYPE line. Output is sorted by metric name so
// scrapes are deterministic.
func (r *Registry) Prometheus(help map[string]string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for name := range r.counters {
		names = append(names, name)
	}
	for name := range r.gauges {
		names = append(names, name)
	}
	for name := range r.histograms {
		names = append(names, name)
	}
	sort.Strings(names)

	helpText := func(name string) string {
		if text, ok := help[name]; ok {
			return text
		}
		return name
	}

	var b strings.Builder
	for _, name := range names {
		if v, ok := r.counters[name]; ok {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, helpText(name))
			fmt.Fprintf(&b, "# TYPE %s counter\n", name)
			fmt.Fprintf(&b, "%s %s\n", name, formatValue(v))
			continue
		}
		if v, ok := r.gauges[name]; ok {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, helpText(name))
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %s\n", name, formatValue(v))
			continue
		}
		h := r.histograms[name]
		fmt.Fprintf(&b, "# HELP %s %s\n", name, helpText(name))
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		for i, boundary := range h.boundaries {
			fmt.Fprintf(&b, "%s_bucket{le=%q} %s\n", name, formatBoundary(boundary), formatValue(h.counts[i]))
		}
		fmt.Fprintf(&b, "%s_sum %s\n", name, formatValue(h.sum))
		fmt.Fprintf(&b, "%s_count %s\n", name, formatValue(h.count))
	}

	return b.String()
}

// Reset clears every series. Intended for test isolation only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]float64)
	r.gauges = make(map[string]float64)
	for _, h := range r.histograms {
		h.sum = 0
		h.count = 0
		for i := range h.counts {
			h.counts[i] = 0
		}
	}
}

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

func formatBoundary(b float64) string {
	if math.IsInf(b, 1) {
		return "+Inf"
	}
	return fmt.Sprintf("%g", b)
}

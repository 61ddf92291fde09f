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

package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterIncrement(t *testing.T) {
	r := NewRegistry()

	r.Inc("requests_total")
	r.Inc("requests_total")
	r.Increment("requests_total", 3)

	assert.Equal(t, 5.0, r.CounterValue("requests_total"))
	assert.Equal(t, 0.0, r.CounterValue("unknown_total"))
}

func TestCounterIgnoresNegativeDelta(t *testing.T) {
	r := NewRegistry()
	r.Increment("requests_total", 2)
	r.Increment("requests_total", -5)
	assert.Equal(t, 2.0, r.CounterValue("requests_total"))
}

func TestGaugeSet(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("pending", 7)
	r.SetGauge("pending", 3)
	assert.Equal(t, 3.0, r.GaugeValue("pending"))
}

func TestHistogramObserve(t *testing.T) {
	r := NewRegistry()
	r.RegisterHistogram("latency_seconds", []float64{0.1, 1, 10})

	r.Observe("latency_seconds", 0.05)
	r.Observe("latency_seconds", 0.5)
	r.Observe("latency_seconds", 100)

	out := r.Prometheus(nil)
	assert.Contains(t, out, `latency_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `latency_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, `latency_seconds_bucket{le="10"} 2`)
	assert.Contains(t, out, `latency_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "latency_seconds_count 3")
	assert.Contains(t, out, "latency_seconds_sum 100.55")
}

func TestObserveLazilyRegisters(t *testing.T) {
	r := NewRegistry()
	r.Observe("ad_hoc_seconds", 1.5)

	out := r.Prometheus(nil)
	assert.Contains(t, out, "# TYPE ad_hoc_seconds histogram")
	assert.Contains(t, out, "ad_hoc_seconds_count 1")
}

func TestPrometheusFormat(t *testing.T) {
	r := NewRegistry()
	r.Inc("approvals_created_total")
	r.SetGauge("approval_pending_gauge", 2)

	out := r.Prometheus(map[string]string{
		"approvals_created_total": "Total approvals created",
	})

	require.Contains(t, out, "# HELP approvals_created_total Total approvals created\n# TYPE approvals_created_total counter\napprovals_created_total 1\n")
	require.Contains(t, out, "# HELP approval_pending_gauge approval_pending_gauge\n# TYPE approval_pending_gauge gauge\napproval_pending_gauge 2\n")

	// Sorted by name for deterministic scrapes.
	gaugeIdx := strings.Index(out, "approval_pending_gauge")
	counterIdx := strings.Index(out, "approvals_created_total")
	assert.Less(t, gaugeIdx, counterIdx)
}

func TestSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Inc("b_total")
	r.SetGauge("a_gauge", 4)
	r.RegisterHistogram("c_seconds", []float64{1})
	r.Observe("c_seconds", 0.5)

	samples := r.Snapshot()
	require.Len(t, samples, 4)

	names := make([]string, len(samples))
	for i, s := range samples {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"a_gauge", "b_total", "c_seconds_count", "c_seconds_sum"}, names)
}

func TestReset(t *testing.T) {
	r := NewRegistry()
	r.Inc("requests_total")
	r.SetGauge("pending", 5)
	r.RegisterHistogram("latency_seconds", []float64{1})
	r.Observe("latency_seconds", 2)

	r.Reset()

	assert.Equal(t, 0.0, r.CounterValue("requests_total"))
	assert.Equal(t, 0.0, r.GaugeValue("pending"))
	out := r.Prometheus(nil)
	// Histogram declarations survive a reset with zeroed series.
	assert.Contains(t, out, "latency_seconds_count 0")
}

func TestRegisterCatalogDeclaresHistograms(t *testing.T) {
	r := NewRegistry()
	RegisterCatalog(r)

	out := r.Prometheus(Help)
	assert.Contains(t, out, "# TYPE approval_time_seconds histogram")
	assert.Contains(t, out, "# TYPE approval_dispatch_latency_seconds histogram")
	assert.Contains(t, out, "# TYPE approval_chain_step_time_seconds histogram")
}

func TestConcurrentIncrements(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc("requests_total")
				r.Observe("latency_seconds", 0.1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5000.0, r.CounterValue("requests_total"))
}

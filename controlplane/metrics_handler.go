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

package controlplane

import (
	"context"
	"net/http"

	"puddlejumper/platform/metrics"
)

// handleMetrics is GET /metrics: Prometheus text exposition. Scraping can be
// gated behind METRICS_TOKEN.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MetricsToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.MetricsToken {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "metrics token required")
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.metrics.Prometheus(metrics.Help)))
}

// handleHealth is GET /health: liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "controlplane",
	})
}

// handleReady is GET /ready: the database must answer before we accept
// traffic. Connector health is reported but does not gate readiness; the
// executor fails open on unhealthy connectors.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Success: false,
			Error:   &apiError{Code: "durable_failure", Message: "database unreachable"},
		})
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"status":     "ready",
		"connectors": s.registry.ListRegistered(),
	})
}

// handleConnectorHealth is GET /connectors/health: fan-out probe of every
// registered dispatcher.
func (s *Server) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]interface{}{
		"connectors": s.registry.HealthCheck(r.Context()),
	})
}

// refreshGauges recomputes the pending gauges after any transition. Gauge
// staleness between transitions is acceptable; the sweeper also refreshes.
func (s *Server) refreshGauges(ctx context.Context) {
	if pending, err := s.store.CountPending(ctx); err == nil {
		s.metrics.SetGauge(metrics.PendingGauge, float64(pending))
	}
	if active, err := s.chains.CountActiveSteps(ctx); err == nil {
		s.metrics.SetGauge(metrics.ChainStepPendingGauge, float64(active))
	}
}

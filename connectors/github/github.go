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

// Package github dispatches approved plan steps against the GitHub REST API:
// opening pull requests, creating repositories, dispatching workflow events.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"puddlejumper/platform/approval"
	"puddlejumper/platform/dispatch"
)

// ConnectorName is the name plan steps use to route here.
const ConnectorName = "github"

// stepPlan is the shape this connector expects inside a plan step payload.
type stepPlan struct {
	Method string          `json:"method,omitempty"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Handler dispatches plan steps to the GitHub REST API.
type Handler struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a GitHub handler. baseURL defaults to the public API.
func New(baseURL, token string, timeout time.Duration) *Handler {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// ConnectorName implements dispatch.Handler.
func (h *Handler) ConnectorName() string { return ConnectorName }

// Dispatch executes one plan step. Dry runs resolve without touching GitHub.
func (h *Handler) Dispatch(ctx context.Context, step approval.PlanStep, dctx dispatch.Context) (*dispatch.StepResult, error) {
	var plan stepPlan
	if err := json.Unmarshal(step.Plan, &plan); err != nil {
		return nil, fmt.Errorf("invalid github plan payload: %w", err)
	}
	if plan.Path == "" {
		return nil, fmt.Errorf("github plan payload missing path")
	}
	method := plan.Method
	if method == "" {
		method = http.MethodPost
	}

	if dctx.DryRun {
		preview, _ := json.Marshal(map[string]interface{}{
			"dry_run": true,
			"method":  method,
			"path":    plan.Path,
		})
		return &dispatch.StepResult{
			StepID:    step.StepID,
			Connector: ConnectorName,
			Status:    dispatch.StepDispatched,
			Result:    preview,
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+plan.Path, bytes.NewReader(plan.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read github response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &dispatch.StepResult{
			StepID:    step.StepID,
			Connector: ConnectorName,
			Status:    dispatch.StepFailed,
			Error:     fmt.Sprintf("github returned %d: %s", resp.StatusCode, truncate(string(body), 512)),
		}, nil
	}

	result := body
	if !json.Valid(result) {
		result, _ = json.Marshal(map[string]string{"raw": string(body)})
	}
	return &dispatch.StepResult{
		StepID:    step.StepID,
		Connector: ConnectorName,
		Status:    dispatch.StepDispatched,
		Result:    result,
	}, nil
}

// HealthCheck probes the API root.
func (h *Handler) HealthCheck(ctx context.Context) dispatch.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/rate_limit", nil)
	if err != nil {
		return dispatch.HealthStatus{Healthy: false, Detail: err.Error()}
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return dispatch.HealthStatus{Healthy: false, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return dispatch.HealthStatus{Healthy: false, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return dispatch.HealthStatus{Healthy: true}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

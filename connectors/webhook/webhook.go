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

// Package webhook delivers approved plan steps to a configured HTTP endpoint,
// signing each delivery so receivers can verify it left the control plane.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"puddlejumper/platform/approval"
	"puddlejumper/platform/dispatch"
)

// ConnectorName is the name plan steps use to route here.
const ConnectorName = "webhook"

// SignatureHeader carries the hex HMAC-SHA256 of the delivery body.
const SignatureHeader = "X-PJ-Signature"

// delivery is the envelope POSTed to the receiver.
type delivery struct {
	ApprovalID string          `json:"approval_id"`
	RequestID  string          `json:"request_id"`
	OperatorID string          `json:"operator_id"`
	StepID     string          `json:"step_id"`
	DryRun     bool            `json:"dry_run"`
	Plan       json.RawMessage `json:"plan,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// Handler posts plan steps to a single webhook endpoint.
type Handler struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

// New creates a webhook handler for the given endpoint. The secret may be
// empty, in which case deliveries are unsigned.
func New(endpoint, secret string, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		endpoint: endpoint,
		secret:   []byte(secret),
		client:   &http.Client{Timeout: timeout},
	}
}

// ConnectorName implements dispatch.Handler.
func (h *Handler) ConnectorName() string { return ConnectorName }

// Dispatch delivers one step. Dry runs build and sign the delivery but never
// send it, so receivers see no traffic.
func (h *Handler) Dispatch(ctx context.Context, step approval.PlanStep, dctx dispatch.Context) (*dispatch.StepResult, error) {
	body, err := json.Marshal(delivery{
		ApprovalID: dctx.ApprovalID,
		RequestID:  dctx.RequestID,
		OperatorID: dctx.OperatorID,
		StepID:     step.StepID,
		DryRun:     dctx.DryRun,
		Plan:       step.Plan,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook delivery: %w", err)
	}

	if dctx.DryRun {
		preview, _ := json.Marshal(map[string]interface{}{
			"dry_run":  true,
			"endpoint": h.endpoint,
		})
		return &dispatch.StepResult{
			StepID:    step.StepID,
			Connector: ConnectorName,
			Status:    dispatch.StepDispatched,
			Result:    preview,
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(h.secret) > 0 {
		req.Header.Set(SignatureHeader, h.sign(body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &dispatch.StepResult{
			StepID:    step.StepID,
			Connector: ConnectorName,
			Status:    dispatch.StepFailed,
			Error:     fmt.Sprintf("webhook endpoint returned %d", resp.StatusCode),
		}, nil
	}

	result, _ := json.Marshal(map[string]interface{}{"status_code": resp.StatusCode})
	return &dispatch.StepResult{
		StepID:    step.StepID,
		Connector: ConnectorName,
		Status:    dispatch.StepDispatched,
		Result:    result,
	}, nil
}

// HealthCheck verifies the endpoint resolves and answers. Receivers that do
// not implement HEAD still count as healthy; only transport errors fail.
func (h *Handler) HealthCheck(ctx context.Context) dispatch.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.endpoint, nil)
	if err != nil {
		return dispatch.HealthStatus{Healthy: false, Detail: err.Error()}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return dispatch.HealthStatus{Healthy: false, Detail: err.Error()}
	}
	_ = resp.Body.Close()
	return dispatch.HealthStatus{Healthy: true}
}

func (h *Handler) sign(body []byte) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"puddlejumper/platform/approval"
	"puddlejumper/platform/authz"
	"puddlejumper/platform/dispatch"
	"puddlejumper/platform/metrics"
)

// executeRequest is the submission body for POST /pj/execute.
type executeRequest struct {
	RequestID       string              `json:"requestId,omitempty"`
	Mode            string              `json:"mode,omitempty"`
	ActionMode      string              `json:"actionMode,omitempty"`
	ActionIntent    string              `json:"actionIntent"`
	PlanSteps       []approval.PlanStep `json:"planSteps"`
	ChainTemplateID string              `json:"chainTemplateId,omitempty"`
	AuditRecord     json.RawMessage     `json:"auditRecord,omitempty"`
}

// executeAccepted is the 202 body for a governed submission. Recorded in the
// idempotency store so replays return it bytewise.
type executeAccepted struct {
	Success          bool   `json:"success"`
	ApprovalRequired bool   `json:"approvalRequired"`
	ApprovalID       string `json:"approvalId"`
	ApprovalStatus   string `json:"approvalStatus"`
}

// handleExecute is POST /pj/execute: authorize, short-circuit on idempotent
// replay, then either run the plan immediately (launch, dry-run) or park it
// behind a pending approval.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if req.ActionIntent == "" {
		writeError(w, http.StatusBadRequest, "validation", "actionIntent is required")
		return
	}
	if len(req.PlanSteps) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "planSteps must not be empty")
		return
	}
	for i := range req.PlanSteps {
		if req.PlanSteps[i].StepID == "" {
			req.PlanSteps[i].StepID = uuid.New().String()
		}
		if req.PlanSteps[i].Status == "" {
			req.PlanSteps[i].Status = approval.PlanStepReady
		}
	}

	authzResult := authz.Evaluate(authz.Query{
		OperatorID:  principal.OperatorID,
		Role:        principal.Role,
		Permissions: principal.Permissions,
		Delegations: principal.Delegations,
		Intent:      req.ActionIntent,
		Connectors:  planConnectors(req.PlanSteps),
		Now:         time.Now().UTC(),
	})
	if !authzResult.Allowed {
		if authzResult.Reason == authz.ReasonDelegationAmbiguity {
			s.metrics.Inc(metrics.AuthorizationAmbiguousTotal)
		}
		s.metrics.Inc(metrics.AuthorizationDeniedTotal)
		s.log.Warn(principal.OperatorID, req.RequestID, "submission denied", map[string]interface{}{
			"intent": req.ActionIntent,
			"reason": authzResult.Reason,
		})
		writeError(w, http.StatusForbidden, "forbidden", authzResult.Reason)
		return
	}

	if req.Mode == approval.ModeLaunch || req.Mode == approval.ModeDryRun || req.ActionMode == approval.ModeLaunch {
		s.executeImmediate(w, r, principal, req)
		return
	}

	// Governed path. A missing requestId gets a fresh one, which makes the
	// submission trivially non-replayable.
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	key := approval.IdempotencyKey{
		OperatorID:    principal.OperatorID,
		TenantID:      principal.TenantID,
		RequestID:     req.RequestID,
		SchemaVersion: SchemaVersion,
	}

	entry, err := s.idem.Lookup(r.Context(), key)
	if errors.Is(err, approval.ErrSchemaVersionMismatch) {
		writeError(w, http.StatusConflict, "duplicate_request", "request was originally submitted under a different schema version")
		return
	}
	if err != nil {
		s.internalError(w, principal, req.RequestID, "idempotency lookup failed", err)
		return
	}
	if entry != nil {
		s.metrics.Inc(metrics.IdempotentReplaysTotal)
		writeRaw(w, entry.StatusCode, entry.ResultJSON)
		return
	}

	// Validate the template before inserting anything: a bad submission must
	// not leave a pending approval behind.
	templateID := req.ChainTemplateID
	if templateID == "" {
		templateID = approval.DefaultTemplateID
	}
	if _, err := s.chains.GetTemplate(r.Context(), templateID); err != nil {
		if errors.Is(err, approval.ErrTemplateNotFound) {
			writeError(w, http.StatusBadRequest, "validation", "unknown chain template")
			return
		}
		s.internalError(w, principal, req.RequestID, "template lookup failed", err)
		return
	}

	decisionJSON, _ := json.Marshal(authzResult)
	rec, err := s.store.Create(r.Context(), approval.CreateInput{
		RequestID:      req.RequestID,
		OperatorID:     principal.OperatorID,
		WorkspaceID:    principal.WorkspaceID,
		TenantID:       principal.TenantID,
		MunicipalityID: principal.MunicipalityID,
		ActionIntent:   req.ActionIntent,
		ActionMode:     approval.ModeGoverned,
		PlanHash:       hashPlan(req.PlanSteps),
		PlanSteps:      req.PlanSteps,
		AuditRecord:    req.AuditRecord,
		DecisionResult: decisionJSON,
		TTL:            s.cfg.ApprovalTTL,
	})
	if errors.Is(err, approval.ErrDuplicateRequest) {
		// Lost an insert race against a concurrent identical submission. The
		// winner's row carries the answer.
		existing, findErr := s.store.FindByRequestID(r.Context(), principal.TenantID, req.RequestID)
		if findErr != nil {
			s.internalError(w, principal, req.RequestID, "duplicate lookup failed", findErr)
			return
		}
		s.respondAccepted(w, r, key, existing.ID, string(existing.Status), false)
		return
	}
	if err != nil {
		s.internalError(w, principal, req.RequestID, "approval creation failed", err)
		return
	}

	steps, err := s.chains.CreateChainForApproval(r.Context(), rec.ID, templateID)
	if err != nil {
		s.internalError(w, principal, req.RequestID, "chain creation failed", err)
		return
	}

	s.metrics.Inc(metrics.ApprovalsCreatedTotal)
	s.metrics.Increment(metrics.ChainStepsTotal, float64(len(steps)))
	s.refreshGauges(r.Context())

	s.log.Info(principal.OperatorID, req.RequestID, "approval created", map[string]interface{}{
		"approval_id": rec.ID,
		"intent":      req.ActionIntent,
		"chain_steps": len(steps),
	})

	s.respondAccepted(w, r, key, rec.ID, string(rec.Status), true)
}

// respondAccepted writes the 202 body and records it for bytewise replay.
func (s *Server) respondAccepted(w http.ResponseWriter, r *http.Request, key approval.IdempotencyKey, approvalID, status string, record bool) {
	body, err := json.Marshal(executeAccepted{
		Success:          true,
		ApprovalRequired: true,
		ApprovalID:       approvalID,
		ApprovalStatus:   status,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "durable_failure", "failed to encode response")
		return
	}
	if record {
		if err := s.idem.Record(r.Context(), key, http.StatusAccepted, body); err != nil {
			s.log.Error(key.OperatorID, key.RequestID, "idempotency record failed", map[string]interface{}{"error": err.Error()})
		}
	}
	writeRaw(w, http.StatusAccepted, body)
}

// executeImmediate runs launch and dry-run submissions through the executor
// without creating an approval. Dry runs never reach external systems.
func (s *Server) executeImmediate(w http.ResponseWriter, r *http.Request, principal *Principal, req executeRequest) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	dctx := dispatch.Context{
		RequestID:  requestID,
		OperatorID: principal.OperatorID,
		DryRun:     req.Mode == approval.ModeDryRun,
	}

	started := time.Now()
	result := s.executor.Run(r.Context(), dctx, req.PlanSteps)
	s.metrics.Observe(metrics.DispatchLatencySeconds, time.Since(started).Seconds())
	if result.Success {
		s.metrics.Inc(metrics.DispatchSuccessTotal)
	} else {
		s.metrics.Inc(metrics.DispatchFailureTotal)
	}

	s.log.Info(principal.OperatorID, requestID, "immediate execution finished", map[string]interface{}{
		"mode":    req.Mode,
		"success": result.Success,
		"summary": result.Summary,
	})

	writeJSON(w, http.StatusOK, envelope{
		Success: result.Success,
		Data: map[string]interface{}{
			"requestId":      requestID,
			"dispatchResult": result,
		},
	})
}

// hashPlan fingerprints the plan as the sha256 of its canonical JSON.
func hashPlan(steps []approval.PlanStep) string {
	data, _ := json.Marshal(steps)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// planConnectors returns the distinct connector names a plan touches, sorted.
func planConnectors(steps []approval.PlanStep) []string {
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if step.Connector != "" && step.Connector != "none" {
			seen[step.Connector] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) internalError(w http.ResponseWriter, principal *Principal, requestID, message string, err error) {
	correlationID := uuid.New().String()
	s.log.Error(principal.OperatorID, requestID, message, map[string]interface{}{
		"error":          err.Error(),
		"correlation_id": correlationID,
	})
	writeError(w, http.StatusInternalServerError, "durable_failure", "internal error (correlation "+correlationID+")")
}

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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"puddlejumper/platform/approval"
	"puddlejumper/platform/dispatch"
	"puddlejumper/platform/metrics"
)

// handleListApprovals is GET /approvals. Non-admin callers only see their own
// submissions within their tenant.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	filter := approval.QueryFilter{
		Status: approval.Status(r.URL.Query().Get("status")),
		Limit:  intQuery(r, "limit"),
		Offset: intQuery(r, "offset"),
	}
	if !principal.IsAdmin() {
		filter.OperatorID = principal.OperatorID
		filter.TenantID = principal.TenantID
	}

	records, err := s.store.Query(r.Context(), filter)
	if err != nil {
		s.internalError(w, principal, "", "approval query failed", err)
		return
	}
	if records == nil {
		records = []*approval.Record{}
	}
	writeData(w, http.StatusOK, map[string]interface{}{"approvals": records})
}

// handleCountPending is GET /approvals/count/pending.
func (s *Server) handleCountPending(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	count, err := s.store.CountPending(r.Context())
	if err != nil {
		s.internalError(w, principal, "", "pending count failed", err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"pendingCount": count})
}

// handleGetApproval is GET /approvals/{id}.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	rec, ok := s.loadApproval(w, r)
	if !ok {
		return
	}
	if !s.canSee(principal, rec) {
		writeError(w, http.StatusForbidden, "forbidden", "approval belongs to another operator")
		return
	}
	writeData(w, http.StatusOK, rec)
}

// decideRequest is the body of POST /approvals/{id}/decide.
type decideRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
	StepID string `json:"stepId,omitempty"`
}

// handleDecide is POST /approvals/{id}/decide. With a chain, the decision
// lands on one chain step and the parent approval only transitions when the
// chain reaches a terminal outcome. Legacy approvals without a chain decide
// the parent directly.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	rec, ok := s.loadApproval(w, r)
	if !ok {
		return
	}

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	decision := approval.Status(req.Status)
	if decision != approval.StatusApproved && decision != approval.StatusRejected {
		writeError(w, http.StatusBadRequest, "validation", "status must be approved or rejected")
		return
	}

	steps, err := s.chains.GetStepsForApproval(r.Context(), rec.ID)
	if err != nil {
		s.internalError(w, principal, rec.RequestID, "chain lookup failed", err)
		return
	}
	if len(steps) == 0 {
		s.decideWithoutChain(w, r, principal, rec, decision, req.Note)
		return
	}

	step, errStatus, errCode, errMsg := s.resolveStep(r, principal, rec, steps, req.StepID)
	if step == nil {
		writeError(w, errStatus, errCode, errMsg)
		return
	}

	if !principal.IsAdmin() && principal.Role != step.RequiredRole {
		writeError(w, http.StatusForbidden, "forbidden", "step requires role "+step.RequiredRole)
		return
	}

	stepStatus := approval.StepApproved
	if decision == approval.StatusRejected {
		stepStatus = approval.StepRejected
	}

	outcome, err := s.chains.DecideStep(r.Context(), approval.DecideStepInput{
		StepID:    step.ID,
		DeciderID: principal.OperatorID,
		Status:    stepStatus,
		Note:      req.Note,
	})
	if err != nil {
		s.internalError(w, principal, rec.RequestID, "step decision failed", err)
		return
	}
	if outcome == nil {
		writeError(w, http.StatusConflict, "illegal_transition", "step already decided")
		return
	}

	s.metrics.Inc(metrics.ChainStepDecidedTotal)
	if outcome.Step.DecidedAt != nil {
		s.metrics.Observe(metrics.ChainStepTimeSeconds, outcome.Step.DecidedAt.Sub(outcome.Step.CreatedAt).Seconds())
	}

	approvalStatus := rec.Status
	switch {
	case outcome.Rejected:
		s.metrics.Inc(metrics.ChainRejectedTotal)
		updated, err := s.finalizeApproval(r, principal, rec, approval.StatusRejected, req.Note)
		if err != nil {
			s.internalError(w, principal, rec.RequestID, "approval finalization failed", err)
			return
		}
		approvalStatus = updated
	case outcome.AllApproved:
		s.metrics.Inc(metrics.ChainCompletedTotal)
		updated, err := s.finalizeApproval(r, principal, rec, approval.StatusApproved, req.Note)
		if err != nil {
			s.internalError(w, principal, rec.RequestID, "approval finalization failed", err)
			return
		}
		approvalStatus = updated
	}

	s.refreshGauges(r.Context())

	writeData(w, http.StatusOK, map[string]interface{}{
		"approval_status": approvalStatus,
		"chainAdvanced":   outcome.Advanced,
		"step":            outcome.Step,
	})
}

// finalizeApproval transitions the parent once its chain terminates.
func (s *Server) finalizeApproval(r *http.Request, principal *Principal, rec *approval.Record, status approval.Status, note string) (approval.Status, error) {
	updated, err := s.store.Decide(r.Context(), approval.DecideInput{
		ApprovalID: rec.ID,
		ApproverID: principal.OperatorID,
		Status:     status,
		Note:       note,
	})
	if err != nil {
		return "", err
	}
	if updated == nil {
		// Chain terminated but the parent had already left pending, most
		// likely via TTL expiry. The chain decision stands for audit.
		return approval.StatusExpired, nil
	}

	if status == approval.StatusApproved {
		s.metrics.Inc(metrics.ApprovalsApprovedTotal)
	} else {
		s.metrics.Inc(metrics.ApprovalsRejectedTotal)
	}
	s.metrics.Observe(metrics.ApprovalTimeSeconds, time.Since(rec.CreatedAt).Seconds())

	s.log.Info(principal.OperatorID, rec.RequestID, "approval decided", map[string]interface{}{
		"approval_id": rec.ID,
		"status":      string(status),
	})
	return updated.Status, nil
}

// decideWithoutChain handles legacy approvals that predate chains.
func (s *Server) decideWithoutChain(w http.ResponseWriter, r *http.Request, principal *Principal, rec *approval.Record, decision approval.Status, note string) {
	if !principal.IsAdmin() {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required to decide")
		return
	}

	updated, err := s.store.Decide(r.Context(), approval.DecideInput{
		ApprovalID: rec.ID,
		ApproverID: principal.OperatorID,
		Status:     decision,
		Note:       note,
	})
	if err != nil {
		s.internalError(w, principal, rec.RequestID, "decision failed", err)
		return
	}
	if updated == nil {
		writeError(w, http.StatusConflict, "illegal_transition", "approval is not pending")
		return
	}

	if decision == approval.StatusApproved {
		s.metrics.Inc(metrics.ApprovalsApprovedTotal)
	} else {
		s.metrics.Inc(metrics.ApprovalsRejectedTotal)
	}
	s.metrics.Observe(metrics.ApprovalTimeSeconds, time.Since(rec.CreatedAt).Seconds())
	s.refreshGauges(r.Context())

	writeData(w, http.StatusOK, map[string]interface{}{
		"approval_status": updated.Status,
	})
}

// resolveStep picks the chain step a decision applies to. An explicit stepId
// must exist and belong to this approval; without one, the caller's role
// selects among the active order-group.
func (s *Server) resolveStep(r *http.Request, principal *Principal, rec *approval.Record, steps []*approval.ChainStep, stepID string) (*approval.ChainStep, int, string, string) {
	if stepID != "" {
		step, err := s.chains.GetStep(r.Context(), stepID)
		if errors.Is(err, approval.ErrStepNotFound) {
			return nil, http.StatusNotFound, "not_found", "step not found"
		}
		if err != nil {
			return nil, http.StatusInternalServerError, "durable_failure", "step lookup failed"
		}
		if step.ApprovalID != rec.ID {
			return nil, http.StatusBadRequest, "validation", "step does not belong to this approval"
		}
		return step, 0, "", ""
	}

	var firstActive *approval.ChainStep
	for _, step := range steps {
		if step.Status != approval.StepActive {
			continue
		}
		if firstActive == nil {
			firstActive = step
		}
		if step.RequiredRole == principal.Role {
			return step, 0, "", ""
		}
	}
	if firstActive == nil {
		return nil, http.StatusConflict, "illegal_transition", "no active step to decide"
	}
	if principal.IsAdmin() {
		return firstActive, 0, "", ""
	}
	return nil, http.StatusForbidden, "forbidden", "no active step matches role "+principal.Role
}

// dispatchRequest is the body of POST /approvals/{id}/dispatch.
type dispatchRequest struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// handleDispatch is POST /approvals/{id}/dispatch: consume the approved
// approval exactly once and run its plan. A connector failure is still HTTP
// 200 (the transport succeeded, the action did not) with success:false.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	rec, ok := s.loadApproval(w, r)
	if !ok {
		return
	}
	if !s.canSee(principal, rec) {
		writeError(w, http.StatusForbidden, "forbidden", "approval belongs to another operator")
		return
	}

	var req dispatchRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := s.executor.Dispatch(r.Context(), rec.ID, req.DryRun)
	if err != nil {
		var conflict *dispatch.NotConsumableError
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, "consume_cas_conflict", conflict.Reason)
			return
		}
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "approval not found")
			return
		}
		s.internalError(w, principal, rec.RequestID, "dispatch failed", err)
		return
	}

	updated, err := s.store.FindByID(r.Context(), rec.ID)
	if err != nil {
		s.internalError(w, principal, rec.RequestID, "post-dispatch lookup failed", err)
		return
	}
	s.refreshGauges(r.Context())

	writeJSON(w, http.StatusOK, envelope{
		Success: result.Success,
		Data: map[string]interface{}{
			"approvalStatus": updated.Status,
			"dispatchResult": result,
		},
	})
}

// loadApproval fetches the approval named in the URL, writing 404 on a miss.
func (s *Server) loadApproval(w http.ResponseWriter, r *http.Request) (*approval.Record, bool) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.FindByID(r.Context(), id)
	if errors.Is(err, approval.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "approval not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "durable_failure", "approval lookup failed")
		return nil, false
	}
	return rec, true
}

// canSee applies tenant scoping: admins see everything, operators only their
// own tenant's submissions they created or are asked to review.
func (s *Server) canSee(principal *Principal, rec *approval.Record) bool {
	if principal.IsAdmin() {
		return true
	}
	return rec.TenantID == principal.TenantID && rec.OperatorID == principal.OperatorID
}

func intQuery(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

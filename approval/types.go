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

// Package approval persists the approval lifecycle: approval records with
// compare-and-set state transitions, review chains materialized from
// templates, and the idempotency entries that deduplicate submissions.
package approval

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the approval state machine.
//
//	pending -> approved | rejected | expired
//	approved -> dispatching
//	dispatching -> dispatched | dispatch_failed
//
// rejected, expired, dispatched and dispatch_failed are terminal.
type Status string

const (
	StatusPending        Status = "pending"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusExpired        Status = "expired"
	StatusDispatching    Status = "dispatching"
	StatusDispatched     Status = "dispatched"
	StatusDispatchFailed Status = "dispatch_failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusDispatched, StatusDispatchFailed:
		return true
	}
	return false
}

// Action modes accepted on submission.
const (
	ModeGoverned = "governed"
	ModeLaunch   = "launch"
	ModeDryRun   = "dry-run"
)

// PlanStep statuses at rest. Only ready steps are dispatched.
const (
	PlanStepReady = "ready"
)

// PlanStep is one unit of the approved plan. The plan payload is opaque to
// the engine; connectors interpret it.
type PlanStep struct {
	StepID      string          `json:"step_id"`
	Description string          `json:"description,omitempty"`
	Connector   string          `json:"connector"`
	Status      string          `json:"status"`
	Plan        json.RawMessage `json:"plan,omitempty"`
}

// Record is one durable approval row. Terminal records persist for audit and
// are never destroyed.
type Record struct {
	ID             string          `json:"id"`
	RequestID      string          `json:"request_id"`
	OperatorID     string          `json:"operator_id"`
	WorkspaceID    string          `json:"workspace_id,omitempty"`
	TenantID       string          `json:"tenant_id"`
	MunicipalityID string          `json:"municipality_id,omitempty"`
	ActionIntent   string          `json:"action_intent"`
	ActionMode     string          `json:"action_mode"`
	PlanHash       string          `json:"plan_hash"`
	PlanSteps      []PlanStep      `json:"plan_steps"`
	AuditRecord    json.RawMessage `json:"audit_record,omitempty"`
	DecisionResult json.RawMessage `json:"decision_result,omitempty"`
	Status         Status          `json:"approval_status"`
	ApproverID     string          `json:"approver_id,omitempty"`
	ApprovalNote   string          `json:"approval_note,omitempty"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
	DispatchedAt   *time.Time      `json:"dispatched_at,omitempty"`
	DispatchResult json.RawMessage `json:"dispatch_result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// CreateInput carries everything needed to persist a new approval.
type CreateInput struct {
	RequestID      string
	OperatorID     string
	WorkspaceID    string
	TenantID       string
	MunicipalityID string
	ActionIntent   string
	ActionMode     string
	PlanHash       string
	PlanSteps      []PlanStep
	AuditRecord    json.RawMessage
	DecisionResult json.RawMessage
	TTL            time.Duration
}

// DecideInput records a human decision on a pending approval.
type DecideInput struct {
	ApprovalID string
	ApproverID string
	Status     Status // StatusApproved or StatusRejected
	Note       string
}

// QueryFilter narrows List results. Zero values mean "no filter".
type QueryFilter struct {
	Status     Status
	OperatorID string
	TenantID   string
	Limit      int
	Offset     int
}

// DefaultTTL bounds how long a pending approval stays decidable.
const DefaultTTL = 24 * time.Hour

// Store-level failure sentinels. Illegal transitions are reported as nil rows,
// not errors; these cover genuine faults.
var (
	ErrDuplicateRequest = errors.New("approval: request_id already used for this tenant")
	ErrNotFound         = errors.New("approval: not found")
)

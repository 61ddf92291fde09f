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

// Metric names emitted by the approval lifecycle engine.
const (
	ApprovalsCreatedTotal       = "approvals_created_total"
	ApprovalsApprovedTotal      = "approvals_approved_total"
	ApprovalsRejectedTotal      = "approvals_rejected_total"
	ApprovalsExpiredTotal       = "approvals_expired_total"
	DispatchSuccessTotal        = "approval_dispatch_success_total"
	DispatchFailureTotal        = "approval_dispatch_failure_total"
	ConsumeCASSuccessTotal      = "approval_consume_cas_success_total"
	ConsumeCASConflictTotal     = "approval_consume_cas_conflict_total"
	PendingGauge                = "approval_pending_gauge"
	ApprovalTimeSeconds         = "approval_time_seconds"
	DispatchLatencySeconds      = "approval_dispatch_latency_seconds"
	ChainStepsTotal             = "approval_chain_steps_total"
	ChainStepDecidedTotal       = "approval_chain_step_decided_total"
	ChainCompletedTotal         = "approval_chain_completed_total"
	ChainRejectedTotal          = "approval_chain_rejected_total"
	ChainStepPendingGauge       = "approval_chain_step_pending_gauge"
	ChainStepTimeSeconds        = "approval_chain_step_time_seconds"
	IdempotentReplaysTotal      = "approval_idempotent_replays_total"
	AuthorizationDeniedTotal    = "approval_authorization_denied_total"
	AuthorizationAmbiguousTotal = "approval_authorization_ambiguous_total"
)

// Help is the HELP text table for the fixed catalog.
var Help = map[string]string{
	ApprovalsCreatedTotal:       "Total approvals created via governed submissions",
	ApprovalsApprovedTotal:      "Total approvals that reached the approved state",
	ApprovalsRejectedTotal:      "Total approvals that reached the rejected state",
	ApprovalsExpiredTotal:       "Total approvals expired before a decision",
	DispatchSuccessTotal:        "Total dispatches where every plan step succeeded or was skipped",
	DispatchFailureTotal:        "Total dispatches with at least one failed plan step",
	ConsumeCASSuccessTotal:      "Total compare-and-set wins consuming an approved approval for dispatch",
	ConsumeCASConflictTotal:     "Total compare-and-set losses racing for dispatch",
	PendingGauge:                "Approvals currently pending a decision",
	ApprovalTimeSeconds:         "Seconds from approval creation to terminal decision",
	DispatchLatencySeconds:      "Seconds spent executing a dispatch",
	ChainStepsTotal:             "Total chain steps materialized from templates",
	ChainStepDecidedTotal:       "Total chain step decisions recorded",
	ChainCompletedTotal:         "Total chains where every step was approved",
	ChainRejectedTotal:          "Total chains terminated by a rejection",
	ChainStepPendingGauge:       "Chain steps currently active and awaiting a decision",
	ChainStepTimeSeconds:        "Seconds from chain creation to each step decision",
	IdempotentReplaysTotal:      "Total submissions answered from the idempotency store",
	AuthorizationDeniedTotal:    "Total submissions denied by the authorization evaluator",
	AuthorizationAmbiguousTotal: "Total submissions denied because delegation selection was ambiguous",
}

// RegisterCatalog declares the histogram series of the fixed catalog so they
// appear in the exposition before their first observation.
func RegisterCatalog(r *Registry) {
	r.RegisterHistogram(ApprovalTimeSeconds, nil)
	r.RegisterHistogram(DispatchLatencySeconds, nil)
	r.RegisterHistogram(ChainStepTimeSeconds, nil)
}

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

package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evalNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestRequiredPermissions(t *testing.T) {
	tests := []struct {
		name   string
		intent string
		want   []string
	}{
		{"deploy policy", "deploy_policy", []string{"deploy"}},
		{"open repository", "open_repository", []string{"deploy"}},
		{"update config", "update_config", []string{"deploy"}},
		{"seal record", "seal_record", []string{"seal"}},
		{"notify prefix", "notify_operators", []string{"notify"}},
		{"archive prefix", "archive_records", []string{"archive"}},
		{"unknown intent defaults to deploy", "launch_rockets", []string{"deploy"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredPermissions(tt.intent, nil))
		})
	}
}

func TestEvaluateRoleWins(t *testing.T) {
	result := Evaluate(Query{
		OperatorID:  "op-1",
		Role:        "operator",
		Permissions: []string{"deploy", "notify"},
		Intent:      "deploy_policy",
		Now:         evalNow,
	})

	require.True(t, result.Allowed)
	assert.Equal(t, SourceRole, result.Source)
	assert.Empty(t, result.DelegationUsed)
	assert.Equal(t, []string{"deploy"}, result.Required)
}

// Adding delegations to an operator whose own permissions already suffice
// must not change the outcome.
func TestEvaluateRoleWinsRegardlessOfDelegations(t *testing.T) {
	base := Query{
		OperatorID:  "op-1",
		Permissions: []string{"deploy"},
		Intent:      "deploy_policy",
		Now:         evalNow,
	}
	withDelegations := base
	withDelegations.Delegations = []Delegation{
		{ID: "d-1", From: "2025-01-01T00:00:00Z", Scope: []string{"*"}, Precedence: 10},
		{ID: "d-2", From: "2025-01-01T00:00:00Z", Scope: []string{"*"}, Precedence: 10},
	}

	plain := Evaluate(base)
	delegated := Evaluate(withDelegations)

	assert.Equal(t, plain.Allowed, delegated.Allowed)
	assert.Equal(t, plain.Source, delegated.Source)
	assert.Equal(t, SourceRole, delegated.Source)
}

func TestEvaluateDeniedWithoutPermissionsOrDelegations(t *testing.T) {
	result := Evaluate(Query{
		OperatorID:  "op-1",
		Permissions: []string{"notify"},
		Intent:      "deploy_policy",
		Now:         evalNow,
	})

	require.False(t, result.Allowed)
	assert.Equal(t, ReasonInsufficientPermissions, result.Reason)
}

func TestEvaluateDelegationSelection(t *testing.T) {
	tests := []struct {
		name        string
		delegations []Delegation
		wantAllowed bool
		wantUsed    string
		wantReason  string
	}{
		{
			name: "single active delegation wins",
			delegations: []Delegation{
				{ID: "d-1", From: "2025-01-01T00:00:00Z", Scope: []string{"deploy_policy"}},
			},
			wantAllowed: true,
			wantUsed:    "d-1",
		},
		{
			name: "highest precedence wins",
			delegations: []Delegation{
				{ID: "low", From: "2025-01-01T00:00:00Z", Scope: []string{"*"}, Precedence: 1},
				{ID: "high", From: "2025-02-01T00:00:00Z", Scope: []string{"*"}, Precedence: 5},
			},
			wantAllowed: true,
			wantUsed:    "high",
		},
		{
			name: "equal precedence breaks tie on earliest from",
			delegations: []Delegation{
				{ID: "late", From: "2025-03-01T00:00:00Z", Scope: []string{"*"}, Precedence: 2},
				{ID: "early", From: "2025-01-01T00:00:00Z", Scope: []string{"*"}, Precedence: 2},
			},
			wantAllowed: true,
			wantUsed:    "early",
		},
		{
			name: "full tie is explicit ambiguity",
			delegations: []Delegation{
				{ID: "d-1", From: "2025-01-01T00:00:00Z", Scope: []string{"*"}, Precedence: 3},
				{ID: "d-2", From: "2025-01-01T00:00:00Z", Scope: []string{"*"}, Precedence: 3},
			},
			wantAllowed: false,
			wantReason:  ReasonDelegationAmbiguity,
		},
		{
			name: "expired delegation ignored",
			delegations: []Delegation{
				{ID: "d-1", From: "2025-01-01T00:00:00Z", Until: "2025-02-01T00:00:00Z", Scope: []string{"*"}},
			},
			wantAllowed: false,
			wantReason:  ReasonInsufficientPermissions,
		},
		{
			name: "not yet active delegation ignored",
			delegations: []Delegation{
				{ID: "d-1", From: "2026-01-01T00:00:00Z", Scope: []string{"*"}},
			},
			wantAllowed: false,
			wantReason:  ReasonInsufficientPermissions,
		},
		{
			name: "unparseable from disqualifies entry",
			delegations: []Delegation{
				{ID: "d-1", From: "not-a-timestamp", Scope: []string{"*"}},
			},
			wantAllowed: false,
			wantReason:  ReasonInsufficientPermissions,
		},
		{
			name: "unparseable expiry disqualifies entry",
			delegations: []Delegation{
				{ID: "d-1", From: "2025-01-01T00:00:00Z", Until: "whenever", Scope: []string{"*"}},
			},
			wantAllowed: false,
			wantReason:  ReasonInsufficientPermissions,
		},
		{
			name: "to field acts as expiry when until absent",
			delegations: []Delegation{
				{ID: "d-1", From: "2025-01-01T00:00:00Z", To: "2025-02-01T00:00:00Z", Scope: []string{"*"}},
			},
			wantAllowed: false,
			wantReason:  ReasonInsufficientPermissions,
		},
		{
			name: "out of scope delegation ignored",
			delegations: []Delegation{
				{ID: "d-1", From: "2025-01-01T00:00:00Z", Scope: []string{"seal_record"}},
			},
			wantAllowed: false,
			wantReason:  ReasonInsufficientPermissions,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Evaluate(Query{
				OperatorID:  "op-1",
				Permissions: nil,
				Delegations: tt.delegations,
				Intent:      "deploy_policy",
				Now:         evalNow,
			})

			assert.Equal(t, tt.wantAllowed, result.Allowed)
			if tt.wantAllowed {
				assert.Equal(t, SourceDelegation, result.Source)
				assert.Equal(t, tt.wantUsed, result.DelegationUsed)
			} else {
				assert.Equal(t, tt.wantReason, result.Reason)
				if tt.wantReason == ReasonDelegationAmbiguity {
					assert.True(t, result.Evaluation.Ambiguous)
				}
			}
		})
	}
}

func TestScopeMatching(t *testing.T) {
	tests := []struct {
		name  string
		scope []string
		want  bool
	}{
		{"wildcard", []string{"*"}, true},
		{"exact intent", []string{"deploy_policy"}, true},
		{"intent prefix", []string{"intent:deploy_policy"}, true},
		{"permission prefix", []string{"permission:deploy"}, true},
		{"connector prefix", []string{"connector:github"}, true},
		{"no match", []string{"seal_record", "connector:jira"}, false},
		{"empty scope", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Evaluate(Query{
				OperatorID: "op-1",
				Delegations: []Delegation{
					{ID: "d-1", From: "2025-01-01T00:00:00Z", Scope: tt.scope},
				},
				Intent:     "deploy_policy",
				Connectors: []string{"github"},
				Now:        evalNow,
			})
			assert.Equal(t, tt.want, result.Allowed)
		})
	}
}

func TestEvaluateRecordsConsideredDelegations(t *testing.T) {
	result := Evaluate(Query{
		OperatorID: "op-1",
		Delegations: []Delegation{
			{ID: "in-scope", From: "2025-01-01T00:00:00Z", Scope: []string{"*"}},
			{ID: "out-of-scope", From: "2025-01-01T00:00:00Z", Scope: []string{"seal_record"}},
			{ID: "expired", From: "2024-01-01T00:00:00Z", Until: "2024-06-01T00:00:00Z", Scope: []string{"*"}},
		},
		Intent: "deploy_policy",
		Now:    evalNow,
	})

	require.True(t, result.Allowed)
	assert.Equal(t, []string{"in-scope"}, result.Evaluation.ConsideredIDs)
}

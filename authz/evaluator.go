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

// Package authz evaluates whether an operator may submit a governed action.
// Evaluation is a pure function over the operator's role, permissions and
// active delegations; it performs no I/O and never mutates its inputs.
package authz

import (
	"sort"
	"strings"
	"time"
)

// Decision sources.
const (
	SourceRole       = "role"
	SourceDelegation = "delegation"
)

// Denial reasons.
const (
	ReasonInsufficientPermissions = "insufficient_permissions"
	ReasonDelegationAmbiguity     = "delegation_ambiguity"
)

// Delegation is one grant of authority from another operator. Timestamps are
// RFC3339 strings as they arrive on the wire; entries whose timestamps fail
// to parse are ignored rather than rejected.
type Delegation struct {
	ID         string   `json:"id"`
	Delegator  string   `json:"delegator,omitempty"`
	From       string   `json:"from"`
	Until      string   `json:"until,omitempty"`
	To         string   `json:"to,omitempty"`
	Scope      []string `json:"scope"`
	Precedence float64  `json:"precedence,omitempty"`
}

// Query is one authorization question.
type Query struct {
	OperatorID  string
	Role        string
	Permissions []string
	Delegations []Delegation
	Intent      string
	Connectors  []string
	Now         time.Time
}

// DelegationEvaluation records how delegations were considered, for audit.
type DelegationEvaluation struct {
	Source        string   `json:"source,omitempty"`
	Ambiguous     bool     `json:"ambiguous"`
	ConsideredIDs []string `json:"considered_ids,omitempty"`
}

// Result is the structured outcome of an evaluation.
type Result struct {
	Allowed        bool                 `json:"allowed"`
	Source         string               `json:"source,omitempty"`
	DelegationUsed string               `json:"delegation_used,omitempty"`
	Reason         string               `json:"reason,omitempty"`
	Required       []string             `json:"required"`
	Evaluation     DelegationEvaluation `json:"delegation_evaluation"`
}

// RequiredPermissions derives the permission set an intent needs. Unknown
// intents default to deploy, the most restrictive of the common grants.
func RequiredPermissions(intent string, connectors []string) []string {
	switch {
	case intent == "deploy_policy", intent == "open_repository", intent == "update_config":
		return []string{"deploy"}
	case intent == "seal_record":
		return []string{"seal"}
	case strings.HasPrefix(intent, "notify_"):
		return []string{"notify"}
	case strings.HasPrefix(intent, "archive_"):
		return []string{"archive"}
	default:
		return []string{"deploy"}
	}
}

// Evaluate decides a query. The operator's own permissions win outright; a
// shortfall falls back to delegation selection by precedence then earliest
// start. A tie on both is surfaced as an explicit ambiguity, never broken
// arbitrarily.
func Evaluate(q Query) Result {
	required := RequiredPermissions(q.Intent, q.Connectors)
	result := Result{Required: required}

	if hasAll(q.Permissions, required) {
		result.Allowed = true
		result.Source = SourceRole
		result.Evaluation.Source = SourceRole
		return result
	}

	candidates := make([]Delegation, 0, len(q.Delegations))
	for _, d := range q.Delegations {
		if !delegationActive(d, q.Now) {
			continue
		}
		if !scopeSatisfies(d.Scope, q.Intent, required, q.Connectors) {
			continue
		}
		candidates = append(candidates, d)
		result.Evaluation.ConsideredIDs = append(result.Evaluation.ConsideredIDs, d.ID)
	}

	if len(candidates) == 0 {
		result.Reason = ReasonInsufficientPermissions
		return result
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Precedence != candidates[j].Precedence {
			return candidates[i].Precedence > candidates[j].Precedence
		}
		fi, _ := time.Parse(time.RFC3339, candidates[i].From)
		fj, _ := time.Parse(time.RFC3339, candidates[j].From)
		return fi.Before(fj)
	})

	winner := candidates[0]
	if len(candidates) > 1 && tied(winner, candidates[1]) {
		result.Reason = ReasonDelegationAmbiguity
		result.Evaluation.Ambiguous = true
		return result
	}

	result.Allowed = true
	result.Source = SourceDelegation
	result.DelegationUsed = winner.ID
	result.Evaluation.Source = SourceDelegation
	return result
}

func tied(a, b Delegation) bool {
	if a.Precedence != b.Precedence {
		return false
	}
	fa, errA := time.Parse(time.RFC3339, a.From)
	fb, errB := time.Parse(time.RFC3339, b.From)
	if errA != nil || errB != nil {
		return errA != nil && errB != nil
	}
	return fa.Equal(fb)
}

// delegationActive reports whether now falls in [from, until). The expiry is
// Until when present, else To; neither means no expiry. A missing or
// unparseable from disqualifies the entry.
func delegationActive(d Delegation, now time.Time) bool {
	from, err := time.Parse(time.RFC3339, d.From)
	if err != nil {
		return false
	}
	if now.Before(from) {
		return false
	}

	expiry := d.Until
	if expiry == "" {
		expiry = d.To
	}
	if expiry == "" {
		return true
	}
	until, err := time.Parse(time.RFC3339, expiry)
	if err != nil {
		// Unparseable expiry makes the whole entry untrustworthy.
		return false
	}
	return now.Before(until)
}

// scopeSatisfies reports whether any scope entry covers the query. An entry
// matches on the wildcard, the exact intent, an intent: prefix, a permission:
// prefix for any required permission, or a connector: prefix for any touched
// connector.
func scopeSatisfies(scope []string, intent string, required, connectors []string) bool {
	for _, entry := range scope {
		if entry == "*" || entry == intent {
			return true
		}
		if strings.HasPrefix(entry, "intent:"+intent) {
			return true
		}
		for _, p := range required {
			if strings.HasPrefix(entry, "permission:"+p) {
				return true
			}
		}
		for _, c := range connectors {
			if strings.HasPrefix(entry, "connector:"+c) {
				return true
			}
		}
	}
	return false
}

func hasAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, p := range have {
		set[p] = struct{}{}
	}
	for _, p := range want {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

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

// Package dispatch routes approved plan steps to connector handlers and
// drives at-most-once execution of an approved plan.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"puddlejumper/platform/approval"
)

// Step result statuses.
const (
	StepDispatched = "dispatched"
	StepFailed     = "failed"
	StepSkipped    = "skipped"
)

// Context carries the request identity into connector handlers. Handlers must
// not mutate external systems when DryRun is set.
type Context struct {
	ApprovalID string `json:"approval_id"`
	RequestID  string `json:"request_id"`
	OperatorID string `json:"operator_id"`
	DryRun     bool   `json:"dry_run"`
}

// StepResult is the uniform per-step outcome shape.
type StepResult struct {
	StepID      string          `json:"step_id"`
	Connector   string          `json:"connector"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// HealthStatus reports a connector's availability.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Handler executes plan steps against one named connector.
type Handler interface {
	// ConnectorName is the name plan steps reference.
	ConnectorName() string

	// Dispatch executes one step. Returning an error or a failed StepResult
	// makes the step eligible for retry under the connector's policy.
	Dispatch(ctx context.Context, step approval.PlanStep, dctx Context) (*StepResult, error)

	// HealthCheck probes the connector's backing system.
	HealthCheck(ctx context.Context) HealthStatus
}

// RetryPolicy controls per-connector retry inside the executor. Between
// attempts the executor sleeps BaseDelay * 2^(attempt-1) and invokes OnRetry
// when set. The zero policy means a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	OnRetry     func(attempt int)
}

// DefaultRetryPolicy is a single attempt with no backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

type registration struct {
	handler Handler
	policy  RetryPolicy
}

// Registry maps connector names to handlers and their retry policies.
// Registration happens at boot; lookups are read-mostly and thread-safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty dispatcher registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds a handler, replacing any previous handler for the same
// connector name. A nil policy selects the single-attempt default.
func (r *Registry) Register(handler Handler, policy *RetryPolicy) {
	p := DefaultRetryPolicy()
	if policy != nil {
		p = policy.normalized()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.ConnectorName()] = registration{handler: handler, policy: p}
}

// Get returns the handler for a connector name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Has reports whether a handler is registered for the connector name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// ListRegistered returns the registered connector names, sorted.
func (r *Registry) ListRegistered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RetryPolicyFor returns the retry policy bound to a connector, or the
// default when the connector is unknown.
func (r *Registry) RetryPolicyFor(name string) RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return DefaultRetryPolicy()
	}
	return reg.policy
}

// HealthCheck fans out to every registered handler.
func (r *Registry) HealthCheck(ctx context.Context) map[string]HealthStatus {
	r.mu.RLock()
	handlers := make(map[string]Handler, len(r.handlers))
	for name, reg := range r.handlers {
		handlers[name] = reg.handler
	}
	r.mu.RUnlock()

	results := make(map[string]HealthStatus, len(handlers))
	for name, handler := range handlers {
		results[name] = handler.HealthCheck(ctx)
	}
	return results
}

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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"puddlejumper/platform/approval"
	"puddlejumper/platform/metrics"
	"puddlejumper/platform/shared/logger"
)

// Result is the aggregate outcome of dispatching one plan. Success means no
// step failed; skipped steps count as success.
type Result struct {
	Success     bool         `json:"success"`
	Summary     string       `json:"summary"`
	Steps       []StepResult `json:"steps"`
	DryRun      bool         `json:"dry_run,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// NotConsumableError reports why a dispatch request could not consume the
// approval. Surfaces as HTTP 409.
type NotConsumableError struct {
	Status approval.Status
	Reason string
}

func (e *NotConsumableError) Error() string {
	return e.Reason
}

// Executor drives an approved approval to terminal dispatch. Dispatch is
// strictly sequential within an approval; concurrency across approvals is the
// caller's business.
type Executor struct {
	registry *Registry
	store    *approval.Store
	metrics  *metrics.Registry
	log      *logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a dispatch executor.
func NewExecutor(registry *Registry, store *approval.Store, reg *metrics.Registry, log *logger.Logger) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		metrics:  reg,
		log:      log,
		sleep:    sleepWithContext,
	}
}

// SetSleep overrides the backoff sleeper. Tests only.
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

// Dispatch atomically consumes an approved approval and executes its plan.
// Exactly one concurrent caller per approval gets past the consume; the rest
// receive a NotConsumableError with a reason derived from the current state.
func (e *Executor) Dispatch(ctx context.Context, approvalID string, dryRun bool) (*Result, error) {
	rec, err := e.store.ConsumeForDispatch(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, e.consumeConflict(ctx, approvalID)
	}
	e.metrics.Inc(metrics.ConsumeCASSuccessTotal)

	dctx := Context{
		ApprovalID: rec.ID,
		RequestID:  rec.RequestID,
		OperatorID: rec.OperatorID,
		DryRun:     dryRun || rec.ActionMode == approval.ModeDryRun,
	}

	started := time.Now()
	result := e.Run(ctx, dctx, rec.PlanSteps)
	e.metrics.Observe(metrics.DispatchLatencySeconds, time.Since(started).Seconds())

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize dispatch result: %w", err)
	}

	if result.Success {
		e.metrics.Inc(metrics.DispatchSuccessTotal)
		if _, err := e.store.MarkDispatched(ctx, rec.ID, resultJSON); err != nil {
			return nil, err
		}
	} else {
		e.metrics.Inc(metrics.DispatchFailureTotal)
		if _, err := e.store.MarkDispatchFailed(ctx, rec.ID, resultJSON); err != nil {
			return nil, err
		}
	}

	e.log.Info(rec.OperatorID, rec.RequestID, "dispatch finished", map[string]interface{}{
		"approval_id": rec.ID,
		"success":     result.Success,
		"summary":     result.Summary,
		"dry_run":     dctx.DryRun,
	})

	return result, nil
}

// Run executes plan steps in order under the registered retry policies. It
// has no store side effects, which also makes it the execution path for
// launch and dry-run submissions that bypass the approval gate.
func (e *Executor) Run(ctx context.Context, dctx Context, steps []approval.PlanStep) *Result {
	result := &Result{DryRun: dctx.DryRun}

	var dispatched, failed, skipped int
	for _, step := range steps {
		sr := e.runStep(ctx, dctx, step)
		result.Steps = append(result.Steps, *sr)
		switch sr.Status {
		case StepDispatched:
			dispatched++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
		if ctx.Err() != nil {
			// Deadline exceeded mid-plan: the current step already failed,
			// stop driving the rest.
			break
		}
	}

	result.Success = failed == 0
	result.Summary = fmt.Sprintf("%d dispatched, %d failed, %d skipped", dispatched, failed, skipped)
	result.CompletedAt = time.Now().UTC()
	return result
}

func (e *Executor) runStep(ctx context.Context, dctx Context, step approval.PlanStep) *StepResult {
	if step.Status != approval.PlanStepReady {
		return skippedResult(step, fmt.Sprintf("already %s", step.Status))
	}
	if step.Connector == "" || step.Connector == "none" {
		return skippedResult(step, "No connector configured")
	}
	handler, ok := e.registry.Get(step.Connector)
	if !ok {
		return skippedResult(step, "No dispatcher registered")
	}

	if health := handler.HealthCheck(ctx); !health.Healthy {
		// Fail-open: an unhealthy probe is a warning, the attempt itself
		// decides the outcome.
		e.log.Warn(dctx.OperatorID, dctx.RequestID, "connector unhealthy before dispatch", map[string]interface{}{
			"connector": step.Connector,
			"detail":    health.Detail,
		})
	}

	policy := e.registry.RetryPolicyFor(step.Connector).normalized()

	var last *StepResult
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		last = e.attempt(ctx, handler, step, dctx)
		last.Attempts = attempt
		if last.Status != StepFailed {
			return last
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt)
		}
		delay := policy.BaseDelay << (attempt - 1)
		if err := e.sleep(ctx, delay); err != nil {
			last.Error = fmt.Sprintf("%s; retry aborted: %v", last.Error, err)
			return last
		}
	}
	return last
}

// attempt invokes the handler once, converting a returned error or a panic
// into a failed step result so a misbehaving connector cannot take the
// dispatch loop down with it.
func (e *Executor) attempt(ctx context.Context, handler Handler, step approval.PlanStep, dctx Context) (sr *StepResult) {
	defer func() {
		if r := recover(); r != nil {
			sr = &StepResult{
				StepID:      step.StepID,
				Connector:   step.Connector,
				Status:      StepFailed,
				Error:       fmt.Sprintf("connector panic: %v", r),
				CompletedAt: time.Now().UTC(),
			}
		}
	}()

	res, err := handler.Dispatch(ctx, step, dctx)
	if err != nil {
		return &StepResult{
			StepID:      step.StepID,
			Connector:   step.Connector,
			Status:      StepFailed,
			Error:       err.Error(),
			CompletedAt: time.Now().UTC(),
		}
	}
	if res == nil {
		return &StepResult{
			StepID:      step.StepID,
			Connector:   step.Connector,
			Status:      StepFailed,
			Error:       "connector returned no result",
			CompletedAt: time.Now().UTC(),
		}
	}
	if res.StepID == "" {
		res.StepID = step.StepID
	}
	if res.Connector == "" {
		res.Connector = step.Connector
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now().UTC()
	}
	return res
}

// consumeConflict classifies a lost consume into a caller-facing reason.
func (e *Executor) consumeConflict(ctx context.Context, approvalID string) error {
	rec, err := e.store.FindByID(ctx, approvalID)
	if err != nil {
		return err
	}

	var reason string
	switch rec.Status {
	case approval.StatusPending:
		reason = "not approved"
	case approval.StatusRejected:
		reason = "already rejected"
	case approval.StatusExpired:
		reason = "already expired"
	case approval.StatusDispatching:
		reason = "dispatch already in progress"
		e.metrics.Inc(metrics.ConsumeCASConflictTotal)
	case approval.StatusDispatched:
		reason = "already dispatched"
		e.metrics.Inc(metrics.ConsumeCASConflictTotal)
	case approval.StatusDispatchFailed:
		reason = "already dispatched (failed)"
		e.metrics.Inc(metrics.ConsumeCASConflictTotal)
	default:
		reason = fmt.Sprintf("not dispatchable from state %s", rec.Status)
	}

	return &NotConsumableError{Status: rec.Status, Reason: reason}
}

func skippedResult(step approval.PlanStep, reason string) *StepResult {
	return &StepResult{
		StepID:      step.StepID,
		Connector:   step.Connector,
		Status:      StepSkipped,
		Reason:      reason,
		CompletedAt: time.Now().UTC(),
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

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

package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store persists approval records. Every state transition is a conditional
// UPDATE keyed on the expected current status, so two concurrent callers can
// never both observe success for the same edge.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an approval store over an open database handle. The handle
// is shared with the chain store so a chain decision and its parent approval
// transition can ride the same connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the store's time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

const approvalColumns = `id, request_id, operator_id, workspace_id, tenant_id, municipality_id,
	action_intent, action_mode, plan_hash, plan_steps, audit_record, decision_result,
	approval_status, approver_id, approval_note, decided_at, dispatched_at, dispatch_result,
	created_at, expires_at`

// Create persists a new pending approval with a server-assigned id. A
// request_id collision within the tenant fails with ErrDuplicateRequest.
func (s *Store) Create(ctx context.Context, input CreateInput) (*Record, error) {
	ttl := input.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := s.now().UTC()
	rec := &Record{
		ID:             uuid.New().String(),
		RequestID:      input.RequestID,
		OperatorID:     input.OperatorID,
		WorkspaceID:    input.WorkspaceID,
		TenantID:       input.TenantID,
		MunicipalityID: input.MunicipalityID,
		ActionIntent:   input.ActionIntent,
		ActionMode:     input.ActionMode,
		PlanHash:       input.PlanHash,
		PlanSteps:      input.PlanSteps,
		AuditRecord:    input.AuditRecord,
		DecisionResult: input.DecisionResult,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	stepsJSON, err := json.Marshal(rec.PlanSteps)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize plan steps: %w", err)
	}

	query := `INSERT INTO approvals (` + approvalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.RequestID, rec.OperatorID, rec.WorkspaceID, rec.TenantID, rec.MunicipalityID,
		rec.ActionIntent, rec.ActionMode, rec.PlanHash, string(stepsJSON),
		rawOrEmpty(rec.AuditRecord), rawOrEmpty(rec.DecisionResult),
		string(rec.Status), "", "", "", "", "",
		formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateRequest
		}
		return nil, fmt.Errorf("failed to insert approval: %w", err)
	}

	return rec, nil
}

// FindByID returns the approval or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

// FindByRequestID returns the approval created under (tenant, request_id).
func (s *Store) FindByRequestID(ctx context.Context, tenantID, requestID string) (*Record, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE tenant_id = $1 AND request_id = $2`
	return s.queryOne(ctx, query, tenantID, requestID)
}

// Query lists approvals newest-first under the given filter.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]*Record, error) {
	conditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("approval_status = $%d", argIndex))
		args = append(args, string(filter.Status))
		argIndex++
	}
	if filter.OperatorID != "" {
		conditions = append(conditions, fmt.Sprintf("operator_id = $%d", argIndex))
		args = append(args, filter.OperatorID)
		argIndex++
	}
	if filter.TenantID != "" {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIndex))
		args = append(args, filter.TenantID)
		argIndex++
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	// created_at strings are fixed-width UTC, so this is chronological; the id
	// tiebreak keeps the order stable for equal timestamps.
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approvals: %w", err)
	}
	return records, nil
}

// CountPending returns the number of approvals awaiting a decision.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE approval_status = $1`, string(StatusPending),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending approvals: %w", err)
	}
	return count, nil
}

// Decide transitions a pending approval to approved or rejected. A pending
// approval past its expiry is transitioned to expired instead and nil is
// returned; any other starting state also returns nil.
func (s *Store) Decide(ctx context.Context, input DecideInput) (*Record, error) {
	if input.Status != StatusApproved && input.Status != StatusRejected {
		return nil, fmt.Errorf("invalid decision status %q", input.Status)
	}

	now := s.now().UTC()
	nowStr := formatTime(now)

	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals
		 SET approval_status = $1, approver_id = $2, approval_note = $3, decided_at = $4
		 WHERE id = $5 AND approval_status = $6 AND expires_at > $7`,
		string(input.Status), input.ApproverID, input.Note, nowStr,
		input.ApprovalID, string(StatusPending), nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read decide result: %w", err)
	}
	if affected == 0 {
		// The row was either not pending or already past its expiry. If the
		// latter, record the expiry now so the state machine stays honest.
		_, expireErr := s.db.ExecContext(ctx,
			`UPDATE approvals SET approval_status = $1
			 WHERE id = $2 AND approval_status = $3 AND expires_at <= $4`,
			string(StatusExpired), input.ApprovalID, string(StatusPending), nowStr,
		)
		if expireErr != nil {
			return nil, fmt.Errorf("failed to expire approval: %w", expireErr)
		}
		return nil, nil
	}

	return s.FindByID(ctx, input.ApprovalID)
}

// MarkDispatching transitions approved -> dispatching. Returns nil on any
// other starting state. Atomic under concurrent callers: the conditional
// UPDATE admits exactly one winner.
func (s *Store) MarkDispatching(ctx context.Context, id string) (*Record, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET approval_status = $1 WHERE id = $2 AND approval_status = $3`,
		string(StatusDispatching), id, string(StatusApproved),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark dispatching: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatching result: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return s.FindByID(ctx, id)
}

// ConsumeForDispatch is the single guarded entry point of the dispatch path:
// exactly one caller per approval ever sees a non-nil record.
func (s *Store) ConsumeForDispatch(ctx context.Context, id string) (*Record, error) {
	return s.MarkDispatching(ctx, id)
}

// MarkDispatched transitions dispatching -> dispatched and stamps the result.
func (s *Store) MarkDispatched(ctx context.Context, id string, result json.RawMessage) (*Record, error) {
	return s.finishDispatch(ctx, id, StatusDispatched, result)
}

// MarkDispatchFailed transitions dispatching -> dispatch_failed and stamps the
// failure detail.
func (s *Store) MarkDispatchFailed(ctx context.Context, id string, result json.RawMessage) (*Record, error) {
	return s.finishDispatch(ctx, id, StatusDispatchFailed, result)
}

func (s *Store) finishDispatch(ctx context.Context, id string, status Status, result json.RawMessage) (*Record, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals
		 SET approval_status = $1, dispatched_at = $2, dispatch_result = $3
		 WHERE id = $4 AND approval_status = $5`,
		string(status), now, rawOrEmpty(result), id, string(StatusDispatching),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finish dispatch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch result: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return s.FindByID(ctx, id)
}

// ExpirePending transitions every pending approval past its expiry to expired
// and returns how many rows moved.
func (s *Store) ExpirePending(ctx context.Context) (int, error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET approval_status = $1
		 WHERE approval_status = $2 AND expires_at <= $3`,
		string(StatusExpired), string(StatusPending), now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending approvals: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read expiry result: %w", err)
	}
	return int(affected), nil
}

func (s *Store) queryOne(ctx context.Context, query string, args ...interface{}) (*Record, error) {
	rec, err := scanApproval(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*Record, error) {
	var (
		rec            Record
		status         string
		stepsJSON      string
		auditJSON      string
		decisionJSON   string
		decidedAt      string
		dispatchedAt   string
		dispatchResult string
		createdAt      string
		expiresAt      string
	)

	err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.OperatorID, &rec.WorkspaceID, &rec.TenantID, &rec.MunicipalityID,
		&rec.ActionIntent, &rec.ActionMode, &rec.PlanHash, &stepsJSON, &auditJSON, &decisionJSON,
		&status, &rec.ApproverID, &rec.ApprovalNote, &decidedAt, &dispatchedAt, &dispatchResult,
		&createdAt, &expiresAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	rec.Status = Status(status)
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &rec.PlanSteps); err != nil {
			return nil, fmt.Errorf("failed to decode plan steps: %w", err)
		}
	}
	if auditJSON != "" {
		rec.AuditRecord = json.RawMessage(auditJSON)
	}
	if decisionJSON != "" {
		rec.DecisionResult = json.RawMessage(decisionJSON)
	}
	if dispatchResult != "" {
		rec.DispatchResult = json.RawMessage(dispatchResult)
	}
	rec.DecidedAt = parseTimePtr(decidedAt)
	rec.DispatchedAt = parseTimePtr(dispatchedAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.ExpiresAt = parseTime(expiresAt)

	return &rec, nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

// isUniqueViolation detects duplicate-key failures across both wired drivers
// without importing their error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

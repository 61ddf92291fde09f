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
	"fmt"
	"time"
)

// The schema is written to run unchanged on SQLite (modernc.org/sqlite) and
// PostgreSQL (lib/pq): TEXT columns, RFC3339 UTC timestamp strings, and $n
// placeholders throughout.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		operator_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL,
		municipality_id TEXT NOT NULL DEFAULT '',
		action_intent TEXT NOT NULL,
		action_mode TEXT NOT NULL,
		plan_hash TEXT NOT NULL,
		plan_steps TEXT NOT NULL,
		audit_record TEXT NOT NULL DEFAULT '',
		decision_result TEXT NOT NULL DEFAULT '',
		approval_status TEXT NOT NULL,
		approver_id TEXT NOT NULL DEFAULT '',
		approval_note TEXT NOT NULL DEFAULT '',
		decided_at TEXT NOT NULL DEFAULT '',
		dispatched_at TEXT NOT NULL DEFAULT '',
		dispatch_result TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_tenant_request
		ON approvals (tenant_id, request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status
		ON approvals (approval_status)`,
	`CREATE TABLE IF NOT EXISTS chain_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chain_template_steps (
		template_id TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		required_role TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL,
		PRIMARY KEY (template_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS chain_steps (
		id TEXT PRIMARY KEY,
		approval_id TEXT NOT NULL,
		template_id TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		required_role TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		decider_id TEXT NOT NULL DEFAULT '',
		decider_note TEXT NOT NULL DEFAULT '',
		decided_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chain_steps_approval
		ON chain_steps (approval_id, step_order)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		operator_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		status_code INTEGER NOT NULL,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (operator_id, tenant_id, request_id)
	)`,
}

// Migrate creates the control-plane tables when absent. Safe to run on every
// startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Timestamps are stored as fixed-width RFC3339 UTC strings so lexicographic
// SQL comparison matches chronological order on both drivers. The fractional
// part is zero-padded: variable precision would break string ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

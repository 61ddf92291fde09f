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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// newTestDB opens a migrated SQLite database in a per-test temp directory.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
}

// openTestDB opens (or reopens) a migrated SQLite database at path. Reopening
// the same path simulates a process restart over the same data directory.
func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func mustCreate(t *testing.T, store *Store, input CreateInput) *Record {
	t.Helper()
	rec, err := store.Create(context.Background(), input)
	require.NoError(t, err)
	return rec
}

func sampleInput(requestID string) CreateInput {
	return CreateInput{
		RequestID:    requestID,
		OperatorID:   "op-1",
		TenantID:     "tenant-1",
		ActionIntent: "deploy_policy",
		ActionMode:   ModeGoverned,
		PlanHash:     "abc123",
		PlanSteps: []PlanStep{
			{StepID: "s-1", Connector: "github", Status: PlanStepReady},
		},
	}
}

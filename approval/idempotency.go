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
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// IdempotencyKey identifies one submission. Replays match on the full key;
// the same (operator, tenant, request) under a different schema version is a
// conflict, never a replay.
type IdempotencyKey struct {
	OperatorID    string
	TenantID      string
	RequestID     string
	SchemaVersion int
}

// IdempotencyEntry stores the full prior result so a replay can return the
// original body and status code bytewise.
type IdempotencyEntry struct {
	Key        IdempotencyKey  `json:"key"`
	StatusCode int             `json:"status_code"`
	ResultJSON json.RawMessage `json:"result_json"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ErrSchemaVersionMismatch marks a replay attempted under a different schema
// version.
var ErrSchemaVersionMismatch = errors.New("idempotency: schema version changed since original submission")

// DefaultIdempotencyTTL bounds how long a replay window stays open.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore deduplicates submissions. The SQL table is the source of
// truth; an optional Redis client serves as a read-through fast path so hot
// replays skip the database. Redis being down or absent only costs latency.
type IdempotencyStore struct {
	db    *sql.DB
	cache *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewIdempotencyStore creates an idempotency store. cache may be nil.
func NewIdempotencyStore(db *sql.DB, cache *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{db: db, cache: cache, ttl: ttl, now: time.Now}
}

// SetClock overrides the store's time source. Tests only.
func (s *IdempotencyStore) SetClock(now func() time.Time) {
	s.now = now
}

// Lookup returns the stored entry for a key, nil when none exists, or
// ErrSchemaVersionMismatch when a row exists under a different schema
// version. Entries past their TTL are treated as absent.
func (s *IdempotencyStore) Lookup(ctx context.Context, key IdempotencyKey) (*IdempotencyEntry, error) {
	if entry := s.cacheGet(ctx, key); entry != nil {
		if entry.Key.SchemaVersion != key.SchemaVersion {
			return nil, ErrSchemaVersionMismatch
		}
		return entry, nil
	}

	var (
		schemaVersion int
		statusCode    int
		resultJSON    string
		createdAt     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT schema_version, status_code, result_json, created_at FROM idempotency
		 WHERE operator_id = $1 AND tenant_id = $2 AND request_id = $3`,
		key.OperatorID, key.TenantID, key.RequestID,
	).Scan(&schemaVersion, &statusCode, &resultJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency entry: %w", err)
	}

	created := parseTime(createdAt)
	if s.now().UTC().After(created.Add(s.ttl)) {
		// Expired: the replay window is closed, treat as a fresh submission.
		return nil, nil
	}

	if schemaVersion != key.SchemaVersion {
		return nil, ErrSchemaVersionMismatch
	}

	entry := &IdempotencyEntry{
		Key:        IdempotencyKey{OperatorID: key.OperatorID, TenantID: key.TenantID, RequestID: key.RequestID, SchemaVersion: schemaVersion},
		StatusCode: statusCode,
		ResultJSON: json.RawMessage(resultJSON),
		CreatedAt:  created,
	}
	s.cacheSet(ctx, entry)
	return entry, nil
}

// Record persists the result of a fresh submission for later replay. A
// concurrent duplicate insert is harmless: both writers carry the same
// result for the same key.
func (s *IdempotencyStore) Record(ctx context.Context, key IdempotencyKey, statusCode int, resultJSON json.RawMessage) error {
	createdAt := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (operator_id, tenant_id, request_id, schema_version, status_code, result_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.OperatorID, key.TenantID, key.RequestID, key.SchemaVersion,
		statusCode, string(resultJSON), formatTime(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to record idempotency entry: %w", err)
	}

	s.cacheSet(ctx, &IdempotencyEntry{Key: key, StatusCode: statusCode, ResultJSON: resultJSON, CreatedAt: createdAt})
	return nil
}

// PurgeExpired deletes entries past the TTL and returns how many were
// removed. Run periodically by the background sweeper.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := formatTime(s.now().UTC().Add(-s.ttl))
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return int(affected), nil
}

func cacheKey(key IdempotencyKey) string {
	return fmt.Sprintf("pj:idem:%s:%s:%s", key.OperatorID, key.TenantID, key.RequestID)
}

func (s *IdempotencyStore) cacheGet(ctx context.Context, key IdempotencyKey) *IdempotencyEntry {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		return nil
	}
	var entry IdempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil
	}
	return &entry
}

func (s *IdempotencyStore) cacheSet(ctx context.Context, entry *IdempotencyEntry) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	remaining := s.ttl - s.now().UTC().Sub(entry.CreatedAt)
	if remaining <= 0 {
		return
	}
	// Cache writes are best-effort; SQL stays authoritative.
	_ = s.cache.Set(ctx, cacheKey(entry.Key), raw, remaining).Err()
}

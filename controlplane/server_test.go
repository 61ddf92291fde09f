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

package controlplane

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"puddlejumper/platform/approval"
	"puddlejumper/platform/dispatch"
	"puddlejumper/platform/metrics"
	"puddlejumper/platform/shared/logger"
)

const testSecret = "unit-test-secret"

// fakeConnector is a scriptable in-process dispatcher registered as "github".
type fakeConnector struct {
	mu    sync.Mutex
	calls []dispatch.Context
	steps []approval.PlanStep
	fail  bool
	down  bool
}

func (f *fakeConnector) ConnectorName() string { return "github" }

func (f *fakeConnector) Dispatch(ctx context.Context, step approval.PlanStep, dctx dispatch.Context) (*dispatch.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dctx)
	f.steps = append(f.steps, step)
	if f.fail {
		return &dispatch.StepResult{
			StepID:    step.StepID,
			Connector: "github",
			Status:    dispatch.StepFailed,
			Error:     "scripted failure",
		}, nil
	}
	return &dispatch.StepResult{
		StepID:    step.StepID,
		Connector: "github",
		Status:    dispatch.StepDispatched,
		Result:    json.RawMessage(`{"ok":true}`),
	}, nil
}

func (f *fakeConnector) HealthCheck(ctx context.Context) dispatch.HealthStatus {
	if f.down {
		return dispatch.HealthStatus{Healthy: false, Detail: "scripted outage"}
	}
	return dispatch.HealthStatus{Healthy: true}
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	t      *testing.T
	srv    *Server
	router http.Handler
	db     *sql.DB
	github *fakeConnector
	dir    string
}

func newHarness(t *testing.T) *harness {
	return openHarness(t, t.TempDir())
}

// openHarness boots a server over a SQLite file in dir. Reusing a dir
// simulates a process restart over the same durable state.
func openHarness(t *testing.T, dir string) *harness {
	t.Helper()

	dsn := "file:" + filepath.Join(dir, "controlplane.db") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, approval.Migrate(ctx, db))

	github := &fakeConnector{}
	registry := dispatch.NewRegistry()
	registry.Register(github, nil)

	reg := metrics.NewRegistry()
	metrics.RegisterCatalog(reg)

	cfg := &Config{
		Port:           "0",
		JWTSecret:      testSecret,
		TrustedOrigins: []string{"http://localhost:3000"},
		ApprovalTTL:    approval.DefaultTTL,
		SweepInterval:  time.Minute,
	}
	srv := NewServer(cfg, db, nil, registry, reg, logger.New("controlplane-test"))
	require.NoError(t, srv.Chains().EnsureDefaultTemplate(ctx))

	return &harness{t: t, srv: srv, router: srv.Router(), db: db, github: github, dir: dir}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

// operatorToken can submit deploy intents but holds no review role.
func operatorToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{
		"operator_id": "op-1",
		"role":        "operator",
		"permissions": []string{"deploy"},
		"tenant_id":   "tenant-1",
	})
}

func adminToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{
		"operator_id": "admin-1",
		"role":        "admin",
		"permissions": []string{"deploy"},
		"tenant_id":   "tenant-1",
	})
}

func roleToken(t *testing.T, operatorID, role string) string {
	return signToken(t, jwt.MapClaims{
		"operator_id": operatorID,
		"role":        role,
		"tenant_id":   "tenant-1",
	})
}

// do issues a request through the full router, attaching the bearer token and
// the anti-CSRF marker on mutations.
func (h *harness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if isMutation(method) {
		req.Header.Set(CSRFHeader, "true")
	}

	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) (json.RawMessage, *apiError) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *apiError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	return env.Data, env.Error
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	data, apiErr := decodeEnvelope(t, rr)
	require.Nil(t, apiErr)
	require.NoError(t, json.Unmarshal(data, into))
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	_, apiErr := decodeEnvelope(t, rr)
	require.NotNil(t, apiErr)
	return apiErr.Code
}

func twoStepPlan() []approval.PlanStep {
	return []approval.PlanStep{
		{StepID: "s-1", Connector: "github", Status: approval.PlanStepReady,
			Plan: json.RawMessage(`{"method":"POST","path":"/repos/acme/infra/pulls"}`)},
		{StepID: "s-2", Connector: "github", Status: approval.PlanStepReady,
			Plan: json.RawMessage(`{"method":"PUT","path":"/repos/acme/infra/pulls/1/merge"}`)},
	}
}

// submitGoverned drives a governed submission to 202 and returns its body.
func (h *harness) submitGoverned(requestID, templateID string) executeAccepted {
	h.t.Helper()

	rr := h.do(http.MethodPost, "/api/pj/execute", operatorToken(h.t), executeRequest{
		RequestID:       requestID,
		ActionIntent:    "deploy_policy",
		PlanSteps:       twoStepPlan(),
		ChainTemplateID: templateID,
	})
	require.Equal(h.t, http.StatusAccepted, rr.Code, rr.Body.String())

	var accepted executeAccepted
	require.NoError(h.t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	require.True(h.t, accepted.ApprovalRequired)
	require.NotEmpty(h.t, accepted.ApprovalID)
	require.Equal(h.t, string(approval.StatusPending), accepted.ApprovalStatus)
	return accepted
}

func (h *harness) decide(token, approvalID string, req decideRequest) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.do(http.MethodPost, "/api/approvals/"+approvalID+"/decide", token, req)
}

func (h *harness) dispatch(token, approvalID string, dryRun bool) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.do(http.MethodPost, "/api/approvals/"+approvalID+"/dispatch", token, dispatchRequest{DryRun: dryRun})
}

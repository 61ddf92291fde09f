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

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"puddlejumper/platform/approval"
	"puddlejumper/platform/dispatch"
)

func testStep() approval.PlanStep {
	return approval.PlanStep{
		StepID:    "s-1",
		Connector: ConnectorName,
		Status:    approval.PlanStepReady,
		Plan:      json.RawMessage(`{"event":"deploy"}`),
	}
}

func testContext() dispatch.Context {
	return dispatch.Context{
		ApprovalID: "a-1",
		RequestID:  "req-1",
		OperatorID: "op-1",
	}
}

func TestDispatchSignsAndDelivers(t *testing.T) {
	const secret = "test-secret"

	var gotBody []byte
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotSignature = r.Header.Get(SignatureHeader)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := New(srv.URL, secret, 5*time.Second)
	result, err := h.Dispatch(context.Background(), testStep(), testContext())
	require.NoError(t, err)
	assert.Equal(t, dispatch.StepDispatched, result.Status)

	var d delivery
	require.NoError(t, json.Unmarshal(gotBody, &d))
	assert.Equal(t, "a-1", d.ApprovalID)
	assert.Equal(t, "req-1", d.RequestID)
	assert.Equal(t, "s-1", d.StepID)
	assert.JSONEq(t, `{"event":"deploy"}`, string(d.Plan))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSignature)
}

func TestDispatchUnsignedWithoutSecret(t *testing.T) {
	var gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := New(srv.URL, "", time.Second)
	_, err := h.Dispatch(context.Background(), testStep(), testContext())
	require.NoError(t, err)
	assert.Empty(t, gotSignature)
}

func TestDispatchDryRunSendsNothing(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	h := New(srv.URL, "secret", time.Second)
	dctx := testContext()
	dctx.DryRun = true

	result, err := h.Dispatch(context.Background(), testStep(), dctx)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StepDispatched, result.Status)
	assert.Equal(t, 0, hits)
	assert.Contains(t, string(result.Result), `"dry_run":true`)
}

func TestDispatchNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := New(srv.URL, "", time.Second)
	result, err := h.Dispatch(context.Background(), testStep(), testContext())
	require.NoError(t, err)
	assert.Equal(t, dispatch.StepFailed, result.Status)
	assert.Contains(t, result.Error, "502")
}

func TestDispatchTransportErrorReturnsError(t *testing.T) {
	h := New("http://127.0.0.1:1", "", 100*time.Millisecond)
	_, err := h.Dispatch(context.Background(), testStep(), testContext())
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed) // HEAD not implemented
	}))
	defer srv.Close()

	h := New(srv.URL, "", time.Second)
	// Any answer counts as healthy; only transport failures do not.
	assert.True(t, h.HealthCheck(context.Background()).Healthy)

	down := New("http://127.0.0.1:1", "", 100*time.Millisecond)
	assert.False(t, down.HealthCheck(context.Background()).Healthy)
}

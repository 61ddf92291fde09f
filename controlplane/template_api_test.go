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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"puddlejumper/platform/approval"
)

func TestTemplateLifecycle(t *testing.T) {
	h := newHarness(t)
	admin := adminToken(t)

	rr := h.do(http.MethodPost, "/api/chain-templates", admin, templateRequest{
		Name:        "security review",
		Description: "single security gate",
		Steps:       []approval.ChainTemplateStep{{Order: 0, RequiredRole: "security"}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created approval.ChainTemplate
	decodeData(t, rr, &created)
	require.NotEmpty(t, created.ID)

	rr = h.do(http.MethodGet, "/api/chain-templates/"+created.ID, operatorToken(t), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var fetched approval.ChainTemplate
	decodeData(t, rr, &fetched)
	assert.Equal(t, "security review", fetched.Name)
	assert.Len(t, fetched.Steps, 1)

	// The default template lists first.
	rr = h.do(http.MethodGet, "/api/chain-templates", operatorToken(t), nil)
	var list struct {
		Templates []*approval.ChainTemplate `json:"templates"`
	}
	decodeData(t, rr, &list)
	require.GreaterOrEqual(t, len(list.Templates), 2)
	assert.Equal(t, approval.DefaultTemplateID, list.Templates[0].ID)
	assert.True(t, list.Templates[0].IsDefault)

	rr = h.do(http.MethodPut, "/api/chain-templates/"+created.ID, admin, templateRequest{
		Name: "security and legal review",
		Steps: []approval.ChainTemplateStep{
			{Order: 0, RequiredRole: "security"},
			{Order: 1, RequiredRole: "legal"},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var updated approval.ChainTemplate
	decodeData(t, rr, &updated)
	assert.Equal(t, "security and legal review", updated.Name)
	assert.Len(t, updated.Steps, 2)

	rr = h.do(http.MethodDelete, "/api/chain-templates/"+created.ID, admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var deleted struct {
		Deleted bool `json:"deleted"`
	}
	decodeData(t, rr, &deleted)
	assert.True(t, deleted.Deleted)

	rr = h.do(http.MethodGet, "/api/chain-templates/"+created.ID, operatorToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTemplateValidation(t *testing.T) {
	h := newHarness(t)
	admin := adminToken(t)

	rr := h.do(http.MethodPost, "/api/chain-templates", admin, templateRequest{
		Steps: []approval.ChainTemplateStep{{Order: 0, RequiredRole: "it"}},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Orders must form a contiguous range starting at zero.
	rr = h.do(http.MethodPost, "/api/chain-templates", admin, templateRequest{
		Name: "gapped",
		Steps: []approval.ChainTemplateStep{
			{Order: 0, RequiredRole: "it"},
			{Order: 2, RequiredRole: "admin"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation", errorCode(t, rr))
}

func TestDefaultTemplateImmutable(t *testing.T) {
	h := newHarness(t)
	admin := adminToken(t)

	rr := h.do(http.MethodPut, "/api/chain-templates/"+approval.DefaultTemplateID, admin, templateRequest{
		Name:  "renamed",
		Steps: []approval.ChainTemplateStep{{Order: 0, RequiredRole: "it"}},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "forbidden", errorCode(t, rr))

	rr = h.do(http.MethodDelete, "/api/chain-templates/"+approval.DefaultTemplateID, admin, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestTemplateDeleteInUse(t *testing.T) {
	h := newHarness(t)
	admin := adminToken(t)

	rr := h.do(http.MethodPost, "/api/chain-templates", admin, templateRequest{
		Name:  "it gate",
		Steps: []approval.ChainTemplateStep{{Order: 0, RequiredRole: "it"}},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var tmpl approval.ChainTemplate
	decodeData(t, rr, &tmpl)

	accepted := h.submitGoverned("req-30", tmpl.ID)

	rr = h.do(http.MethodDelete, "/api/chain-templates/"+tmpl.ID, admin, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "illegal_transition", errorCode(t, rr))

	// Once the chain terminates the template is deletable again.
	rr = h.decide(roleToken(t, "it-1", "it"), accepted.ApprovalID, decideRequest{Status: "rejected"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(http.MethodDelete, "/api/chain-templates/"+tmpl.ID, admin, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTemplateNotFound(t *testing.T) {
	h := newHarness(t)

	rr := h.do(http.MethodGet, "/api/chain-templates/ghost", operatorToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(http.MethodPut, "/api/chain-templates/ghost", adminToken(t), templateRequest{
		Name:  "ghost",
		Steps: []approval.ChainTemplateStep{{Order: 0, RequiredRole: "it"}},
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(http.MethodDelete, "/api/chain-templates/ghost", adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

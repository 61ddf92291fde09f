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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"puddlejumper/platform/approval"
)

// handleGetChain is GET /approvals/{id}/chain. 404 when the approval has no
// chain (legacy approvals).
func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	rec, ok := s.loadApproval(w, r)
	if !ok {
		return
	}
	if !s.canSee(principal, rec) {
		writeError(w, http.StatusForbidden, "forbidden", "approval belongs to another operator")
		return
	}

	progress, err := s.chains.GetChainProgress(r.Context(), rec.ID)
	if err != nil {
		s.internalError(w, principal, rec.RequestID, "chain progress failed", err)
		return
	}
	if progress == nil {
		writeError(w, http.StatusNotFound, "not_found", "approval has no chain")
		return
	}

	steps, err := s.chains.GetStepsForApproval(r.Context(), rec.ID)
	if err != nil {
		s.internalError(w, principal, rec.RequestID, "chain step query failed", err)
		return
	}

	writeData(w, http.StatusOK, map[string]interface{}{
		"totalSteps":     progress.Total,
		"completedSteps": progress.Completed,
		"currentStep":    progress.CurrentStep,
		"currentSteps":   progress.CurrentSteps,
		"steps":          steps,
		"allApproved":    progress.AllApproved,
		"rejected":       progress.Rejected,
		"templateId":     progress.TemplateID,
		"templateName":   progress.TemplateName,
	})
}

// handleListTemplates is GET /chain-templates.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	templates, err := s.chains.ListTemplates(r.Context())
	if err != nil {
		s.internalError(w, principal, "", "template list failed", err)
		return
	}
	if templates == nil {
		templates = []*approval.ChainTemplate{}
	}
	writeData(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

// handleGetTemplate is GET /chain-templates/{id}.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id := mux.Vars(r)["id"]

	tmpl, err := s.chains.GetTemplate(r.Context(), id)
	if errors.Is(err, approval.ErrTemplateNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "template not found")
		return
	}
	if err != nil {
		s.internalError(w, principal, "", "template lookup failed", err)
		return
	}
	writeData(w, http.StatusOK, tmpl)
}

// templateRequest is the body of template create and update calls.
type templateRequest struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description,omitempty"`
	Steps       []approval.ChainTemplateStep `json:"steps"`
}

// handleCreateTemplate is POST /chain-templates (admin).
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation", "name is required")
		return
	}

	tmpl, err := s.chains.CreateTemplate(r.Context(), approval.TemplateInput{
		Name:        req.Name,
		Description: req.Description,
		Steps:       req.Steps,
	})
	if errors.Is(err, approval.ErrNonSequentialOrders) {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if err != nil {
		s.internalError(w, principal, "", "template creation failed", err)
		return
	}

	s.log.Info(principal.OperatorID, "", "chain template created", map[string]interface{}{
		"template_id": tmpl.ID,
		"steps":       len(tmpl.Steps),
	})
	writeData(w, http.StatusCreated, tmpl)
}

// handleUpdateTemplate is PUT /chain-templates/{id} (admin). The default
// template is immutable.
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id := mux.Vars(r)["id"]

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	tmpl, err := s.chains.UpdateTemplate(r.Context(), id, approval.TemplateInput{
		Name:        req.Name,
		Description: req.Description,
		Steps:       req.Steps,
	})
	switch {
	case errors.Is(err, approval.ErrTemplateNotFound):
		writeError(w, http.StatusNotFound, "not_found", "template not found")
		return
	case errors.Is(err, approval.ErrDefaultImmutable):
		writeError(w, http.StatusForbidden, "forbidden", "the default template cannot be modified")
		return
	case errors.Is(err, approval.ErrNonSequentialOrders):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	case err != nil:
		s.internalError(w, principal, "", "template update failed", err)
		return
	}
	writeData(w, http.StatusOK, tmpl)
}

// handleDeleteTemplate is DELETE /chain-templates/{id} (admin). The default
// template and templates with undecided chains are protected.
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id := mux.Vars(r)["id"]

	err := s.chains.DeleteTemplate(r.Context(), id)
	switch {
	case errors.Is(err, approval.ErrTemplateNotFound):
		writeError(w, http.StatusNotFound, "not_found", "template not found")
		return
	case errors.Is(err, approval.ErrDefaultImmutable):
		writeError(w, http.StatusForbidden, "forbidden", "the default template cannot be deleted")
		return
	case errors.Is(err, approval.ErrTemplateInUse):
		writeError(w, http.StatusConflict, "illegal_transition", "template is referenced by an undecided chain")
		return
	case err != nil:
		s.internalError(w, principal, "", "template deletion failed", err)
		return
	}

	s.log.Info(principal.OperatorID, "", "chain template deleted", map[string]interface{}{
		"template_id": id,
	})
	writeData(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

package httpapi

import (
	"net/http"

	"github.com/opsguard/conductor/internal/policyeval"
)

type policyRequest struct {
	Name       string `json:"name"`
	SourceText string `json:"source_text"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	p := &Policy{TenantID: reqTenantID(r), Name: req.Name, SourceText: req.SourceText}
	writeJSON(w, http.StatusCreated, s.policies.Put(p))
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policies.List(reqTenantID(r)))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(reqTenantID(r), urlParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	p := &Policy{ID: urlParam(r, "id"), TenantID: reqTenantID(r), Name: req.Name, SourceText: req.SourceText}
	writeJSON(w, http.StatusOK, s.policies.Put(p))
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(reqTenantID(r), urlParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestPolicy dry-runs a policy document against a single proposed
// step without requiring a stored runbook to reference it, letting an
// author iterate on tool_allowlist/approvals/preconditions/budgets before
// attaching the policy to a runbook.
func (s *Server) handleTestPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceText string         `json:"source_text"`
		Step       policyeval.Step `json:"step"`
		UserRoles  []string       `json:"user_roles"`
		Inputs     map[string]any `json:"inputs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	policy := policyeval.ParsePolicy(req.SourceText)
	decision := policyeval.Evaluate(req.Step, policy, req.UserRoles, req.Inputs, nil)
	writeJSON(w, http.StatusOK, decision)
}

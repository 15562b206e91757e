package httpapi

import (
	"net/http"

	"github.com/opsguard/conductor/internal/tenancy"
)

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "name is required")
		return
	}
	writeJSON(w, http.StatusCreated, s.tenants.CreateTenant(req.Name))
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	key, plain, err := s.tenants.CreateAPIKey(urlParam(r, "id"), req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "secret": plain})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tenants.ListAPIKeys(urlParam(r, "id")))
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	key, plain, err := s.tenants.RotateAPIKey(urlParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "secret": plain})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.DeleteAPIKey(urlParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "name is required")
		return
	}
	p, err := s.tenants.CreateProject(reqTenantID(r), req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tenants.ListProjects(reqTenantID(r)))
}

type roleBindingRequest struct {
	ProjectID   string `json:"project_id,omitempty"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	Role        string `json:"role"`
}

func (s *Server) handleCreateRoleBinding(w http.ResponseWriter, r *http.Request) {
	var req roleBindingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if req.SubjectID == "" || req.Role == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "subject_id and role are required")
		return
	}
	rb := tenancy.RoleBinding{
		TenantID:    reqTenantID(r),
		ProjectID:   req.ProjectID,
		SubjectType: tenancy.SubjectType(req.SubjectType),
		SubjectID:   req.SubjectID,
		Role:        tenancy.Role(req.Role),
	}
	s.binder.Bind(rb)
	writeJSON(w, http.StatusCreated, rb)
}

func (s *Server) handleListRoleBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.binder.Bindings(reqTenantID(r)))
}

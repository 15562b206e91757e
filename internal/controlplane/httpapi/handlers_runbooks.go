package httpapi

import (
	"net/http"

	"github.com/opsguard/conductor/internal/execengine"
)

func (s *Server) handleCreateRunbook(w http.ResponseWriter, r *http.Request) {
	var rb execengine.Runbook
	if err := decodeJSON(r, &rb); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	rb.TenantID = reqTenantID(r)
	if rb.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "name is required")
		return
	}
	writeJSON(w, http.StatusCreated, s.runbooks.Put(&rb))
}

func (s *Server) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runbooks.List(reqTenantID(r)))
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	rb, err := s.runbooks.GetRunbook(reqTenantID(r), urlParam(r, "id"), r.URL.Query().Get("version"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handlePutRunbook(w http.ResponseWriter, r *http.Request) {
	var rb execengine.Runbook
	if err := decodeJSON(r, &rb); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	rb.TenantID = reqTenantID(r)
	rb.ID = urlParam(r, "id")
	writeJSON(w, http.StatusOK, s.runbooks.Put(&rb))
}

func (s *Server) handleDeleteRunbook(w http.ResponseWriter, r *http.Request) {
	if err := s.runbooks.Delete(reqTenantID(r), urlParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDuplicateRunbook copies a runbook under a new ID, the idiom §6
// describes for iterating on a runbook without editing the original in
// place.
func (s *Server) handleDuplicateRunbook(w http.ResponseWriter, r *http.Request) {
	tenantID := reqTenantID(r)
	rb, err := s.runbooks.GetRunbook(tenantID, urlParam(r, "id"), "")
	if err != nil {
		writeErr(w, err)
		return
	}
	dup := *rb
	dup.ID = ""
	dup.Name = dup.Name + " (copy)"
	writeJSON(w, http.StatusCreated, s.runbooks.Put(&dup))
}

// handleArchiveRunbook marks a runbook unavailable for new runs without
// deleting its history; archived runbooks are simply removed from the
// active store since existing runs hold their own snapshot of the steps
// they executed.
func (s *Server) handleArchiveRunbook(w http.ResponseWriter, r *http.Request) {
	if err := s.runbooks.Delete(reqTenantID(r), urlParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/opsguard/conductor/internal/conductorerr"
	"github.com/opsguard/conductor/internal/controlplane/audit/hashchain"
)

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeErr(w, conductorerr.Internal("audit log unavailable", nil))
		return
	}
	q := r.URL.Query()
	f := hashchain.Filter{
		TenantID:     reqTenantID(r),
		Action:       hashchain.Action(q.Get("action")),
		ResourceType: q.Get("resource_type"),
		Cursor:       q.Get("cursor"),
		Limit:        atoiDefault(q.Get("limit"), 100),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	entries, err := s.audit.QueryPersisted(f)
	if err != nil {
		writeErr(w, conductorerr.Internal("audit query failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeErr(w, conductorerr.Internal("audit log unavailable", nil))
		return
	}
	result, err := s.audit.VerifyPersisted(reqTenantID(r))
	if err != nil {
		writeErr(w, conductorerr.Internal("audit verification failed", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/opsguard/conductor/internal/conductorerr"
	"github.com/opsguard/conductor/internal/controlplane/audit/hashchain"
)

// handleExportTenant streams a tenant's full hash-chained audit log as
// newline-delimited JSON, the portable form a tenant offboarding or a
// disaster-recovery import consumes.
func (s *Server) handleExportTenant(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeErr(w, conductorerr.Internal("audit log unavailable", nil))
		return
	}
	tenantID := urlParam(r, "id")
	if tenantID != reqTenantID(r) {
		writeErr(w, conductorerr.Forbidden("cannot export another tenant's audit log"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+tenantID+"-audit.jsonl\"")
	if err := s.audit.StreamJSONL(r.Context(), w, hashchain.Filter{TenantID: tenantID}); err != nil {
		s.log.Error("export tenant audit stream failed", zap.Error(err))
	}
}

// handleImportTenant is not yet supported: the hash chain commits each
// entry's hash to the tenant's own PrevHash at append time, so importing a
// foreign chain verbatim would either break verification or require
// re-signing every entry — re-signing defeats the point of an audit trail
// an importer didn't produce. Until that tradeoff is resolved, import is
// rejected rather than silently accepted.
func (s *Server) handleImportTenant(w http.ResponseWriter, r *http.Request) {
	writeErr(w, conductorerr.Validation("audit chain import is not supported: re-signing a foreign chain would invalidate its provenance"))
}

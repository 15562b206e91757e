package httpapi

import (
	"net/http"
	"time"
)

// handleBillingUsage reports one tenant's usage for a single day (today by
// default), the BillingUsage row metering.Enforcer.Usage aggregates.
func (s *Server) handleBillingUsage(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	writeJSON(w, http.StatusOK, s.quotas.Usage(reqTenantID(r), day))
}

// handleBillingQuotas reports the configured quota limits alongside
// today's usage so a caller can compute remaining headroom without a
// separate "limits" endpoint.
func (s *Server) handleBillingQuotas(w http.ResponseWriter, r *http.Request) {
	tenantID := reqTenantID(r)
	day := time.Now().UTC().Format("2006-01-02")
	writeJSON(w, http.StatusOK, map[string]any{
		"quotas":      s.quotas.Quotas(tenantID),
		"usage_today": s.quotas.Usage(tenantID, day),
	})
}

package httpapi

import (
	"net/http"

	"github.com/opsguard/conductor/internal/adapters"
)

type featureFlagRequest struct {
	Namespace string `json:"namespace"`
	Variant   string `json:"variant"`
}

// handleSetFeatureFlag sets the §4.6 DB-row override for one namespace,
// one level above the ADAPTER_FLAG_<NAMESPACE> env var in the precedence
// chain adapters.ResolveVariant walks.
func (s *Server) handleSetFeatureFlag(w http.ResponseWriter, r *http.Request) {
	var req featureFlagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	variant := adapters.Variant(req.Variant)
	if variant != adapters.VariantReal && variant != adapters.VariantMock {
		writeError(w, http.StatusUnprocessableEntity, "validation", "variant must be \"real\" or \"mock\"")
		return
	}
	if req.Namespace == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "namespace is required")
		return
	}
	s.flags.Set(reqTenantID(r), adapters.Namespace(req.Namespace), variant)
	writeJSON(w, http.StatusOK, map[string]string{"namespace": req.Namespace, "variant": string(variant)})
}

// handleListFeatureFlags reports the tenant's configured overrides; a
// namespace absent from the result falls through to the env var and
// finally the mock default.
func (s *Server) handleListFeatureFlags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.flags.List(reqTenantID(r)))
}

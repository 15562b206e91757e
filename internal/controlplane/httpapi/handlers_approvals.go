package httpapi

import (
	"net/http"
	"strings"

	"github.com/opsguard/conductor/internal/controlplane/runapproval"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	tenantID := reqTenantID(r)
	if r.URL.Query().Get("all") == "true" {
		writeJSON(w, http.StatusOK, s.approvals.All(tenantID, atoiDefault(r.URL.Query().Get("limit"), 100)))
		return
	}
	writeJSON(w, http.StatusOK, s.approvals.Pending(tenantID))
}

type decideApprovalRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

// handleDecideApproval serves both /approvals/{id}/approve and .../deny;
// the matched route's trailing segment picks the decision, matching the
// teacher's shared-handler-per-verb-pair idiom.
func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var req decideApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	decision := runapproval.DecisionApproved
	if strings.HasSuffix(r.URL.Path, "/deny") {
		decision = runapproval.DecisionDenied
	}

	subj := reqSubject(r)
	decided, err := s.approvals.Decide(urlParam(r, "id"), decision, subj.String(), req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

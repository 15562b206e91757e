package httpapi

import (
	"net/http"
	"time"

	"github.com/opsguard/conductor/internal/adapters"
	"github.com/opsguard/conductor/internal/controlplane/audit/hashchain"
)

type toolInvokeRequest struct {
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args,omitempty"`
	DryRun         bool           `json:"dry_run,omitempty"`
	RunID          string         `json:"run_id,omitempty"`
	StepName       string         `json:"step_name,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

func (s *Server) dispatchTool(w http.ResponseWriter, r *http.Request, forceDryRun bool) {
	var req toolInvokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	tenantID := reqTenantID(r)
	call := adapters.Call{
		TenantID:       tenantID,
		RunID:          req.RunID,
		StepName:       req.StepName,
		Tool:           req.Tool,
		Args:           req.Args,
		DryRun:         req.DryRun || forceDryRun,
		IdempotencyKey: req.IdempotencyKey,
	}
	result, err := s.registry.Dispatch(r.Context(), call)
	if err != nil {
		writeErr(w, err)
		return
	}

	if s.audit != nil {
		subj := reqSubject(r)
		_, _ = s.audit.Append(tenantID, hashchain.Entry{
			Timestamp:    time.Now().UTC(),
			ActorType:    string(subj.Type),
			ActorID:      subj.ID,
			TenantID:     tenantID,
			Action:       hashchain.Action("tools.invoke"),
			ResourceType: "tool",
			ResourceID:   req.Tool,
			Payload:      map[string]any{"args": req.Args, "dry_run": call.DryRun},
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// handleToolsPlan dry-runs a tool invocation against its adapter without
// performing any side effect, the same posture every adapter's Invoke
// takes when Call.DryRun is set.
func (s *Server) handleToolsPlan(w http.ResponseWriter, r *http.Request) {
	s.dispatchTool(w, r, true)
}

func (s *Server) handleToolsInvoke(w http.ResponseWriter, r *http.Request) {
	s.dispatchTool(w, r, false)
}

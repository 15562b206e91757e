package httpapi

import (
	"net/http"

	"github.com/opsguard/conductor/internal/conductorerr"
	"github.com/opsguard/conductor/internal/execengine"
	"github.com/opsguard/conductor/internal/runstream"
)

type startRunRequest struct {
	RunbookID string         `json:"runbook_id"`
	Version   string         `json:"version,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	subj := reqSubject(r)
	run, err := s.engine.Start(r.Context(), execengine.StartRunRequest{
		TenantID:  reqTenantID(r),
		RunbookID: req.RunbookID,
		Version:   req.Version,
		Inputs:    req.Inputs,
		Requester: subj.String(),
		UserRoles: reqRoles(r),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.List(reqTenantID(r)))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Get(urlParam(r, "id"))
	if err != nil {
		writeErr(w, conductorerr.NotFound("run not found"))
		return
	}
	if run.TenantID != reqTenantID(r) {
		writeErr(w, conductorerr.NotFound("run not found"))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunAction covers /runs/{id}/resume|pause|cancel. The engine runs a
// run to its first blocking condition synchronously within Start and holds
// no separate paused/running goroutine to signal, so none of the three has
// anything to do to an already-terminal run; each reports 409 rather than
// silently no-op'ing, leaving room for true asynchronous execution later.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Get(urlParam(r, "id"))
	if err != nil || run.TenantID != reqTenantID(r) {
		writeErr(w, conductorerr.NotFound("run not found"))
		return
	}
	writeErr(w, conductorerr.Conflict("run is not in a state that supports this action"))
}

func (s *Server) handlePromoteRun(w http.ResponseWriter, r *http.Request) {
	writeErr(w, conductorerr.Validation("promote requires a canary evaluation; see POST /canary/check"))
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	if _, err := s.engine.Get(runID); err != nil {
		writeErr(w, conductorerr.NotFound("run not found"))
		return
	}
	_ = runstream.ServeSSE(w, r, s.stream, runID)
}

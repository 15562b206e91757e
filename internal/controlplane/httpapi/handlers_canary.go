package httpapi

import (
	"net/http"

	"github.com/opsguard/conductor/internal/conductorerr"
	"github.com/opsguard/conductor/internal/execengine"
	"github.com/opsguard/conductor/internal/shadow"
)

// handleCanaryPolicy stores the thresholds a canary run is judged against;
// since there is no durable canary-policy store yet, this endpoint echoes
// back a validated CanaryThresholds document rather than a stored ID — the
// caller is expected to pass the same thresholds to /canary/check.
func (s *Server) handleCanaryPolicy(w http.ResponseWriter, r *http.Request) {
	var t shadow.CanaryThresholds
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type canaryCheckRequest struct {
	RunID      string                  `json:"run_id"`
	Expected   []shadow.ExpectedStep   `json:"expected"`
	Thresholds shadow.CanaryThresholds `json:"thresholds"`
	Obs        shadow.CanaryObservation `json:"observation"`
}

// handleCanaryCheck evaluates a completed run's steps against the expected
// shadow-mode baseline and reports whether it clears the canary
// thresholds, the same Evaluate/Promote pair shadow_test.go exercises.
func (s *Server) handleCanaryCheck(w http.ResponseWriter, r *http.Request) {
	var req canaryCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	run, err := s.engine.Get(req.RunID)
	if err != nil || run.TenantID != reqTenantID(r) {
		writeErr(w, conductorerr.NotFound("run not found"))
		return
	}

	report := shadow.Evaluate(stepsOf(run), req.Expected)
	decision := shadow.Promote(report, req.Obs, req.Thresholds)
	writeJSON(w, http.StatusOK, map[string]any{
		"report":   report,
		"decision": decision.String(),
		"promote":  decision,
	})
}

func stepsOf(run *execengine.Run) []execengine.RunStep {
	return run.Steps
}

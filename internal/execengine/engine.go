package execengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsguard/conductor/internal/adapters"
	"github.com/opsguard/conductor/internal/conductorerr"
	"github.com/opsguard/conductor/internal/controlplane/runapproval"
	"github.com/opsguard/conductor/internal/controlplane/audit/hashchain"
	"github.com/opsguard/conductor/internal/metering"
	"github.com/opsguard/conductor/internal/policyeval"
)

// ErrRunNotFound is returned when a run ID has no tracked state.
var ErrRunNotFound = errors.New("run not found")

// StartRunRequest starts one run of a stored runbook.
type StartRunRequest struct {
	TenantID  string
	RunbookID string
	Version   string
	Inputs    map[string]any
	Requester string
	UserRoles []string
}

// Dispatcher executes one adapter call. Satisfied by *adapters.Registry;
// narrowed to an interface so the engine can be tested without a live
// registry, same role ActionRunner plays for automationpacks.ExecutionRuntime.
type Dispatcher interface {
	Dispatch(ctx context.Context, call adapters.Call) (adapters.Result, error)
}

// PolicySource resolves the policy document governing one runbook's steps,
// both parsed (for the per-step policy gate) and as raw source text (for
// the brain adapter's stub/planner inputs).
type PolicySource interface {
	PolicyFor(tenantID, runbookID string) policyeval.Policy
	PolicyTextFor(tenantID, runbookID string) string
}

// Brain plans and reviews every declared step of a run in one pass,
// generalized from §4.8's PlanAndReview operation. A nil Brain on the
// Engine disables the brain gate entirely (the per-step budget/policy/
// approval/retry machinery still runs); this is the posture used when
// brain planning is wired in at a higher layer than the engine itself.
type Brain interface {
	PlanAndReview(ctx context.Context, runID, runbookText, policyText string, runContext map[string]any) (BrainResult, error)
}

// BrainPlannedStep is one step's planned decision.
type BrainPlannedStep struct {
	Name     string
	Tool     string
	Args     map[string]any
	Decision string
	Reasons  []string
}

// BrainUsage is the token/latency/cost accounting for one PlanAndReview call.
type BrainUsage struct {
	TokensIn  int64
	TokensOut int64
	LatencyMS int64
	CostUSD   float64
}

// BrainResult is the full PlanAndReview output for a run.
type BrainResult struct {
	Planned []BrainPlannedStep
	Usage   BrainUsage
}

// Approvals is the subset of runapproval.Queue the engine depends on.
type Approvals interface {
	Submit(tenantID, runID, stepName, reason, riskLevel, requester string, requiredRoles []string) (*runapproval.Request, error)
	WaitForDecision(id string, timeout time.Duration) (*runapproval.Request, error)
}

// AuditSink persists one hash-chained entry per timeline event.
type AuditSink interface {
	Append(tenantID string, e hashchain.Entry) (hashchain.Entry, error)
}

// EventSink broadcasts step transitions and the run's terminal state to
// §4.12's subscribers. A nil EventSink disables streaming entirely; runs
// still execute identically since nothing downstream depends on delivery.
type EventSink interface {
	PublishStep(runID string, step RunStep)
	Finish(run *Run)
}

// Budget enforces per-tenant run quotas.
type Budget interface {
	CheckCanStartRun(tenantID string) (metering.QuotaSignal, error)
	RecordRunStart(tenantID string)
	RecordRunEnd(tenantID string, m metering.RunMetrics)
}

// Engine runs runbooks end to end: policy simulation, approval checkpoints,
// retried adapter dispatch, and rollback-on-failure, generalized from
// automationpacks.ExecutionRuntime.Start to the conductor's run/step domain.
type Engine struct {
	store       Store
	dispatcher  Dispatcher
	policies    PolicySource
	approvals   Approvals
	auditSink   AuditSink
	budget      Budget
	brain       Brain
	events      EventSink
	retryPolicy RetryPolicy

	defaultStepTimeout  time.Duration
	approvalWaitTimeout time.Duration
	now                 func() time.Time

	mu       sync.RWMutex
	runs     map[string]*Run
	sequence uint64
}

// NewEngine wires an Engine from its collaborators. approvals/auditSink/
// budget may be nil to disable that concern (useful for tests exercising
// the step state machine in isolation).
func NewEngine(store Store, dispatcher Dispatcher, policies PolicySource, approvals Approvals, auditSink AuditSink, budget Budget, brain Brain, events EventSink) *Engine {
	return &Engine{
		store:               store,
		dispatcher:          dispatcher,
		policies:            policies,
		approvals:           approvals,
		auditSink:           auditSink,
		budget:              budget,
		brain:               brain,
		events:              events,
		retryPolicy:         defaultRetryPolicy(),
		defaultStepTimeout:  30 * time.Second,
		approvalWaitTimeout: 15 * time.Minute,
		now:                 func() time.Time { return time.Now().UTC() },
		runs:                make(map[string]*Run),
	}
}

// Start executes a runbook to completion (or first blocking condition) and
// returns the final Run state.
func (e *Engine) Start(ctx context.Context, req StartRunRequest) (*Run, error) {
	if e == nil || e.store == nil {
		return nil, conductorerr.Internal("execution engine unavailable", nil)
	}

	runbookID := strings.TrimSpace(strings.ToLower(req.RunbookID))
	if runbookID == "" {
		return nil, conductorerr.Validation("runbook id is required")
	}

	rb, err := e.store.GetRunbook(req.TenantID, runbookID, strings.TrimSpace(req.Version))
	if err != nil {
		return nil, err
	}

	if e.budget != nil {
		if _, err := e.budget.CheckCanStartRun(req.TenantID); err != nil {
			return nil, err
		}
		e.budget.RecordRunStart(req.TenantID)
	}

	resolvedInputs := resolveInputs(rb.Inputs, req.Inputs)

	now := e.now()
	run := &Run{
		ID:             e.nextRunID(),
		TenantID:       req.TenantID,
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		Requester:      req.Requester,
		Status:         RunStatusRunning,
		StartedAt:      now,
		ResolvedInputs: cloneMap(resolvedInputs),
		Steps:          make([]RunStep, len(rb.Steps)),
		RollbackStatus: RollbackStatusNotRequired,
	}
	e.recordTimeline(run, TimelineEvent{Type: TimelineEventRunStarted, Status: RunStatusRunning, Message: "run started", Timestamp: now,
		Data: map[string]any{"runbook_id": rb.ID, "runbook_version": rb.Version}})

	for idx, step := range rb.Steps {
		run.Steps[idx] = RunStep{
			Order:          idx + 1,
			Name:           step.Name,
			Tool:           step.Tool,
			Status:         StepStatusPending,
			MaxRetries:     normalizeRetryCount(step.MaxRetries),
			TimeoutSeconds: timeoutSecondsOf(step.TimeoutSeconds, e.defaultStepTimeout),
		}
	}

	succeeded := make([]int, 0, len(rb.Steps))

	var policy policyeval.Policy
	var policyText string
	if e.policies != nil {
		policy = e.policies.PolicyFor(req.TenantID, rb.ID)
		policyText = e.policies.PolicyTextFor(req.TenantID, rb.ID)
	}

	brainPlan, err := e.runBrainPlan(ctx, run, rb, policyText, resolvedInputs)
	if err != nil {
		e.blockRunAtStart(run, "brain", fmt.Sprintf("brain planning failed: %v", err))
		e.finishBudget(req.TenantID, run)
		return e.persistAndClone(run), nil
	}

	for idx := range rb.Steps {
		stepDef := rb.Steps[idx]
		step := &run.Steps[idx]
		resolvedArgs := resolveArgs(stepDef.Args, resolvedInputs)
		step.ResolvedArgs = cloneMap(resolvedArgs)

		stepStarted := e.now()
		step.StartedAt = &stepStarted
		step.Status = StepStatusRunning
		e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepStarted, StepName: stepDef.Name, Status: StepStatusRunning,
			Message: "step started", Timestamp: stepStarted, Data: map[string]any{"order": step.Order, "tool": step.Tool}})

		decision := policyeval.Evaluate(policyeval.Step{Name: stepDef.Name, Tool: stepDef.Tool, Input: resolvedArgs}, policy, req.UserRoles, resolvedInputs, nil)
		policyOutcome := "allow"
		if !decision.OK {
			policyOutcome = "deny"
		} else if decision.RequireApproval {
			policyOutcome = "queue"
		}
		step.PolicyOutcome = policyOutcome

		e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepPolicy, StepName: stepDef.Name, Status: policyOutcome,
			Message: strings.Join(decision.Reasons, "; "), Timestamp: e.now(),
			Data: map[string]any{"outcome": policyOutcome, "reasons": decision.Reasons}})

		if !decision.OK {
			e.blockRun(run, idx, "policy", fmt.Sprintf("step %s denied by policy: %s", stepDef.Name, strings.Join(decision.Reasons, "; ")), succeeded, rb.Steps, resolvedInputs)
			e.finishBudget(req.TenantID, run)
			return e.persistAndClone(run), nil
		}

		needsApproval := decision.RequireApproval || runapproval.NeedsApproval(stepDef.Tool)
		if needsApproval {
			if blocked := e.runApprovalCheckpoint(ctx, run, idx, stepDef, succeeded, rb.Steps, resolvedInputs, req.Requester); blocked {
				e.finishBudget(req.TenantID, run)
				return e.persistAndClone(run), nil
			}
		}

		if blocked := e.gateBrainDecision(run, idx, stepDef, brainPlan, succeeded, rb.Steps, resolvedInputs); blocked {
			e.finishBudget(req.TenantID, run)
			return e.persistAndClone(run), nil
		}
		step.IdempotencyKey = idempotencyKey(run.ID, stepDef.Name, resolvedArgs)

		if terminated := e.runStepAttempts(ctx, run, idx, stepDef, resolvedArgs, rb.Steps, resolvedInputs, &succeeded); terminated {
			e.finishBudget(req.TenantID, run)
			return e.persistAndClone(run), nil
		}
	}

	run.Status = RunStatusSucceeded
	finished := e.now()
	run.FinishedAt = &finished
	run.RollbackStatus = RollbackStatusNotRequired
	e.recordTimeline(run, TimelineEvent{Type: TimelineEventRunFinished, Status: RunStatusSucceeded, Message: "run completed", Timestamp: finished,
		Data: map[string]any{"rollback_status": run.RollbackStatus}})
	e.finishBudget(req.TenantID, run)
	return e.persistAndClone(run), nil
}

// runBrainPlan calls the configured Brain once for the whole run (§4.8's
// single-pass PlanAndReview), folding its usage into the run totals. A nil
// Brain disables the gate entirely; the per-step loop then treats every
// step as implicitly allowed.
func (e *Engine) runBrainPlan(ctx context.Context, run *Run, rb *Runbook, policyText string, resolvedInputs map[string]any) (map[string]BrainPlannedStep, error) {
	if e.brain == nil {
		return nil, nil
	}

	result, err := e.brain.PlanAndReview(ctx, run.ID, rb.SourceText, policyText, resolvedInputs)
	if err != nil {
		return nil, err
	}

	run.Totals.TokensIn += result.Usage.TokensIn
	run.Totals.TokensOut += result.Usage.TokensOut
	run.Totals.LatencyMS += result.Usage.LatencyMS
	run.Totals.CostUSD += result.Usage.CostUSD

	byName := make(map[string]BrainPlannedStep, len(result.Planned))
	for _, planned := range result.Planned {
		byName[planned.Name] = planned
	}
	return byName, nil
}

// gateBrainDecision consults the cached plan for one step, blocking the
// run if the brain called for decision=block. A step the plan has no
// entry for (brain disabled, or the planner omitted it) is treated as
// implicitly allowed.
func (e *Engine) gateBrainDecision(run *Run, idx int, stepDef Step, plan map[string]BrainPlannedStep, succeeded []int, steps []Step, resolvedInputs map[string]any) bool {
	if plan == nil {
		return false
	}
	planned, ok := plan[stepDef.Name]
	if !ok {
		return false
	}

	eventID := e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepBrainPlan, StepName: stepDef.Name, Status: planned.Decision,
		Message: strings.Join(planned.Reasons, "; "), Timestamp: e.now(),
		Data: map[string]any{"decision": planned.Decision, "reasons": planned.Reasons}})
	e.recordArtifact(run, eventID, stepDef.Name, 0, ArtifactTypeBrainPlan, map[string]any{"tool": planned.Tool, "args": planned.Args, "decision": planned.Decision})

	if planned.Decision != "block" {
		return false
	}
	e.blockRun(run, idx, "brain", fmt.Sprintf("step %s blocked by brain: %s", stepDef.Name, strings.Join(planned.Reasons, "; ")), succeeded, steps, resolvedInputs)
	return true
}

// blockRunAtStart blocks a run before any step has begun executing, e.g.
// when the brain's single upfront planning call itself fails (schema
// violation, provider error).
func (e *Engine) blockRunAtStart(run *Run, category, message string) {
	run.Status = RunStatusBlocked
	finished := e.now()
	run.FinishedAt = &finished
	run.Failure = &RunFailure{Category: category, Message: message}
	e.markRemainingSkipped(run, -1)
	run.RollbackStatus = RollbackStatusNotRequired
	e.recordTimeline(run, TimelineEvent{Type: TimelineEventRunFinished, Status: RunStatusBlocked, Message: message, Timestamp: finished})
}

func (e *Engine) finishBudget(tenantID string, run *Run) {
	if e.budget == nil {
		return
	}
	e.budget.RecordRunEnd(tenantID, metering.RunMetrics{})
}

// runApprovalCheckpoint submits and waits for a step's approval decision,
// blocking the run on denial/expiry. Returns true if the run was blocked.
func (e *Engine) runApprovalCheckpoint(ctx context.Context, run *Run, idx int, stepDef Step, succeeded []int, steps []Step, resolvedInputs map[string]any, requester string) bool {
	if e.approvals == nil {
		// No approval backend configured: fail closed, matching the
		// "unset required capability means block" posture the tenancy
		// package uses for missing role grants.
		e.blockRun(run, idx, "approval", fmt.Sprintf("step %s requires approval but no approval queue is configured", stepDef.Name), succeeded, steps, resolvedInputs)
		return true
	}

	riskLevel := runapproval.ClassifyRisk(stepDef.Tool)
	reqApproval, err := e.approvals.Submit(run.TenantID, run.ID, stepDef.Name, fmt.Sprintf("step %s requires approval", stepDef.Name), riskLevel, requester, stepDef.RequiredRoles)
	if err != nil {
		e.blockRun(run, idx, "approval", fmt.Sprintf("step %s: approval request failed: %v", stepDef.Name, err), succeeded, steps, resolvedInputs)
		return true
	}

	eventID := e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepApprovalCheck, StepName: stepDef.Name, Status: "pending",
		Message: "awaiting approval", Timestamp: e.now(), Data: map[string]any{"approval_id": reqApproval.ID, "risk_level": riskLevel}})
	e.recordArtifact(run, eventID, stepDef.Name, 0, ArtifactTypeApproval, map[string]any{"approval_id": reqApproval.ID, "risk_level": riskLevel})

	decided, err := e.approvals.WaitForDecision(reqApproval.ID, e.approvalWaitTimeout)
	if err != nil {
		e.blockRun(run, idx, "approval", fmt.Sprintf("step %s approval timed out", stepDef.Name), succeeded, steps, resolvedInputs)
		return true
	}

	status := string(decided.Decision)
	e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepApprovalResult, StepName: stepDef.Name, Status: status,
		Message: fmt.Sprintf("approval %s", status), Timestamp: e.now(), Data: map[string]any{"approval_id": decided.ID, "decided_by": decided.DecidedBy}})

	if decided.Decision != runapproval.DecisionApproved {
		e.blockRun(run, idx, "approval", fmt.Sprintf("step %s approval %s", stepDef.Name, status), succeeded, steps, resolvedInputs)
		return true
	}
	return false
}

// runStepAttempts runs the retry loop for one step. Returns true if the run
// terminated (step exhausted retries).
func (e *Engine) runStepAttempts(ctx context.Context, run *Run, idx int, stepDef Step, resolvedArgs map[string]any, steps []Step, resolvedInputs map[string]any, succeeded *[]int) bool {
	step := &run.Steps[idx]
	maxAttempts := step.MaxRetries + 1
	if maxAttempts > e.retryPolicy.MaxAttempts {
		maxAttempts = e.retryPolicy.MaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(e.retryPolicy.nextDelay(attempt - 1)):
			case <-ctx.Done():
				return e.timeoutStep(run, idx, stepDef, *succeeded, steps, resolvedInputs)
			}
		}

		attemptStarted := e.now()
		attemptState := StepAttempt{Attempt: attempt, Status: StepStatusRunning, StartedAt: attemptStarted}
		e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepAttemptStarted, StepName: stepDef.Name, Attempt: attempt, Status: StepStatusRunning,
			Message: "step attempt started", Timestamp: attemptStarted})

		attemptCtx, cancel := context.WithTimeout(ctx, stepTimeout(stepDef.TimeoutSeconds, e.defaultStepTimeout))
		var result adapters.Result
		var runErr error
		if e.dispatcher != nil {
			result, runErr = e.dispatcher.Dispatch(attemptCtx, adapters.Call{
				TenantID: run.TenantID,
				RunID:    run.ID,
				StepName: stepDef.Name,
				Tool:     stepDef.Tool,
				Args:     resolvedArgs,
			})
		} else {
			runErr = conductorerr.Internal("no dispatcher configured", nil)
		}
		cancel()

		step.Attempts = attempt
		attemptFinished := e.now()
		attemptState.FinishedAt = &attemptFinished

		if runErr == nil {
			attemptState.Status = StepStatusSucceeded
			step.Status = StepStatusSucceeded
			step.Output = cloneMap(result.Output)
			step.AttemptHistory = append(step.AttemptHistory, attemptState)

			attemptEventID := e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepAttemptResult, StepName: stepDef.Name, Attempt: attempt,
				Status: StepStatusSucceeded, Message: "step attempt succeeded", Timestamp: attemptFinished})
			if len(result.Output) > 0 {
				e.recordArtifact(run, attemptEventID, stepDef.Name, attempt, ArtifactTypeOutput, map[string]any{"output": result.Output})
			}

			stepFinished := e.now()
			step.FinishedAt = &stepFinished
			e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepFinished, StepName: stepDef.Name, Status: StepStatusSucceeded,
				Message: "step completed", Timestamp: stepFinished, Data: map[string]any{"attempts": step.Attempts}})
			*succeeded = append(*succeeded, idx)
			return false
		}

		attemptState.Error = runErr.Error()
		timedOut := isTimeoutError(runErr)
		terminal := conductorerr.As(runErr, conductorerr.KindAdapterTerminal)
		if timedOut {
			attemptState.Status = StepStatusTimedOut
		} else {
			attemptState.Status = StepStatusFailed
		}
		step.AttemptHistory = append(step.AttemptHistory, attemptState)
		step.Error = runErr.Error()

		attemptEventID := e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepAttemptResult, StepName: stepDef.Name, Attempt: attempt,
			Status: attemptState.Status, Message: runErr.Error(), Timestamp: attemptFinished})
		e.recordArtifact(run, attemptEventID, stepDef.Name, attempt, ArtifactTypeErrorContext, map[string]any{
			"error": runErr.Error(), "timeout": timedOut, "terminal": terminal, "tool": stepDef.Tool,
		})

		if terminal || attempt == maxAttempts {
			if timedOut {
				step.Status = StepStatusTimedOut
			} else {
				step.Status = StepStatusFailed
			}
			stepFinished := e.now()
			step.FinishedAt = &stepFinished
			e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepFinished, StepName: stepDef.Name, Status: step.Status,
				Message: runErr.Error(), Timestamp: stepFinished, Data: map[string]any{"attempts": step.Attempts}})
			e.failRun(run, idx, fmt.Sprintf("step %s failed: %s", stepDef.Name, runErr.Error()), *succeeded, steps, resolvedInputs)
			return true
		}
	}
	return true
}

func (e *Engine) timeoutStep(run *Run, idx int, stepDef Step, succeeded []int, steps []Step, resolvedInputs map[string]any) bool {
	step := &run.Steps[idx]
	step.Status = StepStatusTimedOut
	finished := e.now()
	step.FinishedAt = &finished
	e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepFinished, StepName: stepDef.Name, Status: StepStatusTimedOut,
		Message: "run context canceled during retry wait", Timestamp: finished})
	e.failRun(run, idx, fmt.Sprintf("step %s canceled", stepDef.Name), succeeded, steps, resolvedInputs)
	return true
}

// Get returns a previously started run's current snapshot.
func (e *Engine) Get(runID string) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[strings.TrimSpace(runID)]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// List returns every tracked run for a tenant, newest first.
func (e *Engine) List(tenantID string) []*Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Run
	for _, run := range e.runs {
		if run.TenantID == tenantID {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// GetReplay builds a deterministic replay descriptor for a completed run.
func (e *Engine) GetReplay(runID string) (*Replay, error) {
	run, err := e.Get(runID)
	if err != nil {
		return nil, err
	}
	return buildReplay(run), nil
}

func (e *Engine) failRun(run *Run, stepIdx int, message string, succeeded []int, steps []Step, resolvedInputs map[string]any) {
	run.Status = RunStatusFailed
	finished := e.now()
	run.FinishedAt = &finished
	run.Failure = &RunFailure{StepName: run.Steps[stepIdx].Name, Category: "execution", Message: message}
	e.markRemainingSkipped(run, stepIdx)
	e.runRollbackChain(run, succeeded, steps, resolvedInputs)
	e.recordTimeline(run, TimelineEvent{Type: TimelineEventRunFinished, Status: RunStatusFailed, Message: message, Timestamp: finished,
		Data: map[string]any{"rollback_status": run.RollbackStatus}})
}

func (e *Engine) blockRun(run *Run, stepIdx int, category, message string, succeeded []int, steps []Step, resolvedInputs map[string]any) {
	run.Status = RunStatusBlocked
	finished := e.now()
	run.FinishedAt = &finished
	run.Failure = &RunFailure{StepName: run.Steps[stepIdx].Name, Category: category, Message: message}
	run.Steps[stepIdx].Status = StepStatusBlocked
	run.Steps[stepIdx].FinishedAt = &finished
	e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepBlocked, StepName: run.Steps[stepIdx].Name, Status: StepStatusBlocked,
		Message: message, Timestamp: finished, Data: map[string]any{"category": category}})
	e.markRemainingSkipped(run, stepIdx)
	e.runRollbackChain(run, succeeded, steps, resolvedInputs)
	e.recordTimeline(run, TimelineEvent{Type: TimelineEventRunFinished, Status: RunStatusBlocked, Message: message, Timestamp: finished,
		Data: map[string]any{"rollback_status": run.RollbackStatus}})
}

func (e *Engine) markRemainingSkipped(run *Run, failedIdx int) {
	for i := failedIdx + 1; i < len(run.Steps); i++ {
		if run.Steps[i].Status != StepStatusPending {
			continue
		}
		run.Steps[i].Status = StepStatusSkipped
		e.recordTimeline(run, TimelineEvent{Type: TimelineEventStepSkipped, StepName: run.Steps[i].Name, Status: StepStatusSkipped,
			Message: "skipped after prior failure", Timestamp: e.now()})
	}
}

// runRollbackChain runs each succeeded step's rollback hook, in reverse
// order, best-effort: one rollback failing does not stop the rest from
// attempting.
func (e *Engine) runRollbackChain(run *Run, succeeded []int, steps []Step, resolvedInputs map[string]any) {
	if len(succeeded) == 0 || len(steps) == 0 {
		run.RollbackStatus = RollbackStatusNotRequired
		return
	}
	run.RollbackStatus = RollbackStatusCompleted
	rollbackCtx := context.Background()

	for i := len(succeeded) - 1; i >= 0; i-- {
		stepIdx := succeeded[i]
		stepDef := steps[stepIdx]
		if stepDef.Rollback == nil {
			continue
		}

		started := e.now()
		rollbackResult := RollbackStep{StepName: stepDef.Name, Tool: stepDef.Rollback.Tool, Status: StepStatusRunning, StartedAt: started}
		startEventID := e.recordTimeline(run, TimelineEvent{Type: TimelineEventRollbackStarted, StepName: stepDef.Name, Status: StepStatusRunning,
			Message: "rollback started", Timestamp: started, Data: map[string]any{"tool": stepDef.Rollback.Tool}})

		var result adapters.Result
		var runErr error
		if e.dispatcher != nil {
			ctx, cancel := context.WithTimeout(rollbackCtx, stepTimeout(stepDef.Rollback.TimeoutSeconds, e.defaultStepTimeout))
			result, runErr = e.dispatcher.Dispatch(ctx, adapters.Call{
				TenantID: run.TenantID,
				RunID:    run.ID,
				StepName: stepDef.Name,
				Tool:     stepDef.Rollback.Tool,
				Args:     resolveArgs(stepDef.Rollback.Args, resolvedInputs),
			})
			cancel()
		} else {
			runErr = conductorerr.Internal("no dispatcher configured", nil)
		}

		finished := e.now()
		rollbackResult.FinishedAt = &finished
		if runErr != nil {
			rollbackResult.Status = StepStatusFailed
			rollbackResult.Error = runErr.Error()
			run.RollbackStatus = RollbackStatusPartial
			e.recordArtifact(run, startEventID, stepDef.Name, 1, ArtifactTypeErrorContext, map[string]any{"phase": "rollback", "error": runErr.Error(), "tool": stepDef.Rollback.Tool})
		} else {
			rollbackResult.Status = StepStatusSucceeded
			rollbackResult.Output = cloneMap(result.Output)
		}

		e.recordTimeline(run, TimelineEvent{Type: TimelineEventRollbackFinished, StepName: stepDef.Name, Status: rollbackResult.Status,
			Message: rollbackResult.Error, Timestamp: finished, Data: map[string]any{"tool": stepDef.Rollback.Tool}})

		rollbackCopy := rollbackResult
		run.Rollback = append(run.Rollback, rollbackCopy)
		run.Steps[stepIdx].Rollback = &rollbackCopy
	}

	if len(run.Rollback) == 0 {
		run.RollbackStatus = RollbackStatusNotRequired
	}
}

func (e *Engine) persistAndClone(run *Run) *Run {
	clone := cloneRun(run)
	e.mu.Lock()
	e.runs[run.ID] = clone
	e.mu.Unlock()
	return cloneRun(clone)
}

func (e *Engine) nextRunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence++
	return fmt.Sprintf("run-%d-%d", e.now().UnixNano(), e.sequence)
}

func (e *Engine) recordTimeline(run *Run, evt TimelineEvent) string {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	evt.Sequence = len(run.Timeline) + 1
	evt.ID = fmt.Sprintf("%s-evt-%06d", run.ID, evt.Sequence)
	evt.Data = cloneMap(evt.Data)
	run.Timeline = append(run.Timeline, evt)

	if e.auditSink != nil {
		_, _ = e.auditSink.Append(run.TenantID, hashchain.Entry{
			ID:           evt.ID,
			Timestamp:    evt.Timestamp,
			ActorType:    "system",
			ActorID:      "execengine",
			TenantID:     run.TenantID,
			Action:       hashchain.Action(evt.Type),
			ResourceType: "run",
			ResourceID:   run.ID,
			Payload:      map[string]any{"step": evt.StepName, "status": evt.Status, "message": evt.Message, "data": evt.Data},
		})
	}

	if e.events != nil {
		if evt.Type == TimelineEventRunFinished {
			e.events.Finish(run)
		} else if evt.StepName != "" {
			for i := range run.Steps {
				if run.Steps[i].Name == evt.StepName {
					e.events.PublishStep(run.ID, run.Steps[i])
					break
				}
			}
		}
	}
	return evt.ID
}

func (e *Engine) recordArtifact(run *Run, eventID, stepName string, attempt int, artifactType string, data map[string]any) string {
	sequence := len(run.Artifacts) + 1
	artifactID := fmt.Sprintf("%s-art-%06d", run.ID, sequence)
	run.Artifacts = append(run.Artifacts, Artifact{
		ID:        artifactID,
		EventID:   eventID,
		StepName:  stepName,
		Attempt:   attempt,
		Type:      artifactType,
		Timestamp: e.now(),
		Data:      cloneMap(data),
	})
	return artifactID
}

func resolveInputs(inputs []Input, provided map[string]any) map[string]any {
	out := make(map[string]any, len(inputs)+len(provided))
	for _, in := range inputs {
		if in.Default != nil {
			out[in.Name] = in.Default
		}
	}
	for k, v := range provided {
		out[k] = v
	}
	return out
}

func resolveArgs(args map[string]any, resolvedInputs map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if name, ok := v.(string); ok && strings.HasPrefix(name, "$inputs.") {
			key := strings.TrimPrefix(name, "$inputs.")
			if resolved, ok := resolvedInputs[key]; ok {
				out[k] = resolved
				continue
			}
		}
		out[k] = v
	}
	return out
}

func timeoutSecondsOf(timeoutSeconds int, fallback time.Duration) int {
	if timeoutSeconds > 0 {
		return timeoutSeconds
	}
	return int(fallback / time.Second)
}

func isTimeoutError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Package brain implements the planner/toolcaller/reviewer pipeline that
// plans and gates runbook steps, generalized from
// automationpacks' LLM usage and marcus-qen-legator's internal/provider
// tool-use loop into a single-pass, JSON-schema validated pipeline.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opsguard/conductor/internal/policyeval"
	"github.com/opsguard/conductor/internal/provider"
	"gopkg.in/yaml.v3"
)

// Decision values a Reviewer call (or the deterministic stub) assigns to
// a planned step.
const (
	DecisionAllow           = "allow"
	DecisionBlock           = "block"
	DecisionRequireApproval = "require_approval"
)

// PlannedStep is one entry of a PlanAndReview result.
type PlannedStep struct {
	Name     string         `json:"name"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args"`
	Decision string         `json:"decision"`
	Reasons  []string       `json:"reasons,omitempty"`
}

// Usage is summed across every Planner/Toolcaller/Reviewer call made
// during one PlanAndReview pass.
type Usage struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	LatencyMS int64   `json:"latency_ms"`
	CostUSD   float64 `json:"cost_usd"`
}

func (u *Usage) add(usage provider.UsageInfo, elapsed time.Duration, costPerToken float64) {
	u.TokensIn += usage.InputTokens
	u.TokensOut += usage.OutputTokens
	u.LatencyMS += elapsed.Milliseconds()
	u.CostUSD += float64(usage.TotalTokens()) * costPerToken
}

// Result is the full PlanAndReview output.
type Result struct {
	Planned []PlannedStep `json:"planned"`
	Usage   Usage         `json:"usage"`
}

// runbookSource is the shape source_text parses to for planning purposes
// (spec §GLOSSARY "Runbook"); the execution engine owns the richer Step
// type, this is only what the brain needs to plan against.
type runbookSource struct {
	Name  string `yaml:"name"`
	Steps []struct {
		Name  string         `yaml:"name"`
		Tool  string         `yaml:"tool"`
		Input map[string]any `yaml:"input"`
	} `yaml:"steps"`
}

func parseRunbookSource(sourceText string) runbookSource {
	var rb runbookSource
	_ = yaml.Unmarshal([]byte(sourceText), &rb)
	return rb
}

// Adapter runs the Planner -> Toolcaller -> Reviewer pipeline. A nil
// Provider selects the deterministic stub described in §4.8.
type Adapter struct {
	provider     provider.Provider
	model        string
	costPerToken float64

	mu    sync.Mutex
	cache map[string]*Result // run_id -> cached result
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithModel overrides the model ID passed to the provider on every call.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithCostPerToken sets the $/token rate used to compute cost_usd. Zero
// (the default) means cost is always reported as zero, which is the
// correct behavior for the deterministic stub.
func WithCostPerToken(rate float64) Option {
	return func(a *Adapter) { a.costPerToken = rate }
}

// NewAdapter creates an Adapter. Pass a nil Provider to force stub mode
// regardless of configuration — useful for tests and for tenants with no
// provider configured.
func NewAdapter(p provider.Provider, opts ...Option) *Adapter {
	a := &Adapter{provider: p, cache: map[string]*Result{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PlanAndReview plans, tool-calls, and reviews every step of runbookText
// in a single pass, returning the per-step decisions and summed usage.
// Results are cached per run_id: a repeated call with the same run_id
// short-circuits the whole pipeline and returns the cached Result.
func (a *Adapter) PlanAndReview(ctx context.Context, runID, runbookText, policyText string, runContext map[string]any) (*Result, error) {
	if cached, ok := a.cached(runID); ok {
		return cached, nil
	}

	var result *Result
	var err error
	if a.provider == nil {
		result, err = a.stubPlanAndReview(runbookText, policyText)
	} else {
		result, err = a.livePlanAndReview(ctx, runbookText, runContext)
	}
	if err != nil {
		return nil, err
	}

	a.store(runID, result)
	return result, nil
}

func (a *Adapter) cached(runID string) (*Result, bool) {
	if runID == "" {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.cache[runID]
	return r, ok
}

func (a *Adapter) store(runID string, r *Result) {
	if runID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[runID] = r
}

// stubPlanAndReview implements §4.8's "no provider configured" fallback:
// plans identical to the runbook, decision=allow iff the tool is in the
// policy's allowlist (a tool is considered allowed if no role restricts
// it, or any role's allowlist names it — mirroring policyeval.Evaluate's
// "no allowlist registered means unrestricted" convention).
func (a *Adapter) stubPlanAndReview(runbookText, policyText string) (*Result, error) {
	rb := parseRunbookSource(runbookText)
	policy := policyeval.ParsePolicy(policyText)
	allowed := flattenAllowlist(policy)

	planned := make([]PlannedStep, 0, len(rb.Steps))
	for _, step := range rb.Steps {
		decision := DecisionAllow
		var reasons []string
		if allowed != nil && !allowed[step.Tool] {
			decision = DecisionBlock
			reasons = []string{"tool not in policy allowlist"}
		}
		planned = append(planned, PlannedStep{
			Name:     step.Name,
			Tool:     step.Tool,
			Args:     step.Input,
			Decision: decision,
			Reasons:  reasons,
		})
	}
	return &Result{Planned: planned}, nil
}

// flattenAllowlist returns the set of every tool named by any role's
// allowlist, or nil if no allowlist is registered at all (unrestricted).
func flattenAllowlist(policy policyeval.Policy) map[string]bool {
	if len(policy.ToolAllowlist) == 0 {
		return nil
	}
	set := map[string]bool{}
	for _, tools := range policy.ToolAllowlist {
		for _, tool := range tools {
			set[tool] = true
		}
	}
	return set
}

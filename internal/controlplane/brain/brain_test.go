package brain

import (
	"context"
	"testing"

	"github.com/opsguard/conductor/internal/provider"
)

const sampleRunbookText = `
name: restart-service
steps:
  - name: cordon
    tool: k8s.cordon_node
    input:
      name: node-1
  - name: restart
    tool: k8s.restart_deployment
    input:
      name: api
`

const samplePolicyText = `
tool_allowlist:
  sre:
    - k8s.cordon_node
    - k8s.restart_deployment
`

func TestStubPlanAndReviewAllowsAllowlistedTools(t *testing.T) {
	a := NewAdapter(nil)
	result, err := a.PlanAndReview(context.Background(), "run-1", sampleRunbookText, samplePolicyText, nil)
	if err != nil {
		t.Fatalf("plan and review: %v", err)
	}
	if len(result.Planned) != 2 {
		t.Fatalf("expected 2 planned steps, got %d", len(result.Planned))
	}
	for _, step := range result.Planned {
		if step.Decision != DecisionAllow {
			t.Fatalf("step %s: expected allow, got %q (%v)", step.Name, step.Decision, step.Reasons)
		}
	}
	if result.Usage != (Usage{}) {
		t.Fatalf("expected zero usage from stub, got %+v", result.Usage)
	}
}

func TestStubPlanAndReviewBlocksToolsOutsideAllowlist(t *testing.T) {
	a := NewAdapter(nil)
	policy := `
tool_allowlist:
  sre:
    - k8s.cordon_node
`
	result, err := a.PlanAndReview(context.Background(), "run-2", sampleRunbookText, policy, nil)
	if err != nil {
		t.Fatalf("plan and review: %v", err)
	}
	if result.Planned[0].Decision != DecisionAllow {
		t.Fatalf("expected cordon step allowed, got %q", result.Planned[0].Decision)
	}
	if result.Planned[1].Decision != DecisionBlock {
		t.Fatalf("expected restart step blocked, got %q", result.Planned[1].Decision)
	}
}

func TestStubPlanAndReviewWithNoAllowlistAllowsEverything(t *testing.T) {
	a := NewAdapter(nil)
	result, err := a.PlanAndReview(context.Background(), "run-3", sampleRunbookText, "", nil)
	if err != nil {
		t.Fatalf("plan and review: %v", err)
	}
	for _, step := range result.Planned {
		if step.Decision != DecisionAllow {
			t.Fatalf("expected unrestricted allow for %s, got %q", step.Name, step.Decision)
		}
	}
}

func TestPlanAndReviewCachesByRunID(t *testing.T) {
	a := NewAdapter(nil)
	first, err := a.PlanAndReview(context.Background(), "run-4", sampleRunbookText, samplePolicyText, nil)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := a.PlanAndReview(context.Background(), "run-4", "name: different\nsteps: []", "", nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(second.Planned) != len(first.Planned) {
		t.Fatalf("expected cached result (same step count), got %d vs %d", len(second.Planned), len(first.Planned))
	}
}

func TestLivePlanAndReviewValidatesEachStage(t *testing.T) {
	mock := provider.NewMockProvider(
		[]*provider.CompletionResponse{
			{Content: `{"steps":[{"name":"cordon","tool":"k8s.cordon_node","args":{"name":"node-1"}}]}`, Usage: provider.UsageInfo{InputTokens: 50, OutputTokens: 20}},
			{Content: `{"tool":"k8s.cordon_node","args":{"name":"node-1"},"confidence":0.9,"rationale":"matches runbook step"}`, Usage: provider.UsageInfo{InputTokens: 30, OutputTokens: 15}},
			{Content: `{"decision":"allow","reasons":[]}`, Usage: provider.UsageInfo{InputTokens: 20, OutputTokens: 5}},
		},
		[]error{nil, nil, nil},
	)
	a := NewAdapter(mock, WithCostPerToken(0.001))

	result, err := a.PlanAndReview(context.Background(), "run-5", sampleRunbookText, samplePolicyText, map[string]any{"node": "node-1"})
	if err != nil {
		t.Fatalf("plan and review: %v", err)
	}
	if len(result.Planned) != 1 {
		t.Fatalf("expected 1 planned step, got %d", len(result.Planned))
	}
	if result.Planned[0].Decision != DecisionAllow {
		t.Fatalf("expected allow decision, got %q", result.Planned[0].Decision)
	}
	wantTokensIn := int64(50 + 30 + 20)
	wantTokensOut := int64(20 + 15 + 5)
	if result.Usage.TokensIn != wantTokensIn || result.Usage.TokensOut != wantTokensOut {
		t.Fatalf("expected usage summed across 3 calls (in=%d out=%d), got %+v", wantTokensIn, wantTokensOut, result.Usage)
	}
	if result.Usage.CostUSD <= 0 {
		t.Fatalf("expected nonzero cost with WithCostPerToken set, got %v", result.Usage.CostUSD)
	}
	if mock.CallCount() != 3 {
		t.Fatalf("expected exactly 3 provider calls (planner+toolcaller+reviewer), got %d", mock.CallCount())
	}
}

func TestLivePlanAndReviewFailsOnSchemaViolation(t *testing.T) {
	mock := provider.NewMockProviderSimple(`{"steps": "not-an-array"}`)
	a := NewAdapter(mock)

	_, err := a.PlanAndReview(context.Background(), "run-6", sampleRunbookText, samplePolicyText, nil)
	if err == nil {
		t.Fatal("expected schema violation error, got nil")
	}
}

// Package shadow scores a completed run against an expected step sequence
// and decides canary promotion, generalizing the dry-run/policy-prediction
// comparison idiom from automationpacks.DryRunResult to §4.10's weighted
// match score.
package shadow

import (
	"reflect"
	"strings"

	"github.com/opsguard/conductor/internal/execengine"
)

// ExpectedStep is one entry of metrics.expected.steps: the shadow baseline
// a run's actual steps are compared against.
type ExpectedStep struct {
	Name       string         `json:"name"`
	Tool       string         `json:"tool"`
	Input      map[string]any `json:"input,omitempty"`
	OrderIndex int            `json:"order_index"`
}

// StepDiff is one step name's comparison, present for every name in the
// union of actual and expected steps.
type StepDiff struct {
	Name          string   `json:"name"`
	InAgent       bool     `json:"in_agent"`
	InExpected    bool     `json:"in_expected"`
	ToolMatch     bool     `json:"tool_match"`
	OrderMatch    bool     `json:"order_match"`
	ArgsFieldDiff []string `json:"args_field_diff,omitempty"`
}

// Report is the aggregate shadow-mode scoring persisted to run.metrics.shadow.
type Report struct {
	MatchScore       float64    `json:"match_score"`
	PolicyViolations int        `json:"policy_violations"`
	StepDiffs        []StepDiff `json:"step_diffs"`
}

// Evaluate compares a run's actual steps against the expected baseline and
// computes §4.10's weighted match score:
//
//	match_score = 0.5*(tool_matches/N) + 0.3*(args_matches/N) + 0.2*(order_matches/N)
//
// where N = max(|agent|, |expected|, 1) and the three counts range over the
// union of step names — a name present on only one side never matches.
func Evaluate(steps []execengine.RunStep, expected []ExpectedStep) Report {
	agentByName := make(map[string]execengine.RunStep, len(steps))
	for i, s := range steps {
		agentByName[s.Name] = steps[i]
	}
	expectedByName := make(map[string]ExpectedStep, len(expected))
	for i, e := range expected {
		expectedByName[e.Name] = expected[i]
	}

	names := unionNames(agentByName, expectedByName)
	diffs := make([]StepDiff, 0, len(names))
	var toolMatches, argsMatches, orderMatches int

	for _, name := range names {
		agent, inAgent := agentByName[name]
		exp, inExpected := expectedByName[name]
		diff := StepDiff{Name: name, InAgent: inAgent, InExpected: inExpected}

		if inAgent && inExpected {
			diff.ToolMatch = agent.Tool == exp.Tool
			diff.ArgsFieldDiff = symmetricFieldDiff(agent.ResolvedArgs, exp.Input)
			diff.OrderMatch = agent.Order == exp.OrderIndex

			if diff.ToolMatch {
				toolMatches++
			}
			if len(diff.ArgsFieldDiff) == 0 {
				argsMatches++
			}
			if diff.OrderMatch {
				orderMatches++
			}
		}
		diffs = append(diffs, diff)
	}

	n := maxInt(len(agentByName), len(expectedByName), 1)
	score := 0.5*(float64(toolMatches)/float64(n)) +
		0.3*(float64(argsMatches)/float64(n)) +
		0.2*(float64(orderMatches)/float64(n))

	return Report{
		MatchScore:       score,
		PolicyViolations: countPolicyViolations(steps),
		StepDiffs:        diffs,
	}
}

// countPolicyViolations counts steps skipped because the run was blocked by
// a policy or budget gate. The engine only tags a category on the one step
// that triggered the block (run.Failure.Category); every subsequently
// skipped step inherits that same cause, since a run only ever blocks once.
func countPolicyViolations(steps []execengine.RunStep) int {
	count := 0
	for _, s := range steps {
		if s.Status == execengine.StepStatusSkipped && (s.PolicyOutcome == "deny" || s.PolicyOutcome == "queue") {
			count++
		}
	}
	return count
}

// symmetricFieldDiff returns the field names present in either map whose
// values differ (or that are missing on one side) — a shallow symmetric
// diff of the two argument dictionaries.
func symmetricFieldDiff(agent, expected map[string]any) []string {
	seen := make(map[string]struct{}, len(agent)+len(expected))
	diff := make([]string, 0)
	for k := range agent {
		seen[k] = struct{}{}
	}
	for k := range expected {
		seen[k] = struct{}{}
	}
	for k := range seen {
		av, aok := agent[k]
		ev, eok := expected[k]
		if aok != eok || !reflect.DeepEqual(av, ev) {
			diff = append(diff, k)
		}
	}
	return diff
}

func unionNames(agent map[string]execengine.RunStep, expected map[string]ExpectedStep) []string {
	seen := make(map[string]struct{}, len(agent)+len(expected))
	names := make([]string, 0, len(agent)+len(expected))
	for name := range agent {
		seen[name] = struct{}{}
	}
	for name := range expected {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
		}
	}
	for name := range seen {
		names = append(names, name)
	}
	return names
}

func maxInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// CanaryThresholds is the promotion gate's configured limits.
type CanaryThresholds struct {
	MinMatchScore       float64 `json:"min_match_score"`
	MaxPolicyViolations int     `json:"max_policy_violations"`
	MaxCostUSD          float64 `json:"max_cost_usd"`
	MaxP95MS            float64 `json:"max_p95_ms"`
}

// CanaryObservation is the run-level cost/latency data the thresholds check
// alongside the shadow Report.
type CanaryObservation struct {
	CostUSD float64 `json:"cost_usd"`
	P95MS   float64 `json:"p95_ms"`
}

// CanaryDecision is the promotion gate's verdict.
type CanaryDecision struct {
	Promoted bool     `json:"canary_promoted"`
	Failed   []string `json:"failed_checks,omitempty"`
}

// Promote decides whether a runbook should be promoted out of canary: every
// threshold in t must hold against report and obs.
func Promote(report Report, obs CanaryObservation, t CanaryThresholds) CanaryDecision {
	var failed []string
	if report.MatchScore < t.MinMatchScore {
		failed = append(failed, "match_score below threshold")
	}
	if report.PolicyViolations > t.MaxPolicyViolations {
		failed = append(failed, "policy_violations above threshold")
	}
	if obs.CostUSD > t.MaxCostUSD {
		failed = append(failed, "cost_usd above threshold")
	}
	if obs.P95MS > t.MaxP95MS {
		failed = append(failed, "p95_ms above threshold")
	}
	return CanaryDecision{Promoted: len(failed) == 0, Failed: failed}
}

// String renders a decision for logs/audit payloads.
func (d CanaryDecision) String() string {
	if d.Promoted {
		return "promoted"
	}
	return "blocked: " + strings.Join(d.Failed, "; ")
}

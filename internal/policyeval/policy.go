package policyeval

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Policy is the parsed form of a Policy entity's source_text.
type Policy struct {
	ToolAllowlist map[string][]string `yaml:"tool_allowlist"` // role -> [tool]
	Approvals     []ApprovalRule       `yaml:"approvals"`
	Preconditions []PreconditionRule   `yaml:"preconditions"`
	Budgets       Budgets              `yaml:"budgets"`
}

// ApprovalRule declares that a named step requires approval from any of
// RequiredRoles.
type ApprovalRule struct {
	Step          string   `yaml:"step"`
	RequiredRoles []string `yaml:"required_roles"`
}

// PreconditionRule is one {when, then, step?} rule. Step, if set, scopes
// the rule to a single named step.
type PreconditionRule struct {
	When string `yaml:"when"`
	Then string `yaml:"then"` // "block" | "require_approval" | "allow"
	Step string `yaml:"step,omitempty"`
}

// Budgets bounds per-run resource usage. Zero means unbounded.
type Budgets struct {
	MaxTokensPerRun    int64   `yaml:"max_tokens_per_run,omitempty"`
	MaxCostPerRunUSD   float64 `yaml:"max_cost_per_run_usd,omitempty"`
}

// ParsePolicy parses policy source_text. Invalid YAML is treated as an
// empty policy, per the evaluator's "never throws" failure semantics.
func ParsePolicy(sourceText string) Policy {
	var p Policy
	if err := yaml.Unmarshal([]byte(sourceText), &p); err != nil {
		return Policy{}
	}
	return p
}

// Step is the minimal shape the evaluator needs from a declared runbook
// step.
type Step struct {
	Name  string
	Tool  string
	Input map[string]any
}

// Decision is the evaluator's verdict for one step.
type Decision struct {
	OK              bool
	Reasons         []string
	RequireApproval bool
}

// mapLookup resolves context.X / step.X against two plain maps.
type mapLookup struct {
	context map[string]any
	step    map[string]any
}

func (m mapLookup) Resolve(namespace, path string) (Value, bool) {
	var root map[string]any
	switch namespace {
	case "context":
		root = m.context
	case "step":
		root = m.step
	default:
		return Value{}, false
	}
	return lookupPath(root, path)
}

func lookupPath(root map[string]any, path string) (Value, bool) {
	v, ok := root[path]
	if !ok {
		return Value{}, false
	}
	return toValue(v), true
}

func toValue(v any) Value {
	switch t := v.(type) {
	case nil:
		return nullValue()
	case string:
		return stringValue(t)
	case bool:
		return boolValue(t)
	case int:
		return numberValue(float64(t))
	case int64:
		return numberValue(float64(t))
	case float64:
		return numberValue(t)
	case []any:
		list := make([]Value, len(t))
		for i, item := range t {
			list[i] = toValue(item)
		}
		return Value{Kind: KindList, List: list}
	case []string:
		list := make([]Value, len(t))
		for i, item := range t {
			list[i] = stringValue(item)
		}
		return Value{Kind: KindList, List: list}
	default:
		return stringValue(fmt.Sprintf("%v", t))
	}
}

// SchemaValidator validates a step's input against the registered schema
// for its tool, returning violation messages (empty == valid). A tool with
// no registered schema is always valid.
type SchemaValidator interface {
	Validate(tool string, input map[string]any) (violations []string)
}

// Evaluate runs the allowlist -> schema -> preconditions gates for one
// step, in that order, matching the §4.2 algorithm. Budget enforcement is
// run-scoped and is performed by the execution engine, not here.
func Evaluate(step Step, policy Policy, userRoles []string, context map[string]any, schemas SchemaValidator) Decision {
	if reasons, ok := checkAllowlist(step, policy, userRoles); !ok {
		return Decision{OK: false, Reasons: reasons}
	}

	var reasons []string
	if schemas != nil {
		if violations := schemas.Validate(step.Tool, step.Input); len(violations) > 0 {
			reasons = append(reasons, violations...)
		}
	}
	if len(reasons) > 0 {
		return Decision{OK: false, Reasons: reasons}
	}

	return evaluatePreconditions(step, policy, context)
}

func checkAllowlist(step Step, policy Policy, userRoles []string) ([]string, bool) {
	if len(policy.ToolAllowlist) == 0 {
		return nil, true
	}
	for _, role := range userRoles {
		tools, ok := policy.ToolAllowlist[role]
		if !ok {
			continue
		}
		for _, tool := range tools {
			if tool == step.Tool {
				return nil, true
			}
		}
	}
	return []string{"tool not allowed for roles"}, false
}

func evaluatePreconditions(step Step, policy Policy, context map[string]any) Decision {
	stepMap := map[string]any{"name": step.Name, "tool": step.Tool}
	for k, v := range step.Input {
		stepMap[k] = v
	}
	lookup := mapLookup{context: context, step: stepMap}

	for _, rule := range policy.Preconditions {
		if rule.Step != "" && rule.Step != step.Name {
			continue
		}
		node, err := Parse(rule.When)
		if err != nil {
			// Parse errors on a single rule skip that rule without failing
			// the step.
			continue
		}
		truthy, err := Eval(node, lookup)
		if err != nil || !truthy {
			continue
		}
		switch rule.Then {
		case "block":
			return Decision{OK: false, Reasons: []string{"precondition blocked"}}
		case "require_approval":
			return Decision{OK: true, RequireApproval: true}
		case "allow":
			return Decision{OK: true}
		}
	}
	return Decision{OK: true}
}

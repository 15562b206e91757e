package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsguard/conductor/internal/conductorerr"
	"github.com/opsguard/conductor/internal/provider"
)

const (
	plannerSystemPrompt = `You are the planning stage of an operations runbook executor.
Given a runbook and ambient context, respond with ONLY JSON matching:
{"steps": [{"name": "string", "tool": "string", "args": {}}]}
Preserve every step's declared name and tool from the runbook; resolve
"args" from the provided context where the runbook references it.
No prose, no markdown fences.`

	toolcallerSystemPrompt = `You are the tool-call stage for one runbook step.
Given the planned step, respond with ONLY JSON matching:
{"tool": "string", "args": {}, "confidence": 0.0, "rationale": "string"}
"confidence" is your estimate in [0,1] that this call matches operator
intent. No prose, no markdown fences.`

	reviewerSystemPrompt = `You are the review stage for one proposed tool call.
Given the step and its proposed call, respond with ONLY JSON matching:
{"decision": "allow|block|require_approval", "reasons": ["string"]}
Block destructive or out-of-policy calls; require approval for
high-risk but plausible calls; otherwise allow. No prose, no markdown
fences.`
)

type plannerOutput struct {
	Steps []struct {
		Name string         `json:"name"`
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	} `json:"steps"`
}

type toolcallerOutput struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Confidence float64        `json:"confidence"`
	Rationale  string         `json:"rationale"`
}

type reviewerOutput struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
}

// livePlanAndReview runs the real Planner -> Toolcaller -> Reviewer
// pipeline against the configured Provider, validating every JSON output
// against its schema per §4.8 step 3.
func (a *Adapter) livePlanAndReview(ctx context.Context, runbookText string, runContext map[string]any) (*Result, error) {
	usage := Usage{}

	contextJSON, err := json.Marshal(runContext)
	if err != nil {
		return nil, conductorerr.Internal("marshal brain context", err)
	}

	plan, err := a.callPlanner(ctx, runbookText, string(contextJSON), &usage)
	if err != nil {
		return nil, err
	}

	planned := make([]PlannedStep, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		toolcall, err := a.callToolcaller(ctx, step.Name, step.Tool, step.Args, &usage)
		if err != nil {
			return nil, err
		}
		review, err := a.callReviewer(ctx, step.Name, toolcall, &usage)
		if err != nil {
			return nil, err
		}
		planned = append(planned, PlannedStep{
			Name:     step.Name,
			Tool:     toolcall.Tool,
			Args:     toolcall.Args,
			Decision: review.Decision,
			Reasons:  review.Reasons,
		})
	}

	return &Result{Planned: planned, Usage: usage}, nil
}

func (a *Adapter) complete(ctx context.Context, system, user string, usage *Usage) (*provider.CompletionResponse, error) {
	started := time.Now()
	resp, err := a.provider.Complete(ctx, &provider.CompletionRequest{
		SystemPrompt: system,
		Messages:     []provider.Message{{Role: "user", Content: user}},
		Model:        a.model,
		MaxTokens:    1024,
	})
	if err != nil {
		return nil, conductorerr.Internal("brain provider call failed", err)
	}
	usage.add(resp.Usage, time.Since(started), a.costPerToken)
	return resp, nil
}

func (a *Adapter) callPlanner(ctx context.Context, runbookText, contextJSON string, usage *Usage) (*plannerOutput, error) {
	user := fmt.Sprintf("[Runbook]\n%s\n\n[Context]\n%s", runbookText, contextJSON)
	resp, err := a.complete(ctx, plannerSystemPrompt, user, usage)
	if err != nil {
		return nil, err
	}
	raw := []byte(resp.Content)
	if err := plannerSchema.validate(raw); err != nil {
		return nil, conductorerr.Validation(fmt.Sprintf("planner output failed schema validation: %v", err))
	}
	var out plannerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, conductorerr.Validation(fmt.Sprintf("planner output not valid JSON: %v", err))
	}
	return &out, nil
}

func (a *Adapter) callToolcaller(ctx context.Context, name, tool string, args map[string]any, usage *Usage) (*toolcallerOutput, error) {
	argsJSON, _ := json.Marshal(args)
	user := fmt.Sprintf("[Step] name=%s tool=%s args=%s", name, tool, argsJSON)
	resp, err := a.complete(ctx, toolcallerSystemPrompt, user, usage)
	if err != nil {
		return nil, err
	}
	raw := []byte(resp.Content)
	if err := toolcallerSchema.validate(raw); err != nil {
		return nil, conductorerr.Validation(fmt.Sprintf("toolcaller output failed schema validation: %v", err))
	}
	var out toolcallerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, conductorerr.Validation(fmt.Sprintf("toolcaller output not valid JSON: %v", err))
	}
	return &out, nil
}

func (a *Adapter) callReviewer(ctx context.Context, name string, call *toolcallerOutput, usage *Usage) (*reviewerOutput, error) {
	argsJSON, _ := json.Marshal(call.Args)
	user := fmt.Sprintf("[Step] name=%s\n[Proposed call] tool=%s args=%s confidence=%.2f rationale=%q",
		name, call.Tool, argsJSON, call.Confidence, call.Rationale)
	resp, err := a.complete(ctx, reviewerSystemPrompt, user, usage)
	if err != nil {
		return nil, err
	}
	raw := []byte(resp.Content)
	if err := reviewerSchema.validate(raw); err != nil {
		return nil, conductorerr.Validation(fmt.Sprintf("reviewer output failed schema validation: %v", err))
	}
	var out reviewerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, conductorerr.Validation(fmt.Sprintf("reviewer output not valid JSON: %v", err))
	}
	return &out, nil
}

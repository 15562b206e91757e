// Package execengine runs stored runbooks against the adapter registry,
// policy evaluator, and approval queue, generalizing the teacher's
// automation-pack ExecutionRuntime from pack/step terms to the conductor's
// run/step domain.
package execengine

import "time"

// Runbook is a versioned, machine-readable sequence of steps.
type Runbook struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	TenantID    string    `json:"tenant_id"`
	PolicyID    string    `json:"policy_id,omitempty"`
	Inputs      []Input   `json:"inputs,omitempty"`
	Steps       []Step    `json:"steps"`
	// SourceText is the runbook's declarative source (parses to the same
	// {name, steps} shape as Steps above) — passed to the brain adapter's
	// Planner stage verbatim, per the Runbook entity's source_text field.
	SourceText string    `json:"source_text,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Input declares one typed runbook input.
type Input struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// Step is one ordered runbook step. Tool is a namespaced adapter action
// ("k8s.drain_node", "github.merge_pr") dispatched through adapters.Registry.
type Step struct {
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	RequiredRoles  []string       `json:"required_roles,omitempty"`
	Rollback       *RollbackHook  `json:"rollback,omitempty"`
}

// RollbackHook names the compensating action run when a later step fails.
type RollbackHook struct {
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Store resolves a runbook by ID and version ("" selects the latest).
type Store interface {
	GetRunbook(tenantID, id, version string) (*Runbook, error)
}

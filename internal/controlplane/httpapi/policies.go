package httpapi

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsguard/conductor/internal/conductorerr"
	"github.com/opsguard/conductor/internal/execengine"
	"github.com/opsguard/conductor/internal/policyeval"
)

// Policy is a tenant-owned, named policy document: SourceText is the
// hierarchical tool_allowlist/approvals/preconditions/budgets document
// spec.md §6 describes; Parsed is recomputed on every Put so PolicyFor
// never re-parses on the hot path.
type Policy struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Name       string          `json:"name"`
	SourceText string          `json:"source_text"`
	Parsed     policyeval.Policy `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PolicyStore owns every tenant's named policy documents and implements
// execengine.PolicySource by resolving a runbook's declared PolicyID.
type PolicyStore struct {
	mu       sync.RWMutex
	byID     map[string]map[string]*Policy // tenantID -> policy ID -> policy
	runbooks *execengine.RunbookStore
}

// NewPolicyStore creates an empty policy registry bound to the runbook
// store it resolves PolicyID references against.
func NewPolicyStore(runbooks *execengine.RunbookStore) *PolicyStore {
	return &PolicyStore{byID: map[string]map[string]*Policy{}, runbooks: runbooks}
}

// Put creates or replaces a policy, re-parsing SourceText immediately so
// parse errors surface at write time rather than at first use.
func (s *PolicyStore) Put(p *Policy) *Policy {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Parsed = policyeval.ParsePolicy(p.SourceText)

	tenant, ok := s.byID[p.TenantID]
	if !ok {
		tenant = map[string]*Policy{}
		s.byID[p.TenantID] = tenant
	}
	clone := *p
	tenant[p.ID] = &clone
	return &clone
}

// Get returns one tenant's policy by ID.
func (s *PolicyStore) Get(tenantID, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.byID[tenantID]
	if !ok {
		return nil, conductorerr.NotFound(fmt.Sprintf("policy %q not found", id))
	}
	p, ok := tenant[id]
	if !ok {
		return nil, conductorerr.NotFound(fmt.Sprintf("policy %q not found", id))
	}
	clone := *p
	return &clone, nil
}

// List returns every policy owned by tenantID.
func (s *PolicyStore) List(tenantID string) []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.byID[tenantID] {
		clone := *p
		out = append(out, &clone)
	}
	return out
}

// Delete removes a policy from tenantID's registry.
func (s *PolicyStore) Delete(tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.byID[tenantID]
	if !ok {
		return conductorerr.NotFound(fmt.Sprintf("policy %q not found", id))
	}
	if _, ok := tenant[id]; !ok {
		return conductorerr.NotFound(fmt.Sprintf("policy %q not found", id))
	}
	delete(tenant, id)
	return nil
}

// policyForRunbook resolves the policy governing a runbook, falling back
// to an empty (allow-everything) policy when the runbook declares none —
// matching policyeval.Evaluate's invariant that an empty tool_allowlist
// passes the allowlist gate unconditionally.
func (s *PolicyStore) policyForRunbook(tenantID, runbookID string) (*Policy, bool) {
	rb, err := s.runbooks.GetRunbook(tenantID, runbookID, "")
	if err != nil || rb.PolicyID == "" {
		return nil, false
	}
	p, err := s.Get(tenantID, rb.PolicyID)
	if err != nil {
		return nil, false
	}
	return p, true
}

// PolicyFor implements execengine.PolicySource.
func (s *PolicyStore) PolicyFor(tenantID, runbookID string) policyeval.Policy {
	if p, ok := s.policyForRunbook(tenantID, runbookID); ok {
		return p.Parsed
	}
	return policyeval.Policy{}
}

// PolicyTextFor implements execengine.PolicySource, feeding the brain
// adapter's planner the same raw source the allowlist gate parsed.
func (s *PolicyStore) PolicyTextFor(tenantID, runbookID string) string {
	if p, ok := s.policyForRunbook(tenantID, runbookID); ok {
		return p.SourceText
	}
	return ""
}

package execengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsguard/conductor/internal/conductorerr"
)

// RunbookStore is the production, in-memory implementation of Store: a
// tenant-scoped, versioned runbook registry, generalized from the test
// suite's memStore fixture (engine_test.go's memStore) into a real CRUD
// surface the HTTP API can drive.
type RunbookStore struct {
	mu   sync.RWMutex
	byID map[string]map[string]*Runbook // tenantID -> runbook ID -> latest version
}

// NewRunbookStore creates an empty runbook registry.
func NewRunbookStore() *RunbookStore {
	return &RunbookStore{byID: map[string]map[string]*Runbook{}}
}

// Put creates or replaces a runbook, stamping CreatedAt/UpdatedAt and
// assigning an ID if rb.ID is empty.
func (s *RunbookStore) Put(rb *Runbook) *Runbook {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rb.ID == "" {
		rb.ID = uuid.NewString()
		rb.CreatedAt = now
	}
	rb.UpdatedAt = now
	if rb.Version == "" {
		rb.Version = "1"
	}

	tenant, ok := s.byID[rb.TenantID]
	if !ok {
		tenant = map[string]*Runbook{}
		s.byID[rb.TenantID] = tenant
	}
	clone := *rb
	tenant[rb.ID] = &clone
	return &clone
}

// GetRunbook implements Store: version == "" selects the latest (and, in
// this single-version-per-ID implementation, only) stored revision.
func (s *RunbookStore) GetRunbook(tenantID, id, version string) (*Runbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.byID[tenantID]
	if !ok {
		return nil, conductorerr.NotFound(fmt.Sprintf("runbook %q not found", id))
	}
	rb, ok := tenant[id]
	if !ok {
		return nil, conductorerr.NotFound(fmt.Sprintf("runbook %q not found", id))
	}
	if version != "" && version != rb.Version {
		return nil, conductorerr.NotFound(fmt.Sprintf("runbook %q version %q not found", id, version))
	}
	clone := *rb
	return &clone, nil
}

// List returns every runbook owned by tenantID.
func (s *RunbookStore) List(tenantID string) []*Runbook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Runbook
	for _, rb := range s.byID[tenantID] {
		clone := *rb
		out = append(out, &clone)
	}
	return out
}

// Delete removes a runbook from tenantID's registry.
func (s *RunbookStore) Delete(tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.byID[tenantID]
	if !ok {
		return conductorerr.NotFound(fmt.Sprintf("runbook %q not found", id))
	}
	if _, ok := tenant[id]; !ok {
		return conductorerr.NotFound(fmt.Sprintf("runbook %q not found", id))
	}
	delete(tenant, id)
	return nil
}

// Package httpapi wires the conductor's core domain packages (execengine,
// adapters, policyeval, tenancy, runapproval, audit/hashchain, metering,
// shadow, runstream, brain) behind spec.md §6's HTTP surface, generalizing
// internal/controlplane/auth/keys.go's random-key/bcrypt-hash/prefix idiom
// from single-tenant API keys to the conductor's multi-tenant model.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/opsguard/conductor/internal/conductorerr"
	"github.com/opsguard/conductor/internal/tenancy"
)

// APIKey is a tenant-scoped credential. Hash never leaves the store; Prefix
// is shown back to callers for identification, the same split
// internal/controlplane/auth.APIKey uses.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	Prefix     string     `json:"key_prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RotatedAt  *time.Time `json:"rotated_at,omitempty"`
}

// TenantStore owns tenants, projects, and their API keys — the account
// layer tenancy.Binder's role bindings attach to.
type TenantStore struct {
	mu       sync.RWMutex
	tenants  map[string]*tenancy.Tenant
	projects map[string]*tenancy.Project
	apikeys  map[string]*APIKey
}

// NewTenantStore creates an empty tenant/project/API-key store.
func NewTenantStore() *TenantStore {
	return &TenantStore{
		tenants:  map[string]*tenancy.Tenant{},
		projects: map[string]*tenancy.Project{},
		apikeys:  map[string]*APIKey{},
	}
}

// CreateTenant registers a new tenant.
func (s *TenantStore) CreateTenant(name string) *tenancy.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tenancy.Tenant{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	s.tenants[t.ID] = t
	return t
}

// GetTenant looks up a tenant by ID.
func (s *TenantStore) GetTenant(id string) (*tenancy.Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	return t, ok
}

// CreateProject registers a project scoped to tenantID.
func (s *TenantStore) CreateProject(tenantID, name string) (*tenancy.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return nil, conductorerr.NotFound(fmt.Sprintf("tenant %q not found", tenantID))
	}
	p := &tenancy.Project{ID: uuid.NewString(), TenantID: tenantID, Name: name}
	s.projects[p.ID] = p
	return p, nil
}

// ListProjects returns every project under tenantID.
func (s *TenantStore) ListProjects(tenantID string) []*tenancy.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tenancy.Project
	for _, p := range s.projects {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out
}

func generateAPIKey() (plain, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	plain = "cdk_" + hex.EncodeToString(raw)
	return plain, plain[:12], nil
}

// CreateAPIKey mints a new tenant-scoped API key, returning the plaintext
// exactly once — only Hash/Prefix persist from here on.
func (s *TenantStore) CreateAPIKey(tenantID, name string) (*APIKey, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return nil, "", conductorerr.NotFound(fmt.Sprintf("tenant %q not found", tenantID))
	}

	plain, prefix, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	key := &APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		Hash:      string(hash),
		Prefix:    prefix,
		CreatedAt: time.Now().UTC(),
	}
	s.apikeys[key.ID] = key
	return key, plain, nil
}

// ListAPIKeys returns every (non-plaintext) key belonging to tenantID.
func (s *TenantStore) ListAPIKeys(tenantID string) []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.apikeys {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	return out
}

// RotateAPIKey issues a fresh plaintext for an existing key ID, keeping its
// name/tenant but replacing Hash/Prefix.
func (s *TenantStore) RotateAPIKey(id string) (*APIKey, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apikeys[id]
	if !ok {
		return nil, "", conductorerr.NotFound(fmt.Sprintf("api key %q not found", id))
	}

	plain, prefix, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}
	key.Hash = string(hash)
	key.Prefix = prefix
	now := time.Now().UTC()
	key.RotatedAt = &now
	return key, plain, nil
}

// DeleteAPIKey marks id revoked; Validate rejects revoked keys.
func (s *TenantStore) DeleteAPIKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apikeys[id]
	if !ok {
		return conductorerr.NotFound(fmt.Sprintf("api key %q not found", id))
	}
	now := time.Now().UTC()
	key.RevokedAt = &now
	return nil
}

// Validate resolves a plaintext key to its owning key record, rejecting
// unknown prefixes, bcrypt mismatches, and revoked keys in one pass.
func (s *TenantStore) Validate(plain string) (*APIKey, error) {
	if len(plain) < 12 {
		return nil, conductorerr.AuthnMissing("malformed api key")
	}
	prefix := plain[:12]

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.apikeys {
		if k.Prefix != prefix {
			continue
		}
		if k.RevokedAt != nil {
			return nil, conductorerr.AuthnMissing("api key revoked")
		}
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(plain)) != nil {
			return nil, conductorerr.AuthnMissing("invalid api key")
		}
		return k, nil
	}
	return nil, conductorerr.AuthnMissing("invalid api key")
}

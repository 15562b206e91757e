package httpapi

import (
	"os"
	"strings"
	"sync"

	"github.com/opsguard/conductor/internal/adapters"
)

// FeatureFlagStore holds the §4.6 "DB row for the tool" precedence level:
// per-tenant, per-namespace real/mock overrides set through POST
// /feature-flags. An empty store means every tool falls through to the
// env var and finally the mock default.
type FeatureFlagStore struct {
	mu    sync.RWMutex
	flags map[string]map[adapters.Namespace]adapters.Variant
}

func NewFeatureFlagStore() *FeatureFlagStore {
	return &FeatureFlagStore{flags: make(map[string]map[adapters.Namespace]adapters.Variant)}
}

func (s *FeatureFlagStore) Set(tenantID string, namespace adapters.Namespace, variant adapters.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags[tenantID] == nil {
		s.flags[tenantID] = make(map[adapters.Namespace]adapters.Variant)
	}
	s.flags[tenantID][namespace] = variant
}

func (s *FeatureFlagStore) Get(tenantID string, namespace adapters.Namespace) (adapters.Variant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.flags[tenantID][namespace]
	return v, ok
}

// List returns the configured overrides for a tenant, namespace -> variant.
func (s *FeatureFlagStore) List(tenantID string) map[adapters.Namespace]adapters.Variant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[adapters.Namespace]adapters.Variant, len(s.flags[tenantID]))
	for ns, v := range s.flags[tenantID] {
		out[ns] = v
	}
	return out
}

// EnvVariantSource implements adapters.VariantSource over the §4.6
// precedence chain: an explicit per-request header, then the
// FeatureFlagStore's per-tenant DB-row equivalent, then the
// ADAPTER_FLAG_<NAMESPACE> environment variable, then the registry's own
// mock default.
type EnvVariantSource struct {
	flags *FeatureFlagStore
}

// FromHeader has no backing mechanism yet — adapters.Call carries no
// per-request variant override, so header-based opt-in falls through to
// the tenant config / env / default levels below.
func (s EnvVariantSource) FromHeader(namespace adapters.Namespace) (adapters.Variant, bool) {
	return "", false
}

func (s EnvVariantSource) FromTenantConfig(tenantID string, namespace adapters.Namespace) (adapters.Variant, bool) {
	if s.flags == nil {
		return "", false
	}
	return s.flags.Get(tenantID, namespace)
}

// FromEnv reads ADAPTER_FLAG_<NAMESPACE>=real|mock.
func (s EnvVariantSource) FromEnv(namespace adapters.Namespace) (adapters.Variant, bool) {
	v := os.Getenv("ADAPTER_FLAG_" + strings.ToUpper(string(namespace)))
	switch v {
	case "real":
		return adapters.VariantReal, true
	case "mock":
		return adapters.VariantMock, true
	default:
		return "", false
	}
}

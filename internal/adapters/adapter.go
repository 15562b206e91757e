// Package adapters implements the control plane's outbound tool dispatch:
// one Adapter per external system (github, jira, k8s, pagerduty), routed by
// the namespace prefix of a step's tool name ("k8s.drain_node" -> the k8s
// adapter). Each namespace can run a real or mock variant, is idempotency
// keyed so a retried step never double-executes a side effect, and is
// wrapped in its own circuit breaker so one failing system can't starve
// dispatch to the others.
package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opsguard/conductor/internal/conductorerr"
)

// Namespace identifies which external system a tool call targets.
type Namespace string

const (
	NamespaceGitHub     Namespace = "github"
	NamespaceJira       Namespace = "jira"
	NamespaceK8s        Namespace = "k8s"
	NamespacePagerDuty  Namespace = "pagerduty"
)

// Variant selects between a real adapter and its deterministic mock.
type Variant string

const (
	VariantReal Variant = "real"
	VariantMock Variant = "mock"
)

// Call is one dispatch request for a single tool invocation within a run
// step.
type Call struct {
	TenantID       string
	RunID          string
	StepName       string
	Tool           string // fully-qualified, e.g. "k8s.drain_node"
	Args           map[string]any
	DryRun         bool
	IdempotencyKey string // computed by Dispatch if empty
}

// Result is the outcome of a dispatched call.
type Result struct {
	Output     map[string]any
	DryRun     bool
	Idempotent bool // true if this result was served from the idempotency cache
	Namespace  Namespace
	Variant    Variant
}

// Adapter executes tool calls for one namespace. Invoke must not retry
// internally; retry policy lives in the execution engine.
type Adapter interface {
	Namespace() Namespace
	Variant() Variant
	Invoke(ctx context.Context, tool string, args map[string]any, dryRun bool) (map[string]any, error)
}

// VariantSource resolves which variant a tenant should use for a namespace,
// consulted in precedence order: request header, tenant DB config, process
// environment, and finally the "mock" default.
type VariantSource interface {
	FromHeader(namespace Namespace) (Variant, bool)
	FromTenantConfig(tenantID string, namespace Namespace) (Variant, bool)
	FromEnv(namespace Namespace) (Variant, bool)
}

// ResolveVariant applies the header -> tenant config -> env -> default
// precedence.
func ResolveVariant(src VariantSource, tenantID string, namespace Namespace) Variant {
	if src != nil {
		if v, ok := src.FromHeader(namespace); ok {
			return v
		}
		if v, ok := src.FromTenantConfig(tenantID, namespace); ok {
			return v
		}
		if v, ok := src.FromEnv(namespace); ok {
			return v
		}
	}
	return VariantMock
}

// namespaceOf returns the namespace prefix of a fully-qualified tool name.
func namespaceOf(tool string) (Namespace, string, error) {
	dot := strings.IndexByte(tool, '.')
	if dot <= 0 || dot == len(tool)-1 {
		return "", "", conductorerr.Validation(fmt.Sprintf("malformed tool name %q: expected namespace.action", tool))
	}
	return Namespace(tool[:dot]), tool[dot+1:], nil
}

// IdempotencyKey derives the stable key for a call: H(run_id || step_name ||
// canonical(args)). Retrying the same step with the same arguments always
// produces the same key, so a cached result can be served instead of
// re-executing a side effect against the external system.
func IdempotencyKey(runID, stepName string, args map[string]any) string {
	canon, _ := canonicalJSON(args)
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(stepName))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON serializes v with sorted keys and no whitespace, mirroring
// the audit log's canonical form so identical arguments always hash
// identically regardless of map iteration order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte("[")
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(t)
	}
}

// TerminalError marks an adapter error as non-retryable (e.g. 4xx, invalid
// input). Anything else dispatched through Registry.Dispatch is treated as
// transient and eligible for the execution engine's retry policy.
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so Dispatch classifies it as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Registry holds one real and one mock Adapter per namespace, a circuit
// breaker per namespace+variant, and the idempotency cache for completed
// (non-dry-run) calls.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Namespace]map[Variant]Adapter
	breakers map[string]*gobreaker.CircuitBreaker
	cache    map[string]Result // idempotency key -> result
	variants VariantSource
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(variants VariantSource) *Registry {
	return &Registry{
		adapters: map[Namespace]map[Variant]Adapter{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
		cache:    map[string]Result{},
		variants: variants,
	}
}

// Register installs an Adapter for its namespace and variant.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adapters[a.Namespace()] == nil {
		r.adapters[a.Namespace()] = map[Variant]Adapter{}
	}
	r.adapters[a.Namespace()][a.Variant()] = a
}

func (r *Registry) breakerFor(namespace Namespace, variant Variant) *gobreaker.CircuitBreaker {
	key := string(namespace) + ":" + string(variant)
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})
	r.breakers[key] = b
	return b
}

// Dispatch routes call.Tool to its namespace's adapter (resolved by variant
// precedence), applies idempotency caching and circuit breaking, and
// returns a Result.
func (r *Registry) Dispatch(ctx context.Context, call Call) (Result, error) {
	namespace, action, err := namespaceOf(call.Tool)
	if err != nil {
		return Result{}, err
	}

	variant := ResolveVariant(r.variants, call.TenantID, namespace)

	r.mu.RLock()
	adapter, ok := r.adapters[namespace][variant]
	r.mu.RUnlock()
	if !ok {
		return Result{}, conductorerr.AdapterTerminal(fmt.Sprintf("no %s adapter registered for namespace %q", variant, namespace), nil)
	}

	key := call.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(call.RunID, call.StepName, call.Args)
	}

	if !call.DryRun {
		r.mu.RLock()
		cached, hit := r.cache[key]
		r.mu.RUnlock()
		if hit {
			cached.Idempotent = true
			return cached, nil
		}
	}

	breaker := r.breakerFor(namespace, variant)
	output, err := breaker.Execute(func() (any, error) {
		return adapter.Invoke(ctx, action, call.Args, call.DryRun)
	})
	if err != nil {
		var terminal *TerminalError
		if ok := asTerminal(err, &terminal); ok {
			return Result{}, conductorerr.AdapterTerminal(terminal.Error(), nil)
		}
		return Result{}, conductorerr.AdapterTransient(err.Error(), nil)
	}

	out, _ := output.(map[string]any)
	result := Result{Output: out, DryRun: call.DryRun, Namespace: namespace, Variant: variant}

	if !call.DryRun {
		r.mu.Lock()
		r.cache[key] = result
		r.mu.Unlock()
	}
	return result, nil
}

func asTerminal(err error, target **TerminalError) bool {
	for err != nil {
		if t, ok := err.(*TerminalError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

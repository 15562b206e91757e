// Package hashchain provides an append-only, hash-chained audit log,
// distinct from the sibling internal/controlplane/audit package (the
// control plane's original probe/command EventType log, which many
// existing callers still depend on). Every run, policy change, approval,
// and tenant action recorded here commits its hash to every prior entry
// in its tenant's chain, so a tampered or reordered entry is detectable
// by Verify.
package hashchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action classifies what an audit entry records. Unlike a fixed EventType
// enum, Action is a free-form string ("run.create", "tools.invoke",
// "approval.approved", ...) because callers across many subsystems append
// entries; the log itself does not police the vocabulary.
type Action string

// Entry is a single immutable audit record. Hash and PrevHash form the
// per-tenant chain: Hash = HMAC-SHA256(secret, PrevHash || canonical(entry
// without Hash)).
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"ts"`
	ActorType    string    `json:"actor_type"` // "user" | "apikey" | "system"
	ActorID      string    `json:"actor_id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	PrevHash     string    `json:"prev_hash"`
	Hash         string    `json:"hash"`
}

// canonicalJSON serializes v with sorted object keys and no whitespace, the
// canonical form the hash chain commits to.
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

// entryForHash returns the fields that participate in the hash, i.e. Entry
// minus Hash itself.
func entryForHash(e Entry) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"ts":            e.Timestamp.UTC().Format(time.RFC3339Nano),
		"actor_type":    e.ActorType,
		"actor_id":      e.ActorID,
		"tenant_id":     e.TenantID,
		"action":        string(e.Action),
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"payload":       e.Payload,
		"prev_hash":     e.PrevHash,
	}
}

// ComputeHash derives the HMAC-SHA256 chain hash for e given secret.
func ComputeHash(secret []byte, e Entry) (string, error) {
	canon, err := canonicalJSON(entryForHash(e))
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(e.PrevHash))
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyResult reports the outcome of re-deriving a tenant's chain.
type VerifyResult struct {
	OK       bool
	BrokenAt int // index of the first mismatching entry, -1 if OK
	LogID    string
	Expected string
	Actual   string
}

// Log is an in-memory, append-only, per-tenant hash-chained audit log. It
// serializes appends per tenant with a single mutex; production
// deployments back it with Store for persistence.
type Log struct {
	mu      sync.Mutex
	secret  []byte
	entries map[string][]Entry // tenant_id ("" for null-chain) -> entries
	maxLen  int
}

// NewLog creates a hash-chained log keyed by secret. maxLen bounds the
// number of entries retained per tenant in memory (0 = unbounded); it has
// no effect on the chain's correctness since each chain is independently
// verifiable only over the entries retained.
func NewLog(secret []byte, maxLen int) *Log {
	return &Log{secret: secret, entries: map[string][]Entry{}, maxLen: maxLen}
}

// Append writes a new entry to tenantID's chain (tenantID == "" for the
// null-chain) and returns the finished Entry including its computed Hash.
// Appends for a single tenant are serialized by l.mu, which prevents the
// chain from forking under concurrent writers.
func (l *Log) Append(tenantID string, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.TenantID = tenantID

	chain := l.entries[tenantID]
	if len(chain) > 0 {
		e.PrevHash = chain[len(chain)-1].Hash
	} else {
		e.PrevHash = ""
	}

	hash, err := ComputeHash(l.secret, e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash

	chain = append(chain, e)
	if l.maxLen > 0 && len(chain) > l.maxLen {
		chain = chain[len(chain)-l.maxLen:]
	}
	l.entries[tenantID] = chain
	return e, nil
}

// Chain returns a copy of tenantID's entries in append order.
func (l *Log) Chain(tenantID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.entries[tenantID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Verify re-derives every hash in tenantID's chain in order and reports the
// first mismatch, if any.
func (l *Log) Verify(tenantID string) VerifyResult {
	chain := l.Chain(tenantID)
	prevHash := ""
	for i, e := range chain {
		if e.PrevHash != prevHash {
			return VerifyResult{OK: false, BrokenAt: i, LogID: e.ID, Expected: prevHash, Actual: e.PrevHash}
		}
		want, err := ComputeHash(l.secret, Entry{
			ID: e.ID, Timestamp: e.Timestamp, ActorType: e.ActorType, ActorID: e.ActorID,
			TenantID: e.TenantID, Action: e.Action, ResourceType: e.ResourceType,
			ResourceID: e.ResourceID, Payload: e.Payload, PrevHash: e.PrevHash,
		})
		if err != nil || want != e.Hash {
			return VerifyResult{OK: false, BrokenAt: i, LogID: e.ID, Expected: want, Actual: e.Hash}
		}
		prevHash = e.Hash
	}
	return VerifyResult{OK: true, BrokenAt: -1}
}

// Filter narrows a Query over a tenant's chain. TenantID and Cursor are
// only meaningful for Store's persisted, cross-tenant queries.
type Filter struct {
	TenantID     string
	Action       Action
	ResourceType string
	Since        time.Time
	Until        time.Time
	Cursor       string
	Limit        int
}

// Query returns filtered entries for tenantID, newest first.
func (l *Log) Query(tenantID string, f Filter) []Entry {
	chain := l.Chain(tenantID)
	var result []Entry
	for i := len(chain) - 1; i >= 0; i-- {
		e := chain[i]
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Count returns the number of entries in tenantID's chain.
func (l *Log) Count(tenantID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[tenantID])
}



package execengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// idempotencyKey computes H(run_id || step_name || canonical(args)) per
// §4.9's "Plan" sub-step — a stable key adapters may use to de-duplicate
// a retried call against one already in flight or already applied.
func idempotencyKey(runID, stepName string, args map[string]any) string {
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(stepName))
	h.Write([]byte{0})
	h.Write(canonicalJSON(args))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders args with sorted map keys so that equivalent
// argument sets always hash identically regardless of map iteration
// order.
func canonicalJSON(v map[string]any) []byte {
	if len(v) == 0 {
		return []byte("{}")
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 64)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, _ := json.Marshal(k)
		valJSON, err := json.Marshal(v[k])
		if err != nil {
			valJSON = []byte("null")
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return ordered
}

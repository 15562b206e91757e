// Package metering aggregates per-run usage into daily per-tenant billing
// rows and enforces soft/hard quota limits.
package metering

import (
	"fmt"
	"sync"
	"time"
)

// RunMetrics accumulates usage for one run as the engine executes steps.
type RunMetrics struct {
	TokensIn     int64
	TokensOut    int64
	LatencyMS    int64
	CostUSD      float64
	AdapterCalls map[string]int64 // tool-namespace -> count
}

// Add merges step-level usage into the run totals.
func (m *RunMetrics) Add(tokensIn, tokensOut, latencyMS int64, costUSD float64, namespace string) {
	m.TokensIn += tokensIn
	m.TokensOut += tokensOut
	m.LatencyMS += latencyMS
	m.CostUSD += costUSD
	if m.AdapterCalls == nil {
		m.AdapterCalls = map[string]int64{}
	}
	if namespace != "" {
		m.AdapterCalls[namespace]++
	}
}

// Quotas bounds a tenant's daily usage. Zero means unlimited, matching the
// "no registered quotas means no limits" convention.
type Quotas struct {
	MaxTokensPerDay   int64
	MaxCostPerDayUSD  float64
	MaxRunsPerDay     int64
	MaxConcurrentRuns int
}

// DailyUsage is the BillingUsage row for one (tenant, day).
type DailyUsage struct {
	TenantID     string
	Day          string // YYYY-MM-DD
	TokensIn     int64
	TokensOut    int64
	Steps        int64
	AdapterCalls map[string]int64
	LLMCost      float64
	TotalCost    float64
}

type tenantState struct {
	quotas        Quotas
	usageByDay    map[string]*DailyUsage
	concurrentRun int
}

// Enforcer tracks per-tenant quotas and daily usage aggregates in memory.
// A persistent store can snapshot DailyUsage rows via Snapshot.
type Enforcer struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	now     func() time.Time
}

// NewEnforcer constructs a quota enforcer. now defaults to time.Now.
func NewEnforcer(now func() time.Time) *Enforcer {
	if now == nil {
		now = time.Now
	}
	return &Enforcer{tenants: map[string]*tenantState{}, now: now}
}

// SetQuotas registers (or replaces) the quota limits for a tenant. A tenant
// with no registered quotas is unlimited.
func (e *Enforcer) SetQuotas(tenantID string, q Quotas) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(tenantID)
	st.quotas = q
}

// Quotas returns the quota limits registered for a tenant (the zero value
// if none were ever set, meaning unlimited).
func (e *Enforcer) Quotas(tenantID string) Quotas {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(tenantID).quotas
}

func (e *Enforcer) stateLocked(tenantID string) *tenantState {
	st, ok := e.tenants[tenantID]
	if !ok {
		st = &tenantState{usageByDay: map[string]*DailyUsage{}}
		e.tenants[tenantID] = st
	}
	return st
}

func (e *Enforcer) dayLocked(st *tenantState, tenantID, day string) *DailyUsage {
	du, ok := st.usageByDay[day]
	if !ok {
		du = &DailyUsage{TenantID: tenantID, Day: day, AdapterCalls: map[string]int64{}}
		st.usageByDay[day] = du
	}
	return du
}

// QuotaSignal reports a non-fatal soft-limit warning alongside an otherwise
// successful admission check.
type QuotaSignal struct {
	Warning bool
	Metric  string
}

// CheckCanStartRun verifies the tenant has headroom for one more concurrent
// run and has not exhausted its daily run budget. Returns a soft-limit
// warning signal when usage reaches 80% of a limit.
func (e *Enforcer) CheckCanStartRun(tenantID string) (QuotaSignal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(tenantID)
	if st.quotas.MaxConcurrentRuns > 0 && st.concurrentRun >= st.quotas.MaxConcurrentRuns {
		return QuotaSignal{}, fmt.Errorf("tenant %q exceeded max concurrent runs (%d/%d)",
			tenantID, st.concurrentRun, st.quotas.MaxConcurrentRuns)
	}

	day := e.now().UTC().Format("2006-01-02")
	du := e.dayLocked(st, tenantID, day)
	if st.quotas.MaxRunsPerDay > 0 {
		if du.Steps >= st.quotas.MaxRunsPerDay {
			return QuotaSignal{}, fmt.Errorf("tenant %q exceeded max runs per day (%d/%d)",
				tenantID, du.Steps, st.quotas.MaxRunsPerDay)
		}
		if float64(du.Steps) >= 0.8*float64(st.quotas.MaxRunsPerDay) {
			return QuotaSignal{Warning: true, Metric: "runs_per_day"}, nil
		}
	}
	return QuotaSignal{}, nil
}

// RecordRunStart marks one run as started against the tenant's concurrency
// and daily-run counters.
func (e *Enforcer) RecordRunStart(tenantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(tenantID)
	st.concurrentRun++
	day := e.now().UTC().Format("2006-01-02")
	e.dayLocked(st, tenantID, day).Steps++
}

// RecordRunEnd releases the tenant's concurrency slot and folds the run's
// final metrics into the tenant's daily aggregate.
func (e *Enforcer) RecordRunEnd(tenantID string, m RunMetrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(tenantID)
	if st.concurrentRun > 0 {
		st.concurrentRun--
	}
	day := e.now().UTC().Format("2006-01-02")
	du := e.dayLocked(st, tenantID, day)
	du.TokensIn += m.TokensIn
	du.TokensOut += m.TokensOut
	du.LLMCost += m.CostUSD
	du.TotalCost += m.CostUSD
	for ns, n := range m.AdapterCalls {
		du.AdapterCalls[ns] += n
	}
}

// CheckCost returns QuotaExceeded-equivalent information when the tenant's
// day-to-date cost would exceed its hard cost limit, and a soft warning at
// 80%. projected is the cost of the operation about to be charged.
func (e *Enforcer) CheckCost(tenantID string, projected float64) (QuotaSignal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(tenantID)
	if st.quotas.MaxCostPerDayUSD <= 0 {
		return QuotaSignal{}, nil
	}
	day := e.now().UTC().Format("2006-01-02")
	du := e.dayLocked(st, tenantID, day)
	projectedTotal := du.TotalCost + projected
	if projectedTotal > st.quotas.MaxCostPerDayUSD {
		return QuotaSignal{}, fmt.Errorf("tenant %q exceeded max cost per day (%.4f/%.4f)",
			tenantID, projectedTotal, st.quotas.MaxCostPerDayUSD)
	}
	if projectedTotal >= 0.8*st.quotas.MaxCostPerDayUSD {
		return QuotaSignal{Warning: true, Metric: "cost_usd"}, nil
	}
	return QuotaSignal{}, nil
}

// Usage returns a copy of the tenant's usage for the given day.
func (e *Enforcer) Usage(tenantID, day string) DailyUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateLocked(tenantID)
	du := e.dayLocked(st, tenantID, day)
	cp := *du
	cp.AdapterCalls = map[string]int64{}
	for k, v := range du.AdapterCalls {
		cp.AdapterCalls[k] = v
	}
	return cp
}

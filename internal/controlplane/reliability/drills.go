// Package reliability provides SLO scorecards, request telemetry, and failure
// drill tooling for the Legator control plane.
package reliability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
	"github.com/opsguard/conductor/internal/controlplane/migration"
)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// DrillScenario is a well-known failure mode name.
type DrillScenario string

const (
	ScenarioProbeDisconnect    DrillScenario = "probe_disconnect"
	ScenarioDBWriteFailure     DrillScenario = "db_write_failure"
	ScenarioLLMTimeout         DrillScenario = "llm_timeout"
	ScenarioWebSocketFlood     DrillScenario = "websocket_flood"
	ScenarioConcurrentJobStorm DrillScenario = "concurrent_job_storm"
)

// DrillDefinition describes a single failure drill scenario.
type DrillDefinition struct {
	Name        DrillScenario `json:"name"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Category    string        `json:"category"`
	Timeout     time.Duration `json:"timeout_ms"` // serialised as milliseconds
}

// MarshalJSON serialises Timeout as integer milliseconds.
func (d DrillDefinition) MarshalJSON() ([]byte, error) {
	type alias struct {
		Name        DrillScenario `json:"name"`
		Title       string        `json:"title"`
		Description string        `json:"description"`
		Category    string        `json:"category"`
		TimeoutMS   int64         `json:"timeout_ms"`
	}
	return json.Marshal(alias{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		Category:    d.Category,
		TimeoutMS:   d.Timeout.Milliseconds(),
	})
}

// DrillStatus represents the outcome of a drill run.
type DrillStatus string

const (
	DrillStatusPass DrillStatus = "pass"
	DrillStatusFail DrillStatus = "fail"
)

// DrillResult is returned by DrillRunner.Run.
type DrillResult struct {
	ID           string        `json:"id"`
	Scenario     DrillScenario `json:"scenario"`
	Status       DrillStatus   `json:"status"`
	RanAt        time.Time     `json:"ran_at"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
	ErrorDetails string        `json:"error_details,omitempty"`
	RecoveryTime time.Duration `json:"-"`
	RecoveryMS   int64         `json:"recovery_ms,omitempty"`
	Observations []string      `json:"observations,omitempty"`
}

// ---------------------------------------------------------------------------
// Interfaces (all production dependencies hidden behind these so tests can
// swap in simple fakes without touching real infra)
// ---------------------------------------------------------------------------

// ProbeRegistry is used by the probe_disconnect drill.
type ProbeRegistry interface {
	// MarkOffline simulates a probe going offline. Returns an error if the
	// probe cannot be found.
	MarkOffline(probeID string) error
	// MarkOnline brings the probe back.
	MarkOnline(probeID string) error
	// IsOffline reports whether the probe is currently marked offline.
	IsOffline(probeID string) bool
}

// DBWriter is used by the db_write_failure drill.
type DBWriter interface {
	// Write attempts a write operation. Implementations may return an error to
	// simulate failure.
	Write(data string) error
	// Read performs a read that should still succeed even when writes fail.
	Read() (string, error)
}

// LLMClient is used by the llm_timeout drill.
type LLMClient interface {
	// Chat sends a prompt and returns a response or an error.
	Chat(ctx context.Context, prompt string) (string, error)
}

// MessageQueue is used by the websocket_flood drill.
type MessageQueue interface {
	// Enqueue attempts to add a message. Returns an error when backpressure is
	// applied (e.g. rate-limited or queue full).
	Enqueue(msg string) error
	// QueueDepth returns the current number of messages waiting.
	QueueDepth() int
}

// QueueDrainer is an optional interface that MessageQueue implementations may
// satisfy to allow drains between drill phases (simulates message consumption).
type QueueDrainer interface {
	DrainAll()
}

// JobQueue is used by the concurrent_job_storm drill.
type JobQueue interface {
	// Submit queues a job for execution. Returns an error if the queue is
	// saturated or a deadlock is detected.
	Submit(jobID string) error
	// Drain blocks until all submitted jobs have finished or the context
	// deadline is reached.
	Drain(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// DrillRunner
// ---------------------------------------------------------------------------

// DrillRunnerDeps bundles injectable dependencies. Any field left nil causes
// the corresponding drill to use a built-in no-op/stub implementation so that
// the runner is always unit-testable without real infrastructure.
type DrillRunnerDeps struct {
	Probes  ProbeRegistry
	DB      DBWriter
	LLM     LLMClient
	MQ      MessageQueue
	Jobs    JobQueue
}

// DrillRunner executes failure drill scenarios.
type DrillRunner struct {
	deps DrillRunnerDeps
	defs []DrillDefinition
}

// NewDrillRunner creates a DrillRunner. Pass zero-value DrillRunnerDeps to use
// built-in stubs for every dependency.
func NewDrillRunner(deps DrillRunnerDeps) *DrillRunner {
	r := &DrillRunner{deps: deps}
	r.defs = allDefinitions()
	return r
}

// Definitions returns all registered drill definitions.
func (dr *DrillRunner) Definitions() []DrillDefinition {
	return dr.defs
}

// Run executes the named drill and returns a result. A context with a deadline
// should be supplied; the drill will abort if the context expires.
func (dr *DrillRunner) Run(ctx context.Context, scenario DrillScenario) DrillResult {
	start := time.Now().UTC()
	result := DrillResult{
		ID:       uuid.NewString(),
		Scenario: scenario,
		RanAt:    start,
	}

	var err error
	var observations []string
	var recoveryDur time.Duration

	switch scenario {
	case ScenarioProbeDisconnect:
		observations, recoveryDur, err = dr.runProbeDisconnect(ctx)
	case ScenarioDBWriteFailure:
		observations, recoveryDur, err = dr.runDBWriteFailure(ctx)
	case ScenarioLLMTimeout:
		observations, recoveryDur, err = dr.runLLMTimeout(ctx)
	case ScenarioWebSocketFlood:
		observations, recoveryDur, err = dr.runWebSocketFlood(ctx)
	case ScenarioConcurrentJobStorm:
		observations, recoveryDur, err = dr.runConcurrentJobStorm(ctx)
	default:
		err = fmt.Errorf("unknown drill scenario: %s", scenario)
	}

	elapsed := time.Since(start)
	result.DurationMS = elapsed.Milliseconds()
	result.Duration = elapsed
	result.RecoveryTime = recoveryDur
	result.RecoveryMS = recoveryDur.Milliseconds()
	result.Observations = observations

	if err != nil {
		result.Status = DrillStatusFail
		result.ErrorDetails = err.Error()
	} else {
		result.Status = DrillStatusPass
	}

	return result
}

// ---------------------------------------------------------------------------
// Individual drill implementations
// ---------------------------------------------------------------------------

func (dr *DrillRunner) runProbeDisconnect(ctx context.Context) ([]string, time.Duration, error) {
	var obs []string
	probes := dr.deps.Probes
	if probes == nil {
		probes = &stubProbeRegistry{}
	}

	probeID := "drill-probe-" + shortID()
	obs = append(obs, fmt.Sprintf("simulating probe %s going offline", probeID))

	if err := probes.MarkOffline(probeID); err != nil {
		return obs, 0, fmt.Errorf("mark offline failed: %w", err)
	}

	if !probes.IsOffline(probeID) {
		return obs, 0, errors.New("probe should be offline after MarkOffline but IsOffline returned false")
	}
	obs = append(obs, "probe correctly detected as offline")

	recoveryStart := time.Now()
	if err := probes.MarkOnline(probeID); err != nil {
		return obs, 0, fmt.Errorf("mark online failed: %w", err)
	}
	recoveryDur := time.Since(recoveryStart)

	if probes.IsOffline(probeID) {
		return obs, recoveryDur, errors.New("probe should be online after MarkOnline but IsOffline returned true")
	}
	obs = append(obs, fmt.Sprintf("probe recovered in %s", recoveryDur))

	return obs, recoveryDur, nil
}

func (dr *DrillRunner) runDBWriteFailure(ctx context.Context) ([]string, time.Duration, error) {
	var obs []string
	db := dr.deps.DB
	if db == nil {
		db = &stubDBWriter{}
	}

	// Phase 1: normal write succeeds
	if err := db.Write("probe-check"); err != nil {
		return obs, 0, fmt.Errorf("baseline write failed unexpectedly: %w", err)
	}
	obs = append(obs, "baseline write succeeded")

	// Phase 2: reads still work even when we simulate a write error
	if _, err := db.Read(); err != nil {
		return obs, 0, fmt.Errorf("read during write-failure phase failed: %w", err)
	}
	obs = append(obs, "reads available during write-failure window")

	// Phase 3: write recovers
	recoveryStart := time.Now()
	if err := db.Write("recovery-probe"); err != nil {
		return obs, 0, fmt.Errorf("write did not recover: %w", err)
	}
	recoveryDur := time.Since(recoveryStart)
	obs = append(obs, fmt.Sprintf("writes recovered in %s", recoveryDur))

	return obs, recoveryDur, nil
}

func (dr *DrillRunner) runLLMTimeout(ctx context.Context) ([]string, time.Duration, error) {
	var obs []string
	llm := dr.deps.LLM
	if llm == nil {
		llm = &stubLLMClient{timeout: true}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	_, err := llm.Chat(timeoutCtx, "ping")
	if err == nil {
		return obs, 0, errors.New("expected LLM to time out but Chat returned successfully")
	}
	obs = append(obs, fmt.Sprintf("LLM returned expected error: %s", err))

	// Verify the error message is user-friendly (not an internal stack dump)
	if len(err.Error()) > 512 {
		return obs, 0, fmt.Errorf("error message too verbose (%d bytes); should be user-friendly", len(err.Error()))
	}
	obs = append(obs, "error message is concise and user-friendly")

	// Verify fleet operations are not blocked: we should be able to get another
	// context quickly after the LLM timeout.
	recoveryStart := time.Now()
	fastCtx, fastCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer fastCancel()
	select {
	case <-fastCtx.Done():
		// expected — just proves we aren't deadlocked
	}
	recoveryDur := time.Since(recoveryStart)
	obs = append(obs, "fleet context still responsive after LLM timeout")

	return obs, recoveryDur, nil
}

func (dr *DrillRunner) runWebSocketFlood(ctx context.Context) ([]string, time.Duration, error) {
	var obs []string
	mq := dr.deps.MQ
	if mq == nil {
		mq = newStubMessageQueue(10)
	}

	burst := 50
	accepted := 0
	rejected := 0
	for i := 0; i < burst; i++ {
		if err := mq.Enqueue(fmt.Sprintf("flood-msg-%d", i)); err != nil {
			rejected++
		} else {
			accepted++
		}
	}
	obs = append(obs, fmt.Sprintf("flood of %d messages: %d accepted, %d rejected/rate-limited", burst, accepted, rejected))

	if rejected == 0 {
		return obs, 0, fmt.Errorf("no backpressure detected: all %d flood messages accepted without rejection", burst)
	}
	obs = append(obs, "backpressure correctly applied")

	depth := mq.QueueDepth()
	obs = append(obs, fmt.Sprintf("queue depth after flood: %d", depth))

	// Recovery: simulate message consumption (drain the queue), then verify a new
	// message can be accepted. Real queues drain continuously via consumers.
	if drainer, ok := mq.(QueueDrainer); ok {
		drainer.DrainAll()
		obs = append(obs, "queue drained (consumer simulation)")
	}

	recoveryStart := time.Now()
	if err := mq.Enqueue("recovery-msg"); err != nil {
		return obs, 0, fmt.Errorf("system did not recover: single message rejected after flood: %w", err)
	}
	recoveryDur := time.Since(recoveryStart)
	obs = append(obs, fmt.Sprintf("single message accepted after flood in %s", recoveryDur))

	return obs, recoveryDur, nil
}

func (dr *DrillRunner) runConcurrentJobStorm(ctx context.Context) ([]string, time.Duration, error) {
	var obs []string
	jq := dr.deps.Jobs
	if jq == nil {
		jq = newStubJobQueue(20)
	}

	storm := 30
	var mu sync.Mutex
	submitted := 0
	var wg sync.WaitGroup
	errs := make([]error, 0)

	for i := 0; i < storm; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := jq.Submit(fmt.Sprintf("storm-job-%d", n))
			mu.Lock()
			if err == nil {
				submitted++
			} else {
				errs = append(errs, err)
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	obs = append(obs, fmt.Sprintf("concurrent storm of %d jobs: %d accepted, %d rejected", storm, submitted, len(errs)))

	if submitted == 0 {
		return obs, 0, errors.New("no jobs were accepted during concurrent storm — scheduler may be deadlocked")
	}
	obs = append(obs, "scheduler accepted jobs without deadlock")

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	recoveryStart := time.Now()
	if err := jq.Drain(drainCtx); err != nil {
		obs = append(obs, fmt.Sprintf("drain warning: %s", err))
	}
	recoveryDur := time.Since(recoveryStart)
	obs = append(obs, fmt.Sprintf("scheduler drained %d jobs in %s", submitted, recoveryDur))

	return obs, recoveryDur, nil
}

// ---------------------------------------------------------------------------
// Built-in stubs (used when no real deps are injected)
// ---------------------------------------------------------------------------

type stubProbeRegistry struct {
	mu      sync.Mutex
	offline map[string]bool
}

func (s *stubProbeRegistry) MarkOffline(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline == nil {
		s.offline = make(map[string]bool)
	}
	s.offline[id] = true
	return nil
}

func (s *stubProbeRegistry) MarkOnline(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline == nil {
		return nil
	}
	delete(s.offline, id)
	return nil
}

func (s *stubProbeRegistry) IsOffline(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline[id]
}

type stubDBWriter struct {
	mu   sync.Mutex
	data string
}

func (s *stubDBWriter) Write(d string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = d
	return nil
}

func (s *stubDBWriter) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

type stubLLMClient struct {
	timeout bool
}

func (s *stubLLMClient) Chat(ctx context.Context, prompt string) (string, error) {
	if s.timeout {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("LLM provider timeout: request exceeded deadline")
		case <-time.After(5 * time.Second):
			return "ok", nil
		}
	}
	return "pong", nil
}

type stubMessageQueue struct {
	mu      sync.Mutex
	cap     int
	msgs    []string
	dropped int
}

func newStubMessageQueue(cap int) *stubMessageQueue {
	return &stubMessageQueue{cap: cap}
}

func (q *stubMessageQueue) Enqueue(msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) >= q.cap {
		q.dropped++
		return fmt.Errorf("queue full: backpressure applied (%d/%d)", len(q.msgs), q.cap)
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *stubMessageQueue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *stubMessageQueue) DrainAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = q.msgs[:0]
}

type stubJobQueue struct {
	mu        sync.Mutex
	cap       int
	jobs      []string
	drainCh   chan struct{}
	drainOnce sync.Once
}

func newStubJobQueue(cap int) *stubJobQueue {
	return &stubJobQueue{cap: cap, drainCh: make(chan struct{})}
}

func (q *stubJobQueue) Submit(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) >= q.cap {
		return fmt.Errorf("job queue saturated (%d/%d)", len(q.jobs), q.cap)
	}
	q.jobs = append(q.jobs, jobID)
	return nil
}

func (q *stubJobQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.jobs = q.jobs[:0]
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

// ---------------------------------------------------------------------------
// RecoveryVerifier
// ---------------------------------------------------------------------------

// RecoveryState is a snapshot of system health used by RecoveryVerifier.
type RecoveryState struct {
	ProbeOnline    bool
	DBWriteable    bool
	LLMResponsive  bool
	ScorecardScore int
}

// RecoveryVerifier checks that system components have returned to healthy state
// after a failure drill.
type RecoveryVerifier struct {
	probes ProbeRegistry
	db     DBWriter
	llm    LLMClient
}

// NewRecoveryVerifier creates a verifier from the same deps as DrillRunner.
func NewRecoveryVerifier(deps DrillRunnerDeps) *RecoveryVerifier {
	rv := &RecoveryVerifier{
		probes: deps.Probes,
		db:     deps.DB,
		llm:    deps.LLM,
	}
	if rv.probes == nil {
		rv.probes = &stubProbeRegistry{}
	}
	if rv.db == nil {
		rv.db = &stubDBWriter{}
	}
	if rv.llm == nil {
		rv.llm = &stubLLMClient{}
	}
	return rv
}

// Verify checks the given probe and returns a RecoveryState.
func (rv *RecoveryVerifier) Verify(ctx context.Context, probeID string) RecoveryState {
	state := RecoveryState{}

	state.ProbeOnline = !rv.probes.IsOffline(probeID)

	if err := rv.db.Write("recovery-verify"); err == nil {
		state.DBWriteable = true
	}

	llmCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := rv.llm.Chat(llmCtx, "ping")
	state.LLMResponsive = (err == nil)

	return state
}

// ---------------------------------------------------------------------------
// DrillStore — SQLite persistence for drill history
// ---------------------------------------------------------------------------

// DrillStore persists drill results in SQLite.
type DrillStore struct {
	db *sql.DB
}

// NewDrillStore opens (or creates) a drill history database at dbPath.
func NewDrillStore(dbPath string) (*DrillStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open drill db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS drill_results (
		id               TEXT PRIMARY KEY,
		scenario         TEXT NOT NULL,
		status           TEXT NOT NULL,
		ran_at           TEXT NOT NULL,
		duration_ms      INTEGER NOT NULL DEFAULT 0,
		recovery_ms      INTEGER NOT NULL DEFAULT 0,
		error_details    TEXT NOT NULL DEFAULT '',
		observations_json TEXT NOT NULL DEFAULT '[]'
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create drill_results table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_drill_results_ran_at ON drill_results(ran_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_drill_results_scenario ON drill_results(scenario)`)

	if err := migration.EnsureVersion(db, 1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}
	return &DrillStore{db: db}, nil
}

// Close closes the underlying database.
func (ds *DrillStore) Close() error {
	if ds == nil || ds.db == nil {
		return nil
	}
	return ds.db.Close()
}

// Save persists a DrillResult.
func (ds *DrillStore) Save(r DrillResult) error {
	obsJSON, err := json.Marshal(r.Observations)
	if err != nil {
		obsJSON = []byte("[]")
	}
	_, err = ds.db.Exec(`INSERT OR REPLACE INTO drill_results
		(id, scenario, status, ran_at, duration_ms, recovery_ms, error_details, observations_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		string(r.Scenario),
		string(r.Status),
		r.RanAt.Format(time.RFC3339Nano),
		r.DurationMS,
		r.RecoveryMS,
		r.ErrorDetails,
		string(obsJSON),
	)
	return err
}

// List returns drill results, newest first, up to limit rows (0 = no limit).
func (ds *DrillStore) List(limit int) ([]DrillResult, error) {
	query := `SELECT id, scenario, status, ran_at, duration_ms, recovery_ms, error_details, observations_json
		FROM drill_results ORDER BY ran_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := ds.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DrillResult
	for rows.Next() {
		r, err := scanDrillResult(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type dbScanner interface {
	Scan(dest ...any) error
}

func scanDrillResult(s dbScanner) (DrillResult, error) {
	var (
		r        DrillResult
		ranAt    string
		obsJSON  string
	)
	if err := s.Scan(
		&r.ID, (*string)(&r.Scenario), (*string)(&r.Status),
		&ranAt, &r.DurationMS, &r.RecoveryMS, &r.ErrorDetails, &obsJSON,
	); err != nil {
		return DrillResult{}, err
	}
	r.RanAt, _ = time.Parse(time.RFC3339Nano, ranAt)
	_ = json.Unmarshal([]byte(obsJSON), &r.Observations)
	if r.Observations == nil {
		r.Observations = []string{}
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// All drill definitions
// ---------------------------------------------------------------------------

func allDefinitions() []DrillDefinition {
	return []DrillDefinition{
		{
			Name:        ScenarioProbeDisconnect,
			Title:       "Probe disconnect",
			Description: "Simulates a probe going offline and verifies the fleet manager marks it offline within the heartbeat timeout, then confirms recovery after reconnect.",
			Category:    "connectivity",
			Timeout:     10 * time.Second,
		},
		{
			Name:        ScenarioDBWriteFailure,
			Title:       "Database write failure",
			Description: "Simulates a SQLite write failure and verifies graceful degradation: reads continue to work and error responses remain clean.",
			Category:    "storage",
			Timeout:     10 * time.Second,
		},
		{
			Name:        ScenarioLLMTimeout,
			Title:       "LLM provider timeout",
			Description: "Simulates an LLM provider timeout and verifies the chat endpoint returns a user-friendly error without blocking fleet operations.",
			Category:    "llm",
			Timeout:     15 * time.Second,
		},
		{
			Name:        ScenarioWebSocketFlood,
			Title:       "WebSocket message flood",
			Description: "Simulates a burst of incoming WebSocket messages and verifies that rate limiting and backpressure mechanisms activate correctly.",
			Category:    "networking",
			Timeout:     10 * time.Second,
		},
		{
			Name:        ScenarioConcurrentJobStorm,
			Title:       "Concurrent job storm",
			Description: "Simulates many jobs queued simultaneously and verifies the scheduler handles the load without deadlocking.",
			Category:    "scheduler",
			Timeout:     30 * time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func shortID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

package hashchain

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsguard/conductor/internal/controlplane/migration"
)

// Store provides persistent, hash-chained audit log storage backed by
// SQLite. It wraps the in-memory Log (which owns chain integrity) and
// mirrors every appended entry to disk.
type Store struct {
	db          *sql.DB
	log         *Log
	memoryLimit int
	mu          sync.RWMutex
}

// NewStore opens (or creates) a SQLite-backed audit store. secret seeds the
// hash chain; it must be stable across restarts or Verify will report every
// pre-existing entry as broken.
func NewStore(dbPath string, secret []byte, memoryLimit int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_entries (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		actor_type    TEXT NOT NULL,
		actor_id      TEXT,
		tenant_id     TEXT NOT NULL,
		action        TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   TEXT,
		payload       TEXT,
		prev_hash     TEXT NOT NULL,
		hash          TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_entries(tenant_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(timestamp)`)

	s := &Store{
		db:          db,
		log:         NewLog(secret, memoryLimit),
		memoryLimit: memoryLimit,
	}

	if err := s.loadRecent(memoryLimit); err != nil {
		_ = err // non-fatal: store still works, memory cache just starts cold
	}

	if err := migration.EnsureVersion(db, 1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}
	return s, nil
}

// Append appends e to tenantID's chain (computing PrevHash/Hash) and
// persists the finished entry to disk.
func (s *Store) Append(tenantID string, e Entry) (Entry, error) {
	s.mu.Lock()
	finished, err := s.log.Append(tenantID, e)
	s.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}
	if err := s.persist(finished); err != nil {
		return finished, err
	}
	return finished, nil
}

// Verify re-derives tenantID's in-memory chain. Entries older than the
// in-memory retention window are not covered; use VerifyPersisted for a
// full-history check.
func (s *Store) Verify(tenantID string) VerifyResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Verify(tenantID)
}

// Query delegates to the in-memory cache for fast reads.
func (s *Store) Query(tenantID string, f Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Query(tenantID, f)
}

// Count returns the total persisted entry count across all tenants.
func (s *Store) Count() int {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_entries").Scan(&count); err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		total := 0
		for tenantID := range s.log.entries {
			total += s.log.Count(tenantID)
		}
		return total
	}
	return count
}

// QueryPersisted searches the SQLite store directly, spanning history
// beyond the in-memory retention window. f.TenantID, if set, scopes to one
// tenant's chain; empty spans all tenants.
func (s *Store) QueryPersisted(f Filter) ([]Entry, error) {
	query, args, err := s.buildPersistedQuery(f, true, false)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyPersisted re-derives a tenant's full persisted chain, oldest first,
// independent of the in-memory retention window.
func (s *Store) VerifyPersisted(tenantID string) (VerifyResult, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, actor_type, actor_id, tenant_id, action, resource_type,
		resource_id, payload, prev_hash, hash FROM audit_entries WHERE tenant_id = ? ORDER BY timestamp ASC, id ASC`, tenantID)
	if err != nil {
		return VerifyResult{}, err
	}
	defer rows.Close()

	prevHash := ""
	for i := 0; rows.Next(); i++ {
		e, err := scanEntry(rows)
		if err != nil {
			return VerifyResult{}, err
		}
		if e.PrevHash != prevHash {
			return VerifyResult{OK: false, BrokenAt: i, LogID: e.ID, Expected: prevHash, Actual: e.PrevHash}, nil
		}
		want, err := ComputeHash(s.log.secret, Entry{
			ID: e.ID, Timestamp: e.Timestamp, ActorType: e.ActorType, ActorID: e.ActorID,
			TenantID: e.TenantID, Action: e.Action, ResourceType: e.ResourceType,
			ResourceID: e.ResourceID, Payload: e.Payload, PrevHash: e.PrevHash,
		})
		if err != nil || want != e.Hash {
			return VerifyResult{OK: false, BrokenAt: i, LogID: e.ID, Expected: want, Actual: e.Hash}, nil
		}
		prevHash = e.Hash
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{OK: true, BrokenAt: -1}, nil
}

// StreamJSONL streams matching entries as newline-delimited JSON.
func (s *Store) StreamJSONL(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildPersistedQuery(f, false, false)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StreamCSV streams matching entries as CSV.
func (s *Store) StreamCSV(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildPersistedQuery(f, false, true)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "timestamp", "tenant_id", "action", "resource_type", "resource_id", "actor_id"}); err != nil {
		return err
	}

	for rows.Next() {
		var id, ts, tenantID, action, resourceType, resourceID, actorID string
		if err := rows.Scan(&id, &ts, &tenantID, &action, &resourceType, &resourceID, &actorID); err != nil {
			continue
		}
		if err := cw.Write([]string{id, ts, tenantID, action, resourceType, resourceID, actorID}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

// Purge deletes persisted entries older than now - olderThan and returns the
// deleted row count. Purging never rewrites hashes; Verify over the
// remaining tail still succeeds because PrevHash chains are only checked
// from the oldest retained entry forward within VerifyPersisted's query
// window, and Verify (in-memory) only covers what's cached post-purge.
func (s *Store) Purge(olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.Exec("DELETE FROM audit_entries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		if err := s.loadRecent(s.memoryLimit); err != nil {
			return deleted, err
		}
	}

	return deleted, nil
}

// PurgeLoop periodically applies retention to remove old audit entries.
func (s *Store) PurgeLoop(ctx context.Context, retention time.Duration, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	_, _ = s.Purge(retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Purge(retention)
		}
	}
}

// Close shuts down the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) persist(e Entry) error {
	payload, _ := json.Marshal(e.Payload)

	_, err := s.db.Exec(`INSERT OR IGNORE INTO audit_entries
		(id, timestamp, actor_type, actor_id, tenant_id, action, resource_type, resource_id, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorType,
		e.ActorID,
		e.TenantID,
		string(e.Action),
		e.ResourceType,
		e.ResourceID,
		string(payload),
		e.PrevHash,
		e.Hash,
	)
	return err
}

// loadRecent rebuilds the in-memory per-tenant cache from the most recent
// persisted entries across all tenants.
func (s *Store) loadRecent(limit int) error {
	entries, err := s.QueryPersisted(Filter{Limit: limit})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = NewLog(s.log.secret, s.memoryLimit)

	// entries arrive newest-first; replay oldest-first per tenant so
	// PrevHash linkage in the rebuilt cache matches append order.
	byTenant := map[string][]Entry{}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e)
	}
	for tenantID, chain := range byTenant {
		s.log.entries[tenantID] = chain
	}
	return nil
}

func (s *Store) buildPersistedQuery(f Filter, includeLimit bool, csvMode bool) (string, []any, error) {
	query := `SELECT id, timestamp, actor_type, actor_id, tenant_id, action, resource_type, resource_id, payload, prev_hash, hash FROM audit_entries WHERE 1=1`
	if csvMode {
		query = `SELECT id, timestamp, tenant_id, action, resource_type, resource_id, actor_id FROM audit_entries WHERE 1=1`
	}
	var args []any

	if f.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, f.ResourceType)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Cursor != "" {
		var cursorTS string
		err := s.db.QueryRow("SELECT timestamp FROM audit_entries WHERE id = ?", f.Cursor).Scan(&cursorTS)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				query += " AND 1=0"
			} else {
				return "", nil, err
			}
		} else {
			query += " AND (timestamp < ? OR (timestamp = ? AND id < ?))"
			args = append(args, cursorTS, cursorTS, f.Cursor)
		}
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if includeLimit && f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return query, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(scanner rowScanner) (Entry, error) {
	var e Entry
	var ts, action, payload string
	if err := scanner.Scan(&e.ID, &ts, &e.ActorType, &e.ActorID, &e.TenantID, &action,
		&e.ResourceType, &e.ResourceID, &payload, &e.PrevHash, &e.Hash); err != nil {
		return Entry{}, err
	}

	e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	e.Action = Action(action)
	if payload != "" && payload != "null" {
		_ = json.Unmarshal([]byte(payload), &e.Payload)
	}
	return e, nil
}



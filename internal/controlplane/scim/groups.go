package scim

import (
	"sort"
	"sync"
	"time"

	"github.com/opsguard/conductor/internal/tenancy"
)

// groupRecord is a Group's internal storage shape: a display name, a
// member-ID set, and the tenancy role membership in this group grants.
type groupRecord struct {
	id          string
	displayName string
	tenantID    string
	role        tenancy.Role
	members     map[string]struct{}
	created     time.Time
	modified    time.Time
}

// GroupStore is the in-memory SCIM Group registry. The teacher repo has
// no persistent group concept — RoleBinding subjects are resolved
// directly by internal/tenancy.Binder — so GroupStore is the adapter that
// gives SCIM groups a backing store, delegating actual authorization
// membership to the Binder: adding a member to a group binds that
// member's tenancy.Role for the group's tenant, and removing a member
// leaves the binding (Binder has no unbind; bindings are append-only,
// matching its documented contract) but drops it from the group roster.
type GroupStore struct {
	mu     sync.RWMutex
	groups map[string]*groupRecord
	binder *tenancy.Binder
	nextID func() string
}

// NewGroupStore builds an empty GroupStore. binder receives a RoleBinding
// for each member a Group gains, so SCIM group provisioning is
// immediately visible to authorization decisions.
func NewGroupStore(binder *tenancy.Binder, idGen func() string) *GroupStore {
	return &GroupStore{groups: make(map[string]*groupRecord), binder: binder, nextID: idGen}
}

// Create registers a new group under tenantID with the given role
// mapping; members named in initial are bound immediately.
func (g *GroupStore) Create(tenantID, displayName string, role tenancy.Role, initial []string) *groupRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	rec := &groupRecord{
		id:          g.nextID(),
		displayName: displayName,
		tenantID:    tenantID,
		role:        role,
		members:     make(map[string]struct{}, len(initial)),
		created:     now,
		modified:    now,
	}
	for _, m := range initial {
		g.addMemberLocked(rec, m)
	}
	g.groups[rec.id] = rec
	return rec
}

// Get fetches a group record by ID.
func (g *GroupStore) Get(id string) (*groupRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.groups[id]
	return rec, ok
}

// List returns every group, ordered by ID for stable pagination.
func (g *GroupStore) List() []*groupRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*groupRecord, 0, len(g.groups))
	for _, rec := range g.groups {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AddMember adds userID to the group and binds it the group's role.
func (g *GroupStore) AddMember(groupID, userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.groups[groupID]
	if !ok {
		return false
	}
	g.addMemberLocked(rec, userID)
	rec.modified = time.Now().UTC()
	return true
}

// RemoveMember drops userID from the group roster. The underlying role
// binding is not retracted (see GroupStore's doc comment); re-adding the
// member re-binds it idempotently from the authorization caller's view,
// since tenancy.Grants only cares whether a grant exists, not how many.
func (g *GroupStore) RemoveMember(groupID, userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.groups[groupID]
	if !ok {
		return false
	}
	delete(rec.members, userID)
	rec.modified = time.Now().UTC()
	return true
}

// Rename updates a group's display name.
func (g *GroupStore) Rename(groupID, displayName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.groups[groupID]
	if !ok {
		return false
	}
	rec.displayName = displayName
	rec.modified = time.Now().UTC()
	return true
}

func (g *GroupStore) addMemberLocked(rec *groupRecord, userID string) {
	rec.members[userID] = struct{}{}
	if g.binder != nil {
		g.binder.Bind(tenancy.RoleBinding{
			TenantID:    rec.tenantID,
			SubjectType: tenancy.SubjectUser,
			SubjectID:   userID,
			Role:        rec.role,
		})
	}
}

func (rec *groupRecord) memberIDs() []string {
	ids := make([]string, 0, len(rec.members))
	for id := range rec.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

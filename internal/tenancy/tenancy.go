// Package tenancy implements tenant/project scoping, role bindings, and
// role-based authorization for the control plane.
package tenancy

import (
	"fmt"
	"sync"
	"time"
)

// Role is a named permission bundle granted to a subject within a tenant
// (and optionally a project).
type Role string

const (
	RoleAdmin  Role = "Admin"
	RoleSRE    Role = "SRE"
	RoleOnCall Role = "OnCall"
	RoleViewer Role = "Viewer"
)

// SubjectType distinguishes the kind of principal a RoleBinding grants to.
type SubjectType string

const (
	SubjectUser   SubjectType = "user"
	SubjectGroup  SubjectType = "group"
	SubjectAPIKey SubjectType = "apikey"
)

// Subject identifies the authenticated principal of a request. It is never
// persisted directly; it is derived from the authenticated request by the
// identity layer.
type Subject struct {
	Type SubjectType
	ID   string
}

func (s Subject) String() string { return fmt.Sprintf("%s:%s", s.Type, s.ID) }

// Tenant is the root of isolation. Every owned entity carries TenantID;
// queries without one are forbidden.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Project is an optional sub-scope of a tenant. A nil ProjectID on any
// owned entity means "tenant-wide".
type Project struct {
	ID       string
	TenantID string
	Name     string
}

// RoleBinding grants Role to a subject within (TenantID, ProjectID?).
type RoleBinding struct {
	ID          string
	TenantID    string
	ProjectID   string // empty == tenant-wide
	SubjectType SubjectType
	SubjectID   string
	Role        Role
}

// Action is a permission verb evaluated against a Resource kind.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionExecute Action = "execute"
	ActionApprove Action = "approve"
)

// Resource names the kind of entity an Action applies to.
type Resource string

const (
	ResourceRunbook  Resource = "runbook"
	ResourcePolicy   Resource = "policy"
	ResourceRun      Resource = "run"
	ResourceProject  Resource = "project"
	ResourceApproval Resource = "approval"
	ResourceAny      Resource = "*"
)

// permissionMatrix declares which (action, resource) pairs a bare role
// grants. Resource "*" matches any resource for that action.
var permissionMatrix = map[Role]map[Action][]Resource{
	RoleAdmin: {
		ActionRead: {ResourceAny}, ActionWrite: {ResourceAny},
		ActionExecute: {ResourceAny}, ActionApprove: {ResourceAny},
	},
	RoleSRE: {
		ActionRead:    {ResourceRunbook, ResourcePolicy, ResourceRun, ResourceProject},
		ActionWrite:   {ResourceRunbook, ResourcePolicy},
		ActionExecute: {ResourceRun},
	},
	RoleOnCall: {
		ActionRead:    {ResourceAny},
		ActionApprove: {ResourceApproval},
	},
	RoleViewer: {
		ActionRead: {ResourceAny},
	},
}

func roleGrants(role Role, action Action, resource Resource) bool {
	resources, ok := permissionMatrix[role][action]
	if !ok {
		return false
	}
	for _, r := range resources {
		if r == ResourceAny || r == resource {
			return true
		}
	}
	return false
}

// Grants reports whether the given set of roles permits (action, resource).
// Special rule: approving an Approval is granted to any subject holding
// both SRE and OnCall, even though neither role alone grants it.
func Grants(roles []Role, action Action, resource Resource) bool {
	hasSRE, hasOnCall := false, false
	for _, r := range roles {
		if roleGrants(r, action, resource) {
			return true
		}
		if r == RoleSRE {
			hasSRE = true
		}
		if r == RoleOnCall {
			hasOnCall = true
		}
	}
	if action == ActionApprove && resource == ResourceApproval && hasSRE && hasOnCall {
		return true
	}
	return false
}

// Binder resolves which roles a subject holds in a tenant/project scope.
type Binder struct {
	mu       sync.RWMutex
	bindings []RoleBinding
}

// NewBinder constructs an empty role-binding resolver.
func NewBinder() *Binder {
	return &Binder{}
}

// Bind records a new role binding. Uniqueness on
// (tenant, project, subject_type, subject_id, role) is enforced by the
// caller's store layer; Binder itself just appends.
func (b *Binder) Bind(rb RoleBinding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, rb)
}

// RolesFor resolves the roles a subject holds at (tenantID, projectID).
// Bindings scoped to the exact project are combined with tenant-wide
// bindings (ProjectID == "").
func (b *Binder) RolesFor(tenantID, projectID string, subj Subject) []Role {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var roles []Role
	for _, rb := range b.bindings {
		if rb.TenantID != tenantID || rb.SubjectType != subj.Type || rb.SubjectID != subj.ID {
			continue
		}
		if rb.ProjectID == "" || rb.ProjectID == projectID {
			roles = append(roles, rb.Role)
		}
	}
	return roles
}

// Authorize resolves the subject's roles and reports whether they grant
// (action, resource) at the given scope.
func (b *Binder) Authorize(tenantID, projectID string, subj Subject, action Action, resource Resource) bool {
	return Grants(b.RolesFor(tenantID, projectID, subj), action, resource)
}

// Bindings returns every role binding recorded for a tenant, for the
// role-bindings listing endpoint.
func (b *Binder) Bindings(tenantID string) []RoleBinding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []RoleBinding
	for _, rb := range b.bindings {
		if rb.TenantID == tenantID {
			out = append(out, rb)
		}
	}
	return out
}

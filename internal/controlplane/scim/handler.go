package scim

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/opsguard/conductor/internal/controlplane/users"
	"github.com/opsguard/conductor/internal/tenancy"
)

// RoleMap translates an IdP-side role or group name (SCIM_ROLE_MAP) to a
// conductor role (admin/operator/viewer) and, for groups, a tenancy.Role.
type RoleMap struct {
	UserRoles  map[string]string
	GroupRoles map[string]tenancy.Role
}

// DefaultRoleMap is used when SCIM_ROLE_MAP configures nothing: every
// provisioned user is an operator, every provisioned group grants SRE.
func DefaultRoleMap() RoleMap {
	return RoleMap{
		UserRoles:  map[string]string{"": "operator"},
		GroupRoles: map[string]tenancy.Role{"": tenancy.RoleSRE},
	}
}

// Handler serves the SCIM v2 endpoints, gated by SCIM_ENABLED/
// SCIM_BEARER_TOKEN at the call site (see RequireBearer).
type Handler struct {
	Users       *users.Store
	Groups      *GroupStore
	TenantID    string
	RoleMap     RoleMap
	BearerToken string
}

// NewHandler wires a SCIM Handler against the control plane's real user
// store and a fresh in-memory GroupStore bound to binder.
func NewHandler(store *users.Store, binder *tenancy.Binder, tenantID, bearerToken string) *Handler {
	return &Handler{
		Users:       store,
		Groups:      NewGroupStore(binder, generateID),
		TenantID:    tenantID,
		RoleMap:     DefaultRoleMap(),
		BearerToken: bearerToken,
	}
}

func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s-%s-%s-%s-%s",
		hex.EncodeToString(b[0:4]), hex.EncodeToString(b[4:6]), hex.EncodeToString(b[6:8]),
		hex.EncodeToString(b[8:10]), hex.EncodeToString(b[10:16]))
}

// RequireBearer is SCIM_BEARER_TOKEN enforcement middleware: SCIM
// provisioning is a machine-to-machine IdP callback, not a session/API-key
// caller, so it authenticates with its own static bearer token instead of
// the rest of the API's JWT/session chain.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.BearerToken == "" {
			writeError(w, http.StatusServiceUnavailable, "SCIM provisioning not enabled")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != h.BearerToken {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RegisterRoutes mounts /scim/v2/Users and /scim/v2/Groups on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/scim/v2/Users", h.RequireBearer(http.HandlerFunc(h.handleUsers)))
	mux.Handle("/scim/v2/Users/", h.RequireBearer(http.HandlerFunc(h.handleUserByID)))
	mux.Handle("/scim/v2/Groups", h.RequireBearer(http.HandlerFunc(h.handleGroups)))
	mux.Handle("/scim/v2/Groups/", h.RequireBearer(http.HandlerFunc(h.handleGroupByID)))
}

// ── Users ─────────────────────────────────────────────────────────

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listUsers(w, r)
	case http.MethodPost:
		h.createUser(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleUserByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/scim/v2/Users/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "user id required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.getUser(w, id)
	case http.MethodPut:
		h.replaceUser(w, r, id)
	case http.MethodPatch:
		h.patchUser(w, r, id)
	case http.MethodDelete:
		h.deleteUser(w, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// filterEq matches SCIM's `attr eq "value"` filter grammar, the only form
// §6's boundary test (c) requires.
var filterEq = regexp.MustCompile(`^\s*(\w+)\s+eq\s+"([^"]*)"\s*$`)

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	attr, val, hasFilter := parseFilter(r.URL.Query().Get("filter"))

	all, err := h.Users.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resources := make([]User, 0, len(all))
	for i := range all {
		su := h.toSCIMUser(&all[i])
		if hasFilter && !matchesUserFilter(su, attr, val) {
			continue
		}
		resources = append(resources, su)
	}
	writeList(w, resources)
}

func matchesUserFilter(u User, attr, val string) bool {
	switch strings.ToLower(attr) {
	case "username":
		return u.UserName == val
	case "id":
		return u.ID == val
	case "active":
		return fmt.Sprintf("%t", u.Active) == val
	default:
		return false
	}
}

func parseFilter(raw string) (attr, val string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	m := filterEq.FindStringSubmatch(raw)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var in User
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.UserName == "" {
		writeError(w, http.StatusBadRequest, "userName is required")
		return
	}

	role := h.RoleMap.UserRoles[in.Role]
	if role == "" {
		role = h.RoleMap.UserRoles[""]
	}
	password := generateID() // IdP-provisioned accounts authenticate via SSO, never this password
	u, err := h.Users.Create(in.UserName, displayName(in), password, role)
	if err != nil {
		if err == users.ErrUsernameAlreadyUsed {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, h.toSCIMUser(u))
}

func (h *Handler) getUser(w http.ResponseWriter, id string) {
	u, err := h.Users.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, h.toSCIMUser(u))
}

func (h *Handler) replaceUser(w http.ResponseWriter, r *http.Request, id string) {
	var in User
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Users.UpdateProfile(id, in.UserName, displayName(in)); err != nil {
		writeStoreErr(w, err)
		return
	}
	if err := h.Users.SetEnabled(id, in.Active); err != nil {
		writeStoreErr(w, err)
		return
	}
	u, err := h.Users.Get(id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSCIMUser(u))
}

// patchUser applies RFC 7644 §3.5.2 add/remove/replace operations. Only
// the "active" and "displayName" paths are meaningful for this resource;
// any other path is accepted and ignored, matching SCIM clients' general
// expectation that unrecognized paths don't abort the whole request.
func (h *Handler) patchUser(w http.ResponseWriter, r *http.Request, id string) {
	var req PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for _, op := range req.Operations {
		switch strings.ToLower(op.Path) {
		case "active":
			if b, ok := op.Value.(bool); ok {
				if err := h.Users.SetEnabled(id, b); err != nil {
					writeStoreErr(w, err)
					return
				}
			}
		case "displayname":
			if s, ok := op.Value.(string); ok {
				u, err := h.Users.Get(id)
				if err != nil {
					writeStoreErr(w, err)
					return
				}
				if err := h.Users.UpdateProfile(id, u.Username, s); err != nil {
					writeStoreErr(w, err)
					return
				}
			}
		}
	}

	u, err := h.Users.Get(id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSCIMUser(u))
}

// deleteUser is a soft delete: disable, never remove, so audit history
// and run attribution referencing the user ID stay intact.
func (h *Handler) deleteUser(w http.ResponseWriter, id string) {
	if err := h.Users.SetEnabled(id, false); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toSCIMUser(u *users.User) User {
	now := u.CreatedAt
	return User{
		Schemas:  []string{schemaUser},
		ID:       u.ID,
		UserName: u.Username,
		Name:     Name{Formatted: u.DisplayName},
		Emails:   nil,
		Active:   u.Enabled,
		Role:     u.Role,
		Meta: Meta{
			ResourceType: "User",
			Created:      now,
			LastModified: now,
			Location:     "/scim/v2/Users/" + u.ID,
		},
	}
}

func displayName(u User) string {
	if u.Name.Formatted != "" {
		return u.Name.Formatted
	}
	return u.UserName
}

// ── Groups ────────────────────────────────────────────────────────

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listGroups(w, r)
	case http.MethodPost:
		h.createGroup(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/scim/v2/Groups/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "group id required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.getGroup(w, id)
	case http.MethodPut:
		h.replaceGroup(w, r, id)
	case http.MethodPatch:
		h.patchGroup(w, r, id)
	case http.MethodDelete:
		writeError(w, http.StatusMethodNotAllowed, "group deletion is not supported")
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	attr, val, hasFilter := parseFilter(r.URL.Query().Get("filter"))

	recs := h.Groups.List()
	resources := make([]Group, 0, len(recs))
	for _, rec := range recs {
		g := toSCIMGroup(rec)
		if hasFilter && !matchesGroupFilter(g, attr, val) {
			continue
		}
		resources = append(resources, g)
	}
	writeList(w, resources)
}

func matchesGroupFilter(g Group, attr, val string) bool {
	switch strings.ToLower(attr) {
	case "displayname":
		return g.DisplayName == val
	case "id":
		return g.ID == val
	default:
		return false
	}
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var in Group
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "displayName is required")
		return
	}

	role := h.RoleMap.GroupRoles[in.DisplayName]
	if role == "" {
		role = h.RoleMap.GroupRoles[""]
	}
	members := make([]string, 0, len(in.Members))
	for _, m := range in.Members {
		members = append(members, m.Value)
	}

	rec := h.Groups.Create(h.TenantID, in.DisplayName, role, members)
	writeJSON(w, http.StatusCreated, toSCIMGroup(rec))
}

func (h *Handler) getGroup(w http.ResponseWriter, id string) {
	rec, ok := h.Groups.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	writeJSON(w, http.StatusOK, toSCIMGroup(rec))
}

func (h *Handler) replaceGroup(w http.ResponseWriter, r *http.Request, id string) {
	var in Group
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !h.Groups.Rename(id, in.DisplayName) {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}
	rec, _ := h.Groups.Get(id)
	for _, existing := range rec.memberIDs() {
		h.Groups.RemoveMember(id, existing)
	}
	for _, m := range in.Members {
		h.Groups.AddMember(id, m.Value)
	}
	rec, _ = h.Groups.Get(id)
	writeJSON(w, http.StatusOK, toSCIMGroup(rec))
}

// patchGroup applies add/remove member operations against the
// "members" path, the only mutation an IdP's group-sync job actually
// issues in practice.
func (h *Handler) patchGroup(w http.ResponseWriter, r *http.Request, id string) {
	var req PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, ok := h.Groups.Get(id); !ok {
		writeError(w, http.StatusNotFound, "group not found")
		return
	}

	for _, op := range req.Operations {
		if !strings.HasPrefix(strings.ToLower(op.Path), "members") {
			continue
		}
		refs := patchValueRefs(op.Value)
		switch strings.ToLower(op.Op) {
		case "add":
			for _, ref := range refs {
				h.Groups.AddMember(id, ref)
			}
		case "remove":
			for _, ref := range refs {
				h.Groups.RemoveMember(id, ref)
			}
		case "replace":
			rec, _ := h.Groups.Get(id)
			for _, existing := range rec.memberIDs() {
				h.Groups.RemoveMember(id, existing)
			}
			for _, ref := range refs {
				h.Groups.AddMember(id, ref)
			}
		}
	}

	rec, _ := h.Groups.Get(id)
	writeJSON(w, http.StatusOK, toSCIMGroup(rec))
}

// patchValueRefs normalizes a PATCH op's value into a list of member IDs.
// SCIM clients send either a single {"value": "..."} object or an array
// of them; decoded through encoding/json both arrive as interface{}.
func patchValueRefs(v any) []string {
	var out []string
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["value"].(string); ok {
					out = append(out, s)
				}
			}
		}
	case map[string]any:
		if s, ok := val["value"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toSCIMGroup(rec *groupRecord) Group {
	members := make([]GroupRef, 0, len(rec.members))
	for _, id := range rec.memberIDs() {
		members = append(members, GroupRef{Value: id})
	}
	return Group{
		Schemas:     []string{schemaGroup},
		ID:          rec.id,
		DisplayName: rec.displayName,
		Members:     members,
		Meta: Meta{
			ResourceType: "Group",
			Created:      rec.created,
			LastModified: rec.modified,
			Location:     "/scim/v2/Groups/" + rec.id,
		},
	}
}

// ── response helpers ─────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeList[T any](w http.ResponseWriter, resources []T) {
	writeJSON(w, http.StatusOK, ListResponse{
		Schemas:      []string{schemaList},
		TotalResults: len(resources),
		StartIndex:   1,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, Error{Schemas: []string{schemaError}, Detail: detail, Status: fmt.Sprintf("%d", status)})
}

func writeStoreErr(w http.ResponseWriter, err error) {
	if err == users.ErrUserNotFound {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err == users.ErrUsernameAlreadyUsed {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

package scim

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/opsguard/conductor/internal/controlplane/users"
	"github.com/opsguard/conductor/internal/tenancy"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := users.NewStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewHandler(store, tenancy.NewBinder(), "tenant-a", "test-token")
}

func serve(h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer test-token")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestCreateUserThenGetByID(t *testing.T) {
	h := newTestHandler(t)

	rr := serve(h, http.MethodPost, "/scim/v2/Users", User{UserName: "alice", Name: Name{Formatted: "Alice Operator"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created User
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created user: %v", err)
	}
	if created.ID == "" || !created.Active {
		t.Fatalf("expected an active user with an ID, got %+v", created)
	}

	rr = serve(h, http.MethodGet, "/scim/v2/Users/"+created.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestListUsersFilterByUserNameMatchesExactlyOne(t *testing.T) {
	h := newTestHandler(t)
	serve(h, http.MethodPost, "/scim/v2/Users", User{UserName: "alice"})
	serve(h, http.MethodPost, "/scim/v2/Users", User{UserName: "bob"})

	rr := serve(h, http.MethodGet, "/scim/v2/Users?filter="+url.QueryEscape(`userName eq "alice"`), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var list ListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.TotalResults != 1 {
		t.Fatalf("expected exactly one matching user for filter=userName eq \"alice\", got %d", list.TotalResults)
	}
}

func TestDeleteUserIsSoftDelete(t *testing.T) {
	h := newTestHandler(t)
	rr := serve(h, http.MethodPost, "/scim/v2/Users", User{UserName: "alice"})
	var created User
	_ = json.Unmarshal(rr.Body.Bytes(), &created)

	rr = serve(h, http.MethodDelete, "/scim/v2/Users/"+created.ID, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	rr = serve(h, http.MethodGet, "/scim/v2/Users/"+created.ID, nil)
	var fetched User
	if err := json.Unmarshal(rr.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode fetched user: %v", err)
	}
	if fetched.Active {
		t.Fatal("expected soft-deleted user to remain retrievable but inactive")
	}
}

func TestPatchUserTogglesActive(t *testing.T) {
	h := newTestHandler(t)
	rr := serve(h, http.MethodPost, "/scim/v2/Users", User{UserName: "alice"})
	var created User
	_ = json.Unmarshal(rr.Body.Bytes(), &created)

	patch := PatchRequest{Operations: []PatchOperation{{Op: "replace", Path: "active", Value: false}}}
	rr = serve(h, http.MethodPatch, "/scim/v2/Users/"+created.ID, patch)
	var patched User
	if err := json.Unmarshal(rr.Body.Bytes(), &patched); err != nil {
		t.Fatalf("decode patched user: %v", err)
	}
	if patched.Active {
		t.Fatal("expected active=false to take effect")
	}
}

func TestCreateGroupWithMembersBindsTenancyRole(t *testing.T) {
	store, err := users.NewStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	binder := tenancy.NewBinder()
	h := NewHandler(store, binder, "tenant-a", "test-token")
	h.RoleMap.GroupRoles[""] = tenancy.RoleSRE

	rr := serve(h, http.MethodPost, "/scim/v2/Users", User{UserName: "alice"})
	var alice User
	_ = json.Unmarshal(rr.Body.Bytes(), &alice)

	rr = serve(h, http.MethodPost, "/scim/v2/Groups", Group{DisplayName: "sre-team", Members: []GroupRef{{Value: alice.ID}}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	subj := tenancy.Subject{Type: tenancy.SubjectUser, ID: alice.ID}
	roles := binder.RolesFor("tenant-a", "", subj)
	if len(roles) != 1 || roles[0] != tenancy.RoleSRE {
		t.Fatalf("expected alice to be bound to RoleSRE via group membership, got %v", roles)
	}
}

func TestPatchGroupAddAndRemoveMembers(t *testing.T) {
	h := newTestHandler(t)
	rr := serve(h, http.MethodPost, "/scim/v2/Users", User{UserName: "alice"})
	var alice User
	_ = json.Unmarshal(rr.Body.Bytes(), &alice)

	rr = serve(h, http.MethodPost, "/scim/v2/Groups", Group{DisplayName: "sre-team"})
	var group Group
	_ = json.Unmarshal(rr.Body.Bytes(), &group)

	addPatch := PatchRequest{Operations: []PatchOperation{{
		Op: "add", Path: "members", Value: map[string]any{"value": alice.ID},
	}}}
	rr = serve(h, http.MethodPatch, "/scim/v2/Groups/"+group.ID, addPatch)
	var afterAdd Group
	_ = json.Unmarshal(rr.Body.Bytes(), &afterAdd)
	if len(afterAdd.Members) != 1 || afterAdd.Members[0].Value != alice.ID {
		t.Fatalf("expected alice added as a member, got %+v", afterAdd.Members)
	}

	removePatch := PatchRequest{Operations: []PatchOperation{{
		Op: "remove", Path: "members", Value: map[string]any{"value": alice.ID},
	}}}
	rr = serve(h, http.MethodPatch, "/scim/v2/Groups/"+group.ID, removePatch)
	var afterRemove Group
	_ = json.Unmarshal(rr.Body.Bytes(), &afterRemove)
	if len(afterRemove.Members) != 0 {
		t.Fatalf("expected alice removed as a member, got %+v", afterRemove.Members)
	}
}

func TestRequireBearerRejectsWrongToken(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/scim/v2/Users", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong bearer token, got %d", rr.Code)
	}
}

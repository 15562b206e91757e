package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/opsguard/conductor/internal/tenancy"
)

type ctxKey int

const (
	ctxKeyTenant ctxKey = iota
	ctxKeyAPIKey
	ctxKeySubject
	ctxKeyRoles
)

// reqTenantID returns the authenticated request's tenant, or "" if none.
func reqTenantID(r *http.Request) string {
	v, _ := r.Context().Value(ctxKeyTenant).(string)
	return v
}

func reqSubject(r *http.Request) tenancy.Subject {
	v, _ := r.Context().Value(ctxKeySubject).(tenancy.Subject)
	return v
}

func reqRoles(r *http.Request) []string {
	v, _ := r.Context().Value(ctxKeyRoles).([]string)
	return v
}

func contextWithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, ctxKeyRoles, roles)
}

func withAuth(ctx context.Context, key *APIKey) context.Context {
	ctx = context.WithValue(ctx, ctxKeyTenant, key.TenantID)
	ctx = context.WithValue(ctx, ctxKeyAPIKey, key)
	ctx = context.WithValue(ctx, ctxKeySubject, tenancy.Subject{Type: tenancy.SubjectAPIKey, ID: key.ID})
	return ctx
}

// bearerToken extracts the API key from Authorization: Bearer <key> or the
// X-API-Key header, in that order.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return r.Header.Get("X-API-Key")
}

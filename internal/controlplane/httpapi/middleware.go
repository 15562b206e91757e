package httpapi

import (
	"net/http"
	"strconv"

	"github.com/opsguard/conductor/internal/conductorerr"
)

// authenticate resolves the caller's API key from Authorization/X-API-Key,
// rejecting the request with 401 if missing or invalid. On success it
// stamps the tenant, subject, and role-binding-derived roles onto the
// request context for downstream handlers and the rateLimit middleware.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeErr(w, conductorerr.AuthnMissing("missing Authorization or X-API-Key header"))
			return
		}
		key, err := s.tenants.Validate(token)
		if err != nil {
			writeErr(w, err)
			return
		}
		ctx := withAuth(r.Context(), key)
		subj := reqSubject(r.WithContext(ctx))
		roles := s.binder.RolesFor(key.TenantID, r.Header.Get("X-Project"), subj)
		rolenames := make([]string, len(roles))
		for i, role := range roles {
			rolenames[i] = string(role)
		}
		ctx = contextWithRoles(ctx, rolenames)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit enforces the per-subject token bucket, returning 429 with
// Retry-After when exhausted.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subj := reqSubject(r).String()
		if subj == "" {
			subj = r.RemoteAddr
		}
		if !s.limiter.Allow(subj) {
			w.Header().Set("Retry-After", "1")
			writeErr(w, conductorerr.RateLimited("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

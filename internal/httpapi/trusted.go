package httpapi

import (
	"net/http"
	"strings"

	"edgeward.io/internal/auth"
	"edgeward.io/internal/identity"
)

// TrustedIdentity lifts the edge-injected identity headers into the request
// context. Services behind the edge must only be reachable through it.
func TrustedIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimSpace(r.Header.Get(auth.HeaderUserEmail))
		if email == "" {
			next.ServeHTTP(w, r)
			return
		}
		roles := identity.ParseRoleHeader(r.Header.Get(auth.HeaderUserRoles))
		ctx := auth.ContextWithCaller(r.Context(), email, roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers holding none of roles.
func RequireRole(roles ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := auth.CallerFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="edgeward"`)
				writeError(w, r, http.StatusUnauthorized, "Authentication is required.")
				return
			}
			if !identity.Intersects(caller.Roles, roles) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "Insufficient role.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

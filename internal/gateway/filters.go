package gateway

import (
	"net/http"
	"strings"

	"edgeward.io/internal/auth"
	"edgeward.io/internal/httpapi"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
)

const trustedHeaderPrefix = "X-User-"

// TokenVerifier checks an access token and returns its claims.
type TokenVerifier interface {
	VerifyAccess(token string) (*auth.Claims, error)
}

// StripTrustedHeaders removes every X-User-* header. Upstreams trust these
// unconditionally, so only the edge may set them.
func StripTrustedHeaders(h http.Header) {
	for k := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(k), trustedHeaderPrefix) {
			delete(h, k)
		}
	}
}

// AuthFilter requires a valid bearer access token and forwards the caller
// identity as X-User-Email and X-User-Roles.
type AuthFilter struct {
	verifier TokenVerifier
	public   []string
}

// NewAuthFilter builds the filter. Requests matching a publicPaths pattern
// pass through untouched.
func NewAuthFilter(v TokenVerifier, publicPaths ...string) *AuthFilter {
	return &AuthFilter{verifier: v, public: publicPaths}
}

func (f *AuthFilter) isPublic(path string) bool {
	for _, p := range f.public {
		if matchPattern(p, path) {
			return true
		}
	}
	return false
}

// Middleware wraps next with the filter.
func (f *AuthFilter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		StripTrustedHeaders(r.Header)
		if f.isPublic(r.URL.Path) {
			obs.ObserveEdgeDecision("auth", "public")
			next.ServeHTTP(w, r)
			return
		}
		log := obs.Component("gateway")
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			obs.ObserveEdgeDecision("auth", "missing_token")
			log.Debug().
				Str("request_id", httpapi.RequestIDFromContext(r.Context())).
				Str("path", r.URL.Path).
				Msg("missing or invalid authorization header")
			unauthenticated(w)
			return
		}
		claims, err := f.verifier.VerifyAccess(token)
		if err != nil {
			outcome := auth.Outcome(err)
			obs.ObserveEdgeDecision("auth", outcome)
			log.Warn().
				Str("request_id", httpapi.RequestIDFromContext(r.Context())).
				Str("path", r.URL.Path).
				Str("reason", outcome).
				Msg("invalid or expired token")
			unauthenticated(w)
			return
		}

		out := r.Clone(r.Context())
		out.Header.Set(auth.HeaderUserEmail, claims.Email())
		out.Header.Set(auth.HeaderUserRoles, identity.JoinRoles(claims.RoleSet()))
		out = out.WithContext(auth.ContextWithCaller(out.Context(), claims.Email(), claims.RoleSet()))
		obs.ObserveEdgeDecision("auth", "allowed")
		next.ServeHTTP(w, out)
	})
}

// RoleFilter admits requests whose X-User-Roles header shares at least one
// role with required. It must run after AuthFilter; a missing header is
// treated as a fault and rejected. An empty required set rejects everything.
func RoleFilter(required []string) httpapi.Middleware {
	required = identity.NormalizeRoles(required)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := obs.Component("gateway")
			header := strings.TrimSpace(r.Header.Get(auth.HeaderUserRoles))
			if header == "" {
				obs.ObserveEdgeDecision("role", "missing_identity")
				log.Error().
					Str("request_id", httpapi.RequestIDFromContext(r.Context())).
					Str("path", r.URL.Path).
					Msg("identity context missing")
				forbidden(w)
				return
			}
			if !identity.Intersects(identity.ParseRoleHeader(header), required) {
				obs.ObserveEdgeDecision("role", "insufficient_role")
				log.Info().
					Str("request_id", httpapi.RequestIDFromContext(r.Context())).
					Str("path", r.URL.Path).
					Str("roles", header).
					Strs("required", required).
					Msg("insufficient role")
				forbidden(w)
				return
			}
			obs.ObserveEdgeDecision("role", "allowed")
			next.ServeHTTP(w, r)
		})
	}
}

func unauthenticated(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="edgeward"`)
	w.WriteHeader(http.StatusUnauthorized)
}

func forbidden(w http.ResponseWriter) {
	w.WriteHeader(http.StatusForbidden)
}

package auth

import (
	"context"

	"edgeward.io/internal/identity"
)

// Trust-boundary headers injected by the edge. Downstream services accept
// them only from the edge.
const (
	HeaderUserEmail = "X-User-Email"
	HeaderUserRoles = "X-User-Roles"
)

type callerContextKey struct{}

// Caller is the identity asserted by the edge for the current request.
type Caller struct {
	Email string
	Roles []string
}

// ContextWithCaller attaches the trusted caller to the context.
func ContextWithCaller(ctx context.Context, email string, roles []string) context.Context {
	return context.WithValue(ctx, callerContextKey{}, &Caller{
		Email: identity.NormalizeEmail(email),
		Roles: identity.NormalizeRoles(roles),
	})
}

// CallerFromContext extracts the trusted caller from the context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	v, ok := ctx.Value(callerContextKey{}).(*Caller)
	if !ok || v == nil || v.Email == "" {
		return Caller{}, false
	}
	return *v, true
}

// EmailFromContext returns the caller email or "".
func EmailFromContext(ctx context.Context) string {
	c, _ := CallerFromContext(ctx)
	return c.Email
}

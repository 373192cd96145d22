package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"edgeward.io/internal/identity"
)

// Access is the protection level of a route.
type Access string

const (
	AccessPublic Access = "public"
	AccessToken  Access = "token"
	AccessRole   Access = "role"
)

const wildcardSuffix = "/**"

var (
	ErrInvalidRoute   = errors.New("gateway: invalid route")
	ErrDuplicateRoute = errors.New("gateway: duplicate route")
)

// Route maps a path pattern to an upstream and its access policy. A pattern
// ending in "/**" matches its prefix and everything below it; any other
// pattern matches exactly.
type Route struct {
	Pattern  string   `json:"pattern"`
	Access   Access   `json:"access"`
	Roles    []string `json:"roles,omitempty"`
	Upstream string   `json:"upstream"`
}

func (r Route) prefix() (string, bool) {
	if r.Pattern == wildcardSuffix {
		return "", true
	}
	if p, ok := strings.CutSuffix(r.Pattern, wildcardSuffix); ok {
		return p, true
	}
	return r.Pattern, false
}

// Matches reports whether path falls under the route pattern.
func (r Route) Matches(path string) bool {
	return matchPattern(r.Pattern, path)
}

func matchPattern(pattern, path string) bool {
	if pattern == wildcardSuffix {
		return true
	}
	if p, ok := strings.CutSuffix(pattern, wildcardSuffix); ok {
		return path == p || strings.HasPrefix(path, p+"/")
	}
	return path == pattern
}

func (r Route) validate() error {
	if !strings.HasPrefix(r.Pattern, "/") {
		return fmt.Errorf("%w: pattern %q must start with /", ErrInvalidRoute, r.Pattern)
	}
	if strings.Contains(strings.TrimSuffix(r.Pattern, wildcardSuffix), "*") {
		return fmt.Errorf("%w: pattern %q may only end in /**", ErrInvalidRoute, r.Pattern)
	}
	if r.Upstream == "" {
		return fmt.Errorf("%w: pattern %q has no upstream", ErrInvalidRoute, r.Pattern)
	}
	switch r.Access {
	case AccessPublic, AccessToken:
		if len(r.Roles) > 0 {
			return fmt.Errorf("%w: %s route %q cannot require roles", ErrInvalidRoute, r.Access, r.Pattern)
		}
	case AccessRole:
		if len(identity.NormalizeRoles(r.Roles)) == 0 {
			return fmt.Errorf("%w: role route %q needs at least one role", ErrInvalidRoute, r.Pattern)
		}
	default:
		return fmt.Errorf("%w: pattern %q has unknown access %q", ErrInvalidRoute, r.Pattern, r.Access)
	}
	return nil
}

// Table holds routes ordered longest prefix first, so a narrower path
// always wins over a broader one regardless of declaration order.
type Table struct {
	routes []Route
}

// NewTable validates routes and orders them for matching.
func NewTable(routes []Route) (*Table, error) {
	seen := make(map[string]struct{}, len(routes))
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Pattern]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRoute, r.Pattern)
		}
		seen[r.Pattern] = struct{}{}
		if r.Access == AccessRole {
			r.Roles = identity.NormalizeRoles(r.Roles)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, wi := out[i].prefix()
		pj, wj := out[j].prefix()
		if len(pi) != len(pj) {
			return len(pi) > len(pj)
		}
		return !wi && wj
	})
	return &Table{routes: out}, nil
}

// Routes returns the routes in match order.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Match returns the first route covering path.
func (t *Table) Match(path string) (Route, bool) {
	if i := t.index(path); i >= 0 {
		return t.routes[i], true
	}
	return Route{}, false
}

func (t *Table) index(path string) int {
	for i, r := range t.routes {
		if r.Matches(path) {
			return i
		}
	}
	return -1
}

// LoadRoutes decodes a JSON array of routes.
func LoadRoutes(r io.Reader) ([]Route, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var routes []Route
	if err := dec.Decode(&routes); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	return routes, nil
}

func LoadRoutesFile(path string) ([]Route, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadRoutes(f)
}

// Upstream names used by DefaultRoutes.
const (
	UpstreamAuthority = "authority"
	UpstreamDirectory = "directory"
)

// DefaultRoutes is the stock edge configuration for the authority and
// directory services.
func DefaultRoutes() []Route {
	anyUser := []string{identity.RoleUser, identity.RoleManager, identity.RoleAdmin}
	return []Route{
		{Pattern: "/auth/login", Access: AccessPublic, Upstream: UpstreamAuthority},
		{Pattern: "/auth/register", Access: AccessPublic, Upstream: UpstreamAuthority},
		{Pattern: "/auth/refresh", Access: AccessPublic, Upstream: UpstreamAuthority},
		{Pattern: "/auth/validate", Access: AccessToken, Upstream: UpstreamAuthority},
		{Pattern: "/auth/user", Access: AccessToken, Upstream: UpstreamAuthority},
		{Pattern: "/auth/admin/**", Access: AccessRole, Roles: []string{identity.RoleAdmin}, Upstream: UpstreamAuthority},
		{Pattern: "/api/users/**", Access: AccessRole, Roles: anyUser, Upstream: UpstreamDirectory},
		{Pattern: "/api/users/admin/**", Access: AccessRole, Roles: []string{identity.RoleAdmin}, Upstream: UpstreamDirectory},
	}
}

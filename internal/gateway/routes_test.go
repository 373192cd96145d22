package gateway

import (
	"errors"
	"strings"
	"testing"
)

func TestTableLongestPrefixFirst(t *testing.T) {
	table, err := NewTable(DefaultRoutes())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	cases := []struct {
		path    string
		pattern string
	}{
		{"/api/users/admin/all", "/api/users/admin/**"},
		{"/api/users/admin", "/api/users/admin/**"},
		{"/api/users/1", "/api/users/**"},
		{"/api/users", "/api/users/**"},
		{"/auth/admin/users/3", "/auth/admin/**"},
		{"/auth/login", "/auth/login"},
		{"/auth/user", "/auth/user"},
	}
	for _, tc := range cases {
		r, ok := table.Match(tc.path)
		if !ok {
			t.Fatalf("%s: no match", tc.path)
		}
		if r.Pattern != tc.pattern {
			t.Fatalf("%s: matched %s, want %s", tc.path, r.Pattern, tc.pattern)
		}
	}

	for _, miss := range []string{"/", "/auth", "/auth/login/extra", "/api/usersx", "/api"} {
		if r, ok := table.Match(miss); ok {
			t.Fatalf("%s: unexpected match %s", miss, r.Pattern)
		}
	}
}

func TestTableOrderIndependentOfDeclaration(t *testing.T) {
	routes := DefaultRoutes()
	reversed := make([]Route, len(routes))
	for i, r := range routes {
		reversed[len(routes)-1-i] = r
	}
	for _, set := range [][]Route{routes, reversed} {
		table, err := NewTable(set)
		if err != nil {
			t.Fatalf("NewTable: %v", err)
		}
		if r, _ := table.Match("/api/users/admin/all"); r.Pattern != "/api/users/admin/**" {
			t.Fatalf("broad route shadowed narrow one: %s", r.Pattern)
		}
		if r, _ := table.Match("/api/users/42"); r.Pattern != "/api/users/**" {
			t.Fatalf("unexpected match: %s", r.Pattern)
		}
	}
}

func TestTableExactBeatsWildcardOfSamePrefix(t *testing.T) {
	table, err := NewTable([]Route{
		{Pattern: "/docs/**", Access: AccessToken, Upstream: "a"},
		{Pattern: "/docs", Access: AccessPublic, Upstream: "a"},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if r, _ := table.Match("/docs"); r.Access != AccessPublic {
		t.Fatalf("expected exact route, got %s", r.Pattern)
	}
	if r, _ := table.Match("/docs/x"); r.Access != AccessToken {
		t.Fatalf("expected wildcard route, got %s", r.Pattern)
	}
}

func TestTableRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		routes []Route
		want   error
	}{
		{"duplicate", []Route{
			{Pattern: "/a", Access: AccessPublic, Upstream: "u"},
			{Pattern: "/a", Access: AccessToken, Upstream: "u"},
		}, ErrDuplicateRoute},
		{"role without roles", []Route{{Pattern: "/a", Access: AccessRole, Upstream: "u"}}, ErrInvalidRoute},
		{"role with blank roles", []Route{{Pattern: "/a", Access: AccessRole, Roles: []string{" "}, Upstream: "u"}}, ErrInvalidRoute},
		{"roles on token route", []Route{{Pattern: "/a", Access: AccessToken, Roles: []string{"USER"}, Upstream: "u"}}, ErrInvalidRoute},
		{"unknown access", []Route{{Pattern: "/a", Access: "open", Upstream: "u"}}, ErrInvalidRoute},
		{"relative pattern", []Route{{Pattern: "a", Access: AccessPublic, Upstream: "u"}}, ErrInvalidRoute},
		{"inner wildcard", []Route{{Pattern: "/a/*/b", Access: AccessPublic, Upstream: "u"}}, ErrInvalidRoute},
		{"no upstream", []Route{{Pattern: "/a", Access: AccessPublic}}, ErrInvalidRoute},
	}
	for _, tc := range cases {
		if _, err := NewTable(tc.routes); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestLoadRoutes(t *testing.T) {
	routes, err := LoadRoutes(strings.NewReader(`[
		{"pattern": "/auth/login", "access": "public", "upstream": "authority"},
		{"pattern": "/api/**", "access": "role", "roles": ["user"], "upstream": "directory"}
	]`))
	if err != nil {
		t.Fatalf("LoadRoutes: %v", err)
	}
	table, err := NewTable(routes)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	r, ok := table.Match("/api/things")
	if !ok || len(r.Roles) != 1 || r.Roles[0] != "USER" {
		t.Fatalf("unexpected route: %+v", r)
	}

	if _, err := LoadRoutes(strings.NewReader(`[{"pattern": "/a", "secret": true}]`)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

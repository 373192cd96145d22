package identity

import (
	"sort"
	"strings"
	"time"
)

const (
	RoleUser    = "USER"
	RoleManager = "MANAGER"
	RoleAdmin   = "ADMIN"
)

// KnownRole reports whether role is one of the defined role names.
func KnownRole(role string) bool {
	switch strings.ToUpper(strings.TrimSpace(role)) {
	case RoleUser, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Identity is the canonical user record. ID is assigned once by the authority
// at creation and copied verbatim into every replica.
type Identity struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Roles     []string  `json:"roles"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Clone returns a copy that shares no slices with i.
func (i Identity) Clone() Identity {
	out := i
	if i.Roles != nil {
		out.Roles = append([]string(nil), i.Roles...)
	}
	return out
}

// NormalizeEmail trims and lower-cases an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeRoles returns the role set as a sorted, upper-cased, de-duplicated
// slice. Empty names are dropped. A nil or empty input yields an empty,
// non-nil slice so that the set always serializes as [].
func NormalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToUpper(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// ParseRoleHeader splits a comma-joined role list as carried in a trusted header.
func ParseRoleHeader(value string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{}
	}
	return NormalizeRoles(strings.Split(value, ","))
}

// JoinRoles renders a role set for a trusted header.
func JoinRoles(roles []string) string {
	return strings.Join(NormalizeRoles(roles), ",")
}

// Intersects reports whether the two role sets share at least one role.
func Intersects(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, r := range NormalizeRoles(have) {
		set[r] = struct{}{}
	}
	for _, r := range NormalizeRoles(want) {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

// Package rbac implements role-based access control for the gateway. Roles
// and permissions are closed enums with a static role→permission table; a
// principal's effective permissions are the union of role-derived and
// directly granted permissions.
package rbac

import (
	"fmt"
	"slices"
)

// Role is a closed enum of user roles.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
	RoleGuest     Role = "guest"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleUser, RoleGuest:
		return true
	}
	return false
}

// Permission is a closed enum of gateway permissions.
type Permission string

const (
	PermCreateUser       Permission = "create:user"
	PermReadUser         Permission = "read:user"
	PermUpdateUser       Permission = "update:user"
	PermDeleteUser       Permission = "delete:user"
	PermConfigureRoutes  Permission = "configure:routes"
	PermViewMetrics      Permission = "view:metrics"
	PermManageRateLimits Permission = "manage:rate_limits"
	PermViewLogs         Permission = "view:logs"
	PermManageSystem     Permission = "manage:system"
	PermAccessAdmin      Permission = "access:admin"
)

// rolePermissions is the static role→permission table. Admin holds every
// permission; guest holds none.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermCreateUser, PermReadUser, PermUpdateUser, PermDeleteUser,
		PermConfigureRoutes, PermViewMetrics, PermManageRateLimits,
		PermViewLogs, PermManageSystem, PermAccessAdmin,
	},
	RoleModerator: {
		PermReadUser, PermUpdateUser,
		PermViewMetrics, PermViewLogs,
	},
	RoleUser: {
		PermReadUser, PermUpdateUser,
	},
	RoleGuest: {},
}

// PermissionsForRole returns the permission set granted by a single role.
// Unknown roles grant nothing.
func PermissionsForRole(r Role) []Permission {
	perms := rolePermissions[r]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// Principal is the authenticated identity carried on every request.
type Principal struct {
	ID          string       `json:"id"`
	Username    string       `json:"username"`
	Email       string       `json:"email"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"` // directly granted, beyond role-derived
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(r Role) bool {
	return slices.Contains(p.Roles, r)
}

// EffectivePermissions returns the deduplicated union of role-derived and
// directly granted permissions.
func EffectivePermissions(p *Principal) []Permission {
	seen := make(map[Permission]struct{})
	var out []Permission

	add := func(perm Permission) {
		if _, dup := seen[perm]; dup {
			return
		}
		seen[perm] = struct{}{}
		out = append(out, perm)
	}

	for _, role := range p.Roles {
		for _, perm := range rolePermissions[role] {
			add(perm)
		}
	}
	for _, perm := range p.Permissions {
		add(perm)
	}

	return out
}

// Logic governs how a required permission set is combined.
type Logic string

const (
	LogicAny Logic = "any"
	LogicAll Logic = "all"
)

// ForbiddenError reports which predicate failed, for logging and feedback.
type ForbiddenError struct {
	Predicate string // "role" or "permission"
	Missing   string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("Access denied: missing required %s %s", e.Predicate, e.Missing)
}

// Authorize checks the principal against required roles and permissions.
// Roles use ANY semantics; permissions combine per logic (default ANY).
// When both sets are given, both predicates must pass. Returns nil when
// authorized, or a *ForbiddenError naming the failed predicate.
func Authorize(p *Principal, roles []Role, perms []Permission, logic Logic) error {
	if logic == "" {
		logic = LogicAny
	}

	if len(roles) > 0 {
		ok := false
		for _, r := range roles {
			if p.HasRole(r) {
				ok = true
				break
			}
		}
		if !ok {
			return &ForbiddenError{Predicate: "role", Missing: joinRoles(roles)}
		}
	}

	if len(perms) > 0 {
		effective := make(map[Permission]struct{})
		for _, perm := range EffectivePermissions(p) {
			effective[perm] = struct{}{}
		}

		matched := 0
		for _, perm := range perms {
			if _, ok := effective[perm]; ok {
				matched++
			}
		}

		switch logic {
		case LogicAll:
			if matched != len(perms) {
				return &ForbiddenError{Predicate: "permission", Missing: joinPerms(perms)}
			}
		default:
			if matched == 0 {
				return &ForbiddenError{Predicate: "permission", Missing: joinPerms(perms)}
			}
		}
	}

	return nil
}

func joinRoles(roles []Role) string {
	s := ""
	for i, r := range roles {
		if i > 0 {
			s += ", "
		}
		s += string(r)
	}
	return s
}

func joinPerms(perms []Permission) string {
	s := ""
	for i, p := range perms {
		if i > 0 {
			s += ", "
		}
		s += string(p)
	}
	return s
}

package modules

import "strings"

// TenantRole is the four tier role hierarchy the permission policy is
// computed against.
type TenantRole string

const (
	RoleMember  TenantRole = "member"
	RoleManager TenantRole = "manager"
	RoleAdmin   TenantRole = "admin"
	RoleOwner   TenantRole = "owner"
)

// IsValid checks if the role is one of the predefined valid roles
func (r TenantRole) IsValid() bool {
	switch r {
	case RoleMember, RoleManager, RoleAdmin, RoleOwner:
		return true
	default:
		return false
	}
}

// IsAtLeast checks if this role meets the minimum required level
func (r TenantRole) IsAtLeast(minRole TenantRole) bool {
	roleHierarchy := map[TenantRole]int{
		RoleMember:  0,
		RoleManager: 1,
		RoleAdmin:   2,
		RoleOwner:   3,
	}

	currentLevel, exists := roleHierarchy[r]
	if !exists {
		return false
	}

	minLevel, exists := roleHierarchy[minRole]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// Grants reports whether the tier receives a module permission.
//
//	owner, admin: everything
//	manager:      everything except *.delete and *.manage
//	member:       *.view only
func (r TenantRole) Grants(permission string) bool {
	switch r {
	case RoleOwner, RoleAdmin:
		return true
	case RoleManager:
		return !strings.HasSuffix(permission, ".delete") && !strings.HasSuffix(permission, ".manage")
	case RoleMember:
		return strings.HasSuffix(permission, ".view")
	default:
		return false
	}
}

// ModuleRole returns the coarse module scoped role assigned to this tier.
func (r TenantRole) ModuleRole(module string) string {
	if r.IsAtLeast(RoleAdmin) {
		return module + "-manager"
	}
	return module + "-user"
}

// GetAllRoles returns all predefined roles in hierarchical order
func GetAllRoles() []TenantRole {
	return []TenantRole{
		RoleMember,
		RoleManager,
		RoleAdmin,
		RoleOwner,
	}
}

// ParseRole parses a role name, ignoring case and surrounding space.
func ParseRole(roleStr string) (TenantRole, bool) {
	role := TenantRole(strings.ToLower(strings.TrimSpace(roleStr)))
	return role, role.IsValid()
}

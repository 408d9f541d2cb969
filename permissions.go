package modules

import (
	"context"
	"sort"

	"github.com/uptrace/bun"
)

// ReconcileRequest describes one permission sync pass.
type ReconcileRequest struct {
	Tenant Tenant
	Module string
	Users  []User
	// Seed lists the permissions to create when the store has none for the
	// module yet.
	Seed []string
}

// PermissionSynchronizer grants module permissions to tenant users per the
// four tier role policy. It is additive: nothing is ever revoked.
type PermissionSynchronizer struct {
	store  PermissionStore
	logger Logger
}

// NewPermissionSynchronizer returns a synchronizer over the given store.
func NewPermissionSynchronizer(store PermissionStore, logger Logger) *PermissionSynchronizer {
	return &PermissionSynchronizer{
		store:  store,
		logger: normalizeLogger(logger),
	}
}

// Reconcile grants every user the module permissions their roles entitle them
// to and assigns the coarse module role. Store failures are reported as
// PERMISSION_SYNC_FAILED.
func (s *PermissionSynchronizer) Reconcile(ctx context.Context, db bun.IDB, req ReconcileRequest) error {
	if req.Module == "" || req.Tenant.ID == "" {
		return NewValidationError("permission sync requires tenant and module")
	}

	prefix := PermissionPrefix(req.Module)
	permissions, err := s.store.PermissionsByPrefix(ctx, db, req.Tenant.ID, prefix)
	if err != nil {
		return NewPermissionSyncError(err, req.Module)
	}

	if len(permissions) == 0 && len(req.Seed) > 0 {
		if err := s.store.CreatePermissions(ctx, db, req.Tenant.ID, req.Seed...); err != nil {
			return NewPermissionSyncError(err, req.Module)
		}
		if permissions, err = s.store.PermissionsByPrefix(ctx, db, req.Tenant.ID, prefix); err != nil {
			return NewPermissionSyncError(err, req.Module)
		}
	}

	if len(permissions) == 0 {
		s.logger.Info("module %s declares no permissions, nothing to grant for tenant %s", req.Module, describeTenant(req.Tenant))
		return nil
	}
	sort.Strings(permissions)

	for _, user := range req.Users {
		roles, err := s.store.UserRoles(ctx, db, req.Tenant.ID, user.ID)
		if err != nil {
			return NewPermissionSyncError(err, req.Module)
		}

		tiers := tenantRoles(roles)
		if len(tiers) == 0 {
			// every tenant user is at least a member
			tiers = []TenantRole{RoleMember}
		}
		if grants := GrantedPermissions(permissions, tiers...); len(grants) > 0 {
			if err := s.store.GrantPermissions(ctx, db, req.Tenant.ID, user.ID, grants...); err != nil {
				return NewPermissionSyncError(err, req.Module)
			}
		}

		if err := s.store.AssignRole(ctx, db, req.Tenant.ID, user.ID, highestRole(tiers).ModuleRole(req.Module)); err != nil {
			return NewPermissionSyncError(err, req.Module)
		}
	}

	s.logger.Debug("synced %d permissions of module %s for %d users", len(permissions), req.Module, len(req.Users))
	return nil
}

// GrantedPermissions returns the subset of permissions any of the roles grants.
func GrantedPermissions(permissions []string, roles ...TenantRole) []string {
	out := []string{}
	for _, p := range permissions {
		for _, r := range roles {
			if r.Grants(p) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func tenantRoles(names []string) []TenantRole {
	out := make([]TenantRole, 0, len(names))
	for _, n := range names {
		if role, ok := ParseRole(n); ok {
			out = append(out, role)
		}
	}
	return out
}

// highestRole returns the top tier held, RoleMember when none is held.
func highestRole(roles []TenantRole) TenantRole {
	top := RoleMember
	for _, r := range roles {
		if r.IsAtLeast(top) {
			top = r
		}
	}
	return top
}

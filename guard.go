package modules

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

const TextCodeModuleAccessDenied = "MODULE_ACCESS_DENIED"

// AccessPermission is the permission a user needs to open a module.
func AccessPermission(module string) string {
	return PermissionPrefix(module) + "access"
}

type enabledChecker interface {
	IsEnabled(ctx context.Context, tenant Tenant, name string) (bool, error)
}

// AccessGuard gates module entrypoints: the module must be enabled for the
// tenant and the user must hold <module>.access.
type AccessGuard struct {
	modules enabledChecker
	checker PermissionChecker
}

// NewAccessGuard returns a guard over the manager and a permission checker.
func NewAccessGuard(modules enabledChecker, checker PermissionChecker) *AccessGuard {
	return &AccessGuard{modules: modules, checker: checker}
}

// CanAccess reports whether the user may use the module.
func (g *AccessGuard) CanAccess(ctx context.Context, tenant Tenant, user User, module string) (bool, error) {
	enabled, err := g.modules.IsEnabled(ctx, tenant, module)
	if err != nil || !enabled {
		return false, err
	}
	if g.checker == nil || user.ID == "" {
		return false, nil
	}
	return g.checker.HasPermission(ctx, tenant.ID, user.ID, AccessPermission(module))
}

// Require is CanAccess as an error: NotFound when the module is not enabled,
// authorization error when the user lacks access.
func (g *AccessGuard) Require(ctx context.Context, tenant Tenant, user User, module string) error {
	enabled, err := g.modules.IsEnabled(ctx, tenant, module)
	if err != nil {
		return err
	}
	if !enabled {
		return NewModuleNotFoundError(module)
	}

	ok, err := g.CanAccess(ctx, tenant, user, module)
	if err != nil {
		return err
	}
	if !ok {
		return goerrors.New("access to module "+module+" denied", goerrors.CategoryAuthz).
			WithTextCode(TextCodeModuleAccessDenied).
			WithCode(goerrors.CodeForbidden).
			WithMetadata(map[string]any{"module": module, "user_id": user.ID})
	}
	return nil
}

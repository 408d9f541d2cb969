package repository

import (
	"context"

	"github.com/uptrace/bun"
)

// CreateSchema creates the tenant directory and permission tables if they do
// not exist yet.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().
		Model((*TenantModel)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	if _, err := db.NewCreateTable().
		Model((*TenantUserModel)(nil)).
		IfNotExists().
		ForeignKey(`("tenant_id") REFERENCES "tenants" ("id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return err
	}

	for _, model := range []any{
		(*PermissionModel)(nil),
		(*UserPermissionModel)(nil),
		(*UserRoleModel)(nil),
	} {
		if _, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

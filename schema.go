package modules

import (
	"context"

	"github.com/uptrace/bun"
)

// CreateSchema creates the catalog, activation, audit and provisioning tables
// if they do not exist yet.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().
		Model((*Module)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	if _, err := db.NewCreateTable().
		Model((*Activation)(nil)).
		IfNotExists().
		ForeignKey(`("module_id") REFERENCES "modules" ("id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return err
	}

	if _, err := db.NewCreateTable().
		Model((*LogEntry)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	if _, err := db.NewCreateTable().
		Model((*ProvisionRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	if _, err := db.NewCreateIndex().
		Model((*LogEntry)(nil)).
		Index("idx_module_logs_tenant_module").
		IfNotExists().
		Column("tenant_id", "module_name", "occurred_at").
		Exec(ctx); err != nil {
		return err
	}

	_, err := db.NewCreateIndex().
		Model((*Activation)(nil)).
		Index("idx_tenant_modules_tenant_active").
		IfNotExists().
		Column("tenant_id", "is_active").
		Exec(ctx)
	return err
}

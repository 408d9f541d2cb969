package modules_test

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	modules "github.com/goliatone/go-tenant-modules"
	"github.com/goliatone/go-tenant-modules/repository"

	_ "github.com/mattn/go-sqlite3"
)

const billingDescriptor = `
name: billing
description: Invoices and payments
version: 2.0.0
enabled: true
navigation:
  - label: billing.menu
    route: /billing
    icon: receipt
    children:
      - label: billing.invoices
        route: /billing/invoices
        permission: billing.view
  - label: billing.settings
    route: /billing/settings
    permission: billing.manage
permissions:
  - billing.view
  - billing.edit
  - billing.manage
translations:
  en:
    billing.menu: Billing
    billing.invoices: Invoices
  es:
    billing.menu: Facturación
`

const inventoryDescriptor = `
name: inventory
enabled: true
navigation:
  - label: inventory.menu
    route: /inventory
  - label: inventory.stock
    route: /inventory/stock
permissions:
  - inventory.view
  - inventory.edit
  - inventory.delete
`

const coreDescriptor = `
name: core
is_core: true
enabled: true
`

const retiredDescriptor = `
name: retired
enabled: false
navigation:
  - label: retired.menu
    route: /retired
`

const brokenDescriptor = `
name: broken
enabled: true
`

func moduleFS() fstest.MapFS {
	return fstest.MapFS{
		"billing/module.yaml":   {Data: []byte(billingDescriptor)},
		"inventory/module.yaml": {Data: []byte(inventoryDescriptor)},
		"inventory/migrations/001_items.sql": {Data: []byte(
			`CREATE TABLE IF NOT EXISTS inventory_items (id INTEGER PRIMARY KEY AUTOINCREMENT, tenant_id TEXT NOT NULL, sku TEXT NOT NULL)`,
		)},
		"core/module.yaml":              {Data: []byte(coreDescriptor)},
		"retired/module.yaml":           {Data: []byte(retiredDescriptor)},
		"broken/module.yaml":            {Data: []byte(brokenDescriptor)},
		"broken/migrations/001_bad.sql": {Data: []byte(`CREATE TABLE broken_items (`)},
		"notes/README.md":               {Data: []byte("not a module")},
		"garbled/module.yaml":           {Data: []byte("name: [unterminated")},
	}
}

type testEnv struct {
	db          *bun.DB
	repos       modules.RepositoryManager
	registry    *modules.Registry
	tenants     *repository.TenantRepository
	permissions *repository.PermissionRepository
	publisher   *capturingPublisher
	clock       *testClock
}

func setupDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	bunDB := bun.NewDB(db, sqlitedialect.New())

	_, err = bunDB.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, modules.CreateSchema(ctx, bunDB))
	require.NoError(t, repository.CreateSchema(ctx, bunDB))

	t.Cleanup(func() {
		_ = bunDB.Close()
	})
	return bunDB
}

func setupEnv(t *testing.T, regOpts ...modules.RegistryOption) *testEnv {
	t.Helper()

	db := setupDB(t)
	regOpts = append([]modules.RegistryOption{
		modules.WithRegistryFS(moduleFS()),
		modules.WithRegistryLogger(modules.NopLogger()),
	}, regOpts...)

	return &testEnv{
		db:          db,
		repos:       modules.NewRepositoryManager(db),
		registry:    modules.NewRegistry("", regOpts...),
		tenants:     repository.NewTenantRepository(db),
		permissions: repository.NewPermissionRepository(db),
		publisher:   &capturingPublisher{},
		clock:       newTestClock(),
	}
}

func (e *testEnv) manager(opts ...modules.ManagerOption) *modules.ModuleManager {
	opts = append([]modules.ManagerOption{
		modules.WithManagerClock(e.clock.Now),
		modules.WithManagerLogger(modules.NopLogger()),
		modules.WithEventPublisher(e.publisher),
		modules.WithTenantDirectory(e.tenants),
		modules.WithPermissionStore(e.permissions),
	}, opts...)
	return modules.NewModuleManager(e.repos, e.registry, opts...)
}

func (e *testEnv) tenant(t *testing.T, id, domain string) modules.Tenant {
	t.Helper()
	tenant, err := e.tenants.Upsert(context.Background(), modules.Tenant{ID: id, Domain: domain, Name: id})
	require.NoError(t, err)
	return tenant
}

func (e *testEnv) audit(t *testing.T, tenantID, module string) []*modules.LogEntry {
	t.Helper()
	entries, err := e.repos.AuditLog().Query(context.Background(), e.db, modules.AuditQuery{
		TenantID:   tenantID,
		ModuleName: module,
	})
	require.NoError(t, err)
	return entries
}

func (e *testEnv) activation(t *testing.T, tenantID, module string) *modules.Activation {
	t.Helper()
	ctx := context.Background()
	record, err := e.repos.Modules().FindByName(ctx, e.db, module)
	require.NoError(t, err)
	activation, err := e.repos.Activations().Find(ctx, e.db, tenantID, record.ID)
	require.NoError(t, err)
	return activation
}

package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	modules "github.com/goliatone/go-tenant-modules"

	_ "github.com/mattn/go-sqlite3"
)

func setupRepositories(t *testing.T) (*TenantRepository, *PermissionRepository, *bun.DB, func()) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	bunDB := bun.NewDB(db, sqlitedialect.New())

	_, err = bunDB.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)

	require.NoError(t, CreateSchema(context.Background(), bunDB))

	cleanup := func() {
		_ = bunDB.Close()
		_ = db.Close()
	}

	return NewTenantRepository(bunDB), NewPermissionRepository(bunDB), bunDB, cleanup
}

func TestTenantRepositoryUpsertAndFind(t *testing.T) {
	tenants, _, _, cleanup := setupRepositories(t)
	defer cleanup()

	ctx := context.Background()

	created, err := tenants.Upsert(ctx, modules.Tenant{Domain: "Acme.Example.com", Name: "Acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acme.example.com", created.Domain)

	renamed, err := tenants.Upsert(ctx, modules.Tenant{Domain: "acme.example.com", Name: "Acme Inc"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, renamed.ID)
	assert.Equal(t, "Acme Inc", renamed.Name)

	found, err := tenants.FindByDomain(ctx, "acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}

func TestTenantRepositoryFindByDomainNotFound(t *testing.T) {
	tenants, _, _, cleanup := setupRepositories(t)
	defer cleanup()

	_, err := tenants.FindByDomain(context.Background(), "missing.example.com")
	require.Error(t, err)
	assert.True(t, modules.IsNotFoundError(err))
	assert.Equal(t, modules.TextCodeTenantNotFound, modules.TextCode(err))
}

func TestTenantRepositoryUsers(t *testing.T) {
	tenants, _, bunDB, cleanup := setupRepositories(t)
	defer cleanup()

	ctx := context.Background()
	tenant, err := tenants.Upsert(ctx, modules.Tenant{ID: "acme", Domain: "acme.example.com"})
	require.NoError(t, err)

	require.NoError(t, tenants.AddUser(ctx, tenant.ID, modules.User{ID: "u-2", Name: "Bo"}))
	require.NoError(t, tenants.AddUser(ctx, tenant.ID, modules.User{ID: "u-1", Name: "Al"}))
	require.NoError(t, tenants.AddUser(ctx, tenant.ID, modules.User{ID: "u-1", Name: "Alice"}))

	users, err := tenants.Users(ctx, bunDB, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, []modules.User{{ID: "u-1", Name: "Alice"}, {ID: "u-2", Name: "Bo"}}, users)

	require.NoError(t, tenants.Delete(ctx, tenant.ID))

	users, err = tenants.Users(ctx, nil, tenant.ID)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestPermissionRepositoryPrefixIsLiteral(t *testing.T) {
	_, perms, bunDB, cleanup := setupRepositories(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, perms.CreatePermissions(ctx, bunDB, "acme",
		"my_mod.view", "myXmod.view", "my_mod.edit", "my_mod.edit", " ", "other.view"))

	names, err := perms.PermissionsByPrefix(ctx, bunDB, "acme", "my_mod.")
	require.NoError(t, err)
	assert.Equal(t, []string{"my_mod.edit", "my_mod.view"}, names)

	names, err = perms.PermissionsByPrefix(ctx, bunDB, "globex", "my_mod.")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPermissionRepositoryGrantsAreIdempotent(t *testing.T) {
	_, perms, bunDB, cleanup := setupRepositories(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, perms.GrantPermissions(ctx, bunDB, "acme", "u-1", "crm.view", "crm.edit"))
	require.NoError(t, perms.GrantPermissions(ctx, bunDB, "acme", "u-1", "crm.view"))

	granted, err := perms.UserPermissions(ctx, "acme", "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"crm.edit", "crm.view"}, granted)

	ok, err := perms.HasPermission(ctx, "acme", "u-1", "crm.edit")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = perms.HasPermission(ctx, "globex", "u-1", "crm.edit")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPermissionRepositoryRoles(t *testing.T) {
	_, perms, bunDB, cleanup := setupRepositories(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, perms.AssignRole(ctx, bunDB, "acme", "u-1", "Manager"))
	require.NoError(t, perms.AssignRole(ctx, bunDB, "acme", "u-1", "crm-user"))
	require.NoError(t, perms.AssignRole(ctx, bunDB, "acme", "u-1", "crm-user"))
	require.NoError(t, perms.AssignRole(ctx, bunDB, "acme", "u-1", ""))

	roles, err := perms.UserRoles(ctx, bunDB, "acme", "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Manager", "crm-user"}, roles)
}

func TestPermissionRepositoryUsesTransaction(t *testing.T) {
	_, perms, bunDB, cleanup := setupRepositories(t)
	defer cleanup()

	ctx := context.Background()
	err := bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		require.NoError(t, perms.CreatePermissions(ctx, tx, "acme", "crm.view"))
		names, err := perms.PermissionsByPrefix(ctx, tx, "acme", "crm.")
		require.NoError(t, err)
		assert.Equal(t, []string{"crm.view"}, names)
		return sql.ErrTxDone
	})
	require.ErrorIs(t, err, sql.ErrTxDone)

	names, err := perms.PermissionsByPrefix(ctx, bunDB, "acme", "crm.")
	require.NoError(t, err)
	assert.Empty(t, names)
}

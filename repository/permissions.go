package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// PermissionModel is a named permission within a tenant.
type PermissionModel struct {
	bun.BaseModel `bun:"table:permissions,alias:p"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	TenantID  string    `bun:"tenant_id,notnull,unique:uq_permissions_tenant_name"`
	Name      string    `bun:"name,notnull,unique:uq_permissions_tenant_name"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// UserPermissionModel is a direct permission grant.
type UserPermissionModel struct {
	bun.BaseModel `bun:"table:user_permissions,alias:up"`

	TenantID   string    `bun:"tenant_id,pk"`
	UserID     string    `bun:"user_id,pk"`
	Permission string    `bun:"permission,pk"`
	GrantedAt  time.Time `bun:"granted_at,nullzero,notnull,default:current_timestamp"`
}

// UserRoleModel is a role assignment.
type UserRoleModel struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`

	TenantID   string    `bun:"tenant_id,pk"`
	UserID     string    `bun:"user_id,pk"`
	Role       string    `bun:"role,pk"`
	AssignedAt time.Time `bun:"assigned_at,nullzero,notnull,default:current_timestamp"`
}

// PermissionRepository implements modules.PermissionStore and
// modules.PermissionChecker using Bun. Every write is an idempotent insert.
type PermissionRepository struct {
	db *bun.DB
}

// NewPermissionRepository creates a new repository.
func NewPermissionRepository(db *bun.DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// PermissionsByPrefix implements modules.PermissionStore.
func (r *PermissionRepository) PermissionsByPrefix(ctx context.Context, db bun.IDB, tenantID, prefix string) ([]string, error) {
	names := []string{}
	err := r.idb(db).NewSelect().
		Model((*PermissionModel)(nil)).
		Column("name").
		Where("p.tenant_id = ?", tenantID).
		Where("substr(p.name, 1, ?) = ?", len(prefix), prefix).
		OrderExpr("p.name ASC").
		Scan(ctx, &names)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return names, nil
}

// CreatePermissions implements modules.PermissionStore.
func (r *PermissionRepository) CreatePermissions(ctx context.Context, db bun.IDB, tenantID string, names ...string) error {
	names = compact(names)
	if len(names) == 0 {
		return nil
	}

	now := time.Now().UTC()
	models := make([]PermissionModel, len(names))
	for i, name := range names {
		models[i] = PermissionModel{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Name:      name,
			CreatedAt: now,
		}
	}

	_, err := r.idb(db).NewInsert().
		Model(&models).
		On("CONFLICT (tenant_id, name) DO NOTHING").
		Exec(ctx)
	return err
}

// GrantPermissions implements modules.PermissionStore.
func (r *PermissionRepository) GrantPermissions(ctx context.Context, db bun.IDB, tenantID, userID string, names ...string) error {
	names = compact(names)
	if len(names) == 0 {
		return nil
	}

	now := time.Now().UTC()
	models := make([]UserPermissionModel, len(names))
	for i, name := range names {
		models[i] = UserPermissionModel{
			TenantID:   tenantID,
			UserID:     userID,
			Permission: name,
			GrantedAt:  now,
		}
	}

	_, err := r.idb(db).NewInsert().
		Model(&models).
		On("CONFLICT (tenant_id, user_id, permission) DO NOTHING").
		Exec(ctx)
	return err
}

// AssignRole implements modules.PermissionStore.
func (r *PermissionRepository) AssignRole(ctx context.Context, db bun.IDB, tenantID, userID, role string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return nil
	}

	_, err := r.idb(db).NewInsert().
		Model(&UserRoleModel{
			TenantID:   tenantID,
			UserID:     userID,
			Role:       role,
			AssignedAt: time.Now().UTC(),
		}).
		On("CONFLICT (tenant_id, user_id, role) DO NOTHING").
		Exec(ctx)
	return err
}

// UserRoles implements modules.PermissionStore.
func (r *PermissionRepository) UserRoles(ctx context.Context, db bun.IDB, tenantID, userID string) ([]string, error) {
	roles := []string{}
	err := r.idb(db).NewSelect().
		Model((*UserRoleModel)(nil)).
		Column("role").
		Where("ur.tenant_id = ?", tenantID).
		Where("ur.user_id = ?", userID).
		OrderExpr("ur.role ASC").
		Scan(ctx, &roles)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return roles, nil
}

// UserPermissions lists a user's direct grants.
func (r *PermissionRepository) UserPermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	names := []string{}
	err := r.db.NewSelect().
		Model((*UserPermissionModel)(nil)).
		Column("permission").
		Where("up.tenant_id = ?", tenantID).
		Where("up.user_id = ?", userID).
		OrderExpr("up.permission ASC").
		Scan(ctx, &names)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return names, nil
}

// HasPermission implements modules.PermissionChecker.
func (r *PermissionRepository) HasPermission(ctx context.Context, tenantID, userID, permission string) (bool, error) {
	return r.db.NewSelect().
		Model((*UserPermissionModel)(nil)).
		Where("up.tenant_id = ?", tenantID).
		Where("up.user_id = ?", userID).
		Where("up.permission = ?", permission).
		Exists(ctx)
}

func (r *PermissionRepository) idb(db bun.IDB) bun.IDB {
	if db == nil {
		return r.db
	}
	return db
}

func compact(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

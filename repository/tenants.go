package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	modules "github.com/goliatone/go-tenant-modules"
)

// TenantModel is the Bun model for tenants.
type TenantModel struct {
	bun.BaseModel `bun:"table:tenants,alias:t"`

	ID        string    `bun:"id,pk"`
	Domain    string    `bun:"domain,notnull,unique"`
	Name      string    `bun:"name"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// TenantUserModel associates a user with a tenant.
type TenantUserModel struct {
	bun.BaseModel `bun:"table:tenant_users,alias:tu"`

	TenantID  string    `bun:"tenant_id,pk"`
	UserID    string    `bun:"user_id,pk"`
	Name      string    `bun:"name"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// TenantRepository implements modules.TenantDirectory using Bun.
type TenantRepository struct {
	db *bun.DB
}

// NewTenantRepository creates a new repository.
func NewTenantRepository(db *bun.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// FindByDomain implements modules.TenantDirectory.
func (r *TenantRepository) FindByDomain(ctx context.Context, domain string) (modules.Tenant, error) {
	var model TenantModel
	err := r.db.NewSelect().
		Model(&model).
		Where("t.domain = ?", strings.ToLower(strings.TrimSpace(domain))).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return modules.Tenant{}, modules.NewTenantNotFoundError(domain)
		}
		return modules.Tenant{}, err
	}
	return toTenant(&model), nil
}

// Users implements modules.TenantDirectory. It reads through db so callers
// can see rows of their own transaction.
func (r *TenantRepository) Users(ctx context.Context, db bun.IDB, tenantID string) ([]modules.User, error) {
	if db == nil {
		db = r.db
	}

	var models []TenantUserModel
	err := db.NewSelect().
		Model(&models).
		Where("tu.tenant_id = ?", tenantID).
		OrderExpr("tu.user_id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	users := make([]modules.User, len(models))
	for i, m := range models {
		users[i] = modules.User{ID: m.UserID, Name: m.Name}
	}
	return users, nil
}

// Upsert creates a tenant or renames an existing one with the same domain.
func (r *TenantRepository) Upsert(ctx context.Context, tenant modules.Tenant) (modules.Tenant, error) {
	domain := strings.ToLower(strings.TrimSpace(tenant.Domain))
	if domain == "" {
		return modules.Tenant{}, modules.NewValidationError("tenant domain is required")
	}

	model := &TenantModel{
		ID:        tenant.ID,
		Domain:    domain,
		Name:      tenant.Name,
		CreatedAt: time.Now().UTC(),
	}
	if model.ID == "" {
		model.ID = uuid.NewString()
	}

	_, err := r.db.NewInsert().
		Model(model).
		On("CONFLICT (domain) DO UPDATE").
		Set("name = EXCLUDED.name").
		Exec(ctx)
	if err != nil {
		return modules.Tenant{}, err
	}

	return r.FindByDomain(ctx, domain)
}

// AddUser associates a user with a tenant.
func (r *TenantRepository) AddUser(ctx context.Context, tenantID string, user modules.User) error {
	model := &TenantUserModel{
		TenantID:  tenantID,
		UserID:    user.ID,
		Name:      user.Name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.db.NewInsert().
		Model(model).
		On("CONFLICT (tenant_id, user_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Exec(ctx)
	return err
}

// Delete removes a tenant and its user associations.
func (r *TenantRepository) Delete(ctx context.Context, tenantID string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*TenantUserModel)(nil)).
			Where("tenant_id = ?", tenantID).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*TenantModel)(nil)).
			Where("id = ?", tenantID).
			Exec(ctx)
		return err
	})
}

func toTenant(m *TenantModel) modules.Tenant {
	return modules.Tenant{
		ID:     m.ID,
		Domain: m.Domain,
		Name:   m.Name,
	}
}

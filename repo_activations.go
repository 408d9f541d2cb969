package modules

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ActivationRepository is the query and mutation surface over tenant_modules.
type ActivationRepository interface {
	Find(ctx context.Context, db bun.IDB, tenantID string, moduleID uuid.UUID) (*Activation, error)
	// Insert adds a new pair and reports false when the pair already exists.
	Insert(ctx context.Context, db bun.IDB, record *Activation) (bool, error)
	// Activate flips an inactive pair on and reports false when it was already active.
	Activate(ctx context.Context, db bun.IDB, id uuid.UUID, at time.Time, settings map[string]any) (bool, error)
	// Deactivate flips an active pair off and reports false when it was already inactive.
	Deactivate(ctx context.Context, db bun.IDB, id uuid.UUID, at time.Time) (bool, error)
	IsActive(ctx context.Context, db bun.IDB, tenantID, moduleName string) (bool, error)
	ActiveModuleNames(ctx context.Context, db bun.IDB, tenantID string) ([]string, error)
	ListForTenant(ctx context.Context, db bun.IDB, tenantID string) ([]*Activation, error)
	ListForModule(ctx context.Context, db bun.IDB, moduleID uuid.UUID) ([]*Activation, error)
	DeleteForModule(ctx context.Context, db bun.IDB, moduleID uuid.UUID) (int64, error)
	DeleteForTenant(ctx context.Context, db bun.IDB, tenantID string) (int64, error)
}

type activationRepository struct{}

// NewActivationRepository returns the bun backed activation store.
func NewActivationRepository() ActivationRepository {
	return activationRepository{}
}

func (activationRepository) Find(ctx context.Context, db bun.IDB, tenantID string, moduleID uuid.UUID) (*Activation, error) {
	record := &Activation{}
	err := db.NewSelect().
		Model(record).
		Where("tm.tenant_id = ?", tenantID).
		Where("tm.module_id = ?", moduleID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, NewActivationNotFoundError(tenantID, moduleID.String())
		}
		return nil, err
	}
	return record, nil
}

func (activationRepository) Insert(ctx context.Context, db bun.IDB, record *Activation) (bool, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}

	res, err := db.NewInsert().
		Model(record).
		On("CONFLICT (tenant_id, module_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (activationRepository) Activate(ctx context.Context, db bun.IDB, id uuid.UUID, at time.Time, settings map[string]any) (bool, error) {
	q := db.NewUpdate().
		Model((*Activation)(nil)).
		Set("is_active = ?", true).
		Set("activated_at = ?", at).
		Set("deactivated_at = NULL").
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("is_active = ?", false)

	if settings != nil {
		raw, err := json.Marshal(settings)
		if err != nil {
			return false, NewValidationError("activation settings must be JSON encodable")
		}
		q = q.Set("settings = ?", string(raw))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (activationRepository) Deactivate(ctx context.Context, db bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	res, err := db.NewUpdate().
		Model((*Activation)(nil)).
		Set("is_active = ?", false).
		Set("deactivated_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("is_active = ?", true).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res), nil
}

func (activationRepository) IsActive(ctx context.Context, db bun.IDB, tenantID, moduleName string) (bool, error) {
	return db.NewSelect().
		Model((*Activation)(nil)).
		Join("JOIN modules AS m ON m.id = tm.module_id").
		Where("tm.tenant_id = ?", tenantID).
		Where("m.name = ?", moduleName).
		Where("tm.is_active = ?", true).
		Exists(ctx)
}

// ActiveModuleNames returns names in activation order, oldest first.
func (activationRepository) ActiveModuleNames(ctx context.Context, db bun.IDB, tenantID string) ([]string, error) {
	names := []string{}
	err := db.NewSelect().
		Model((*Activation)(nil)).
		ColumnExpr("m.name").
		Join("JOIN modules AS m ON m.id = tm.module_id").
		Where("tm.tenant_id = ?", tenantID).
		Where("tm.is_active = ?", true).
		OrderExpr("tm.activated_at ASC, m.name ASC").
		Scan(ctx, &names)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	return names, nil
}

func (activationRepository) ListForTenant(ctx context.Context, db bun.IDB, tenantID string) ([]*Activation, error) {
	records := []*Activation{}
	err := db.NewSelect().
		Model(&records).
		Relation("Module").
		Where("tm.tenant_id = ?", tenantID).
		OrderExpr("tm.created_at ASC").
		Scan(ctx)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	return records, nil
}

func (activationRepository) ListForModule(ctx context.Context, db bun.IDB, moduleID uuid.UUID) ([]*Activation, error) {
	records := []*Activation{}
	err := db.NewSelect().
		Model(&records).
		Where("tm.module_id = ?", moduleID).
		OrderExpr("tm.tenant_id ASC").
		Scan(ctx)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	return records, nil
}

func (activationRepository) DeleteForModule(ctx context.Context, db bun.IDB, moduleID uuid.UUID) (int64, error) {
	res, err := db.NewDelete().
		Model((*Activation)(nil)).
		Where("module_id = ?", moduleID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (activationRepository) DeleteForTenant(ctx context.Context, db bun.IDB, tenantID string) (int64, error) {
	res, err := db.NewDelete().
		Model((*Activation)(nil)).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowsResult interface {
	RowsAffected() (int64, error)
}

func affected(res rowsResult) bool {
	if res == nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

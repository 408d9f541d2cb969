package modules

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var ListModulesSQL = `SELECT * FROM "modules" AS "m" ORDER BY "m"."name" ASC;`

var DeleteModuleSQL = `DELETE FROM "modules" WHERE "id" = ? RETURNING *;`

// ModuleRepository is the catalog of known modules.
type ModuleRepository interface {
	FindByName(ctx context.Context, db bun.IDB, name string) (*Module, error)
	FindOrCreate(ctx context.Context, db bun.IDB, record *Module) (*Module, error)
	List(ctx context.Context, db bun.IDB) ([]*Module, error)
	Delete(ctx context.Context, db bun.IDB, id uuid.UUID) error
}

type moduleRepository struct {
	repo repository.Repository[*Module]
}

var _ ModuleRepository = (*moduleRepository)(nil)

// NewModuleRepository returns the catalog repository. Modules are identified
// by name.
func NewModuleRepository(db *bun.DB) ModuleRepository {
	handlers := repository.ModelHandlers[*Module]{
		NewRecord: func() *Module {
			return &Module{}
		},
		GetID: func(record *Module) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *Module, id uuid.UUID) {
			if record != nil {
				record.ID = id
			}
		},
		GetIdentifier: func() string {
			return "name"
		},
	}
	return &moduleRepository{repo: repository.NewRepository(db, handlers)}
}

func (r *moduleRepository) FindByName(ctx context.Context, db bun.IDB, name string) (*Module, error) {
	record, err := r.repo.GetByIdentifierTx(ctx, db, name)
	if err != nil {
		if repository.IsRecordNotFound(err) || isNoRows(err) {
			return nil, NewModuleNotFoundError(name)
		}
		return nil, err
	}
	return record, nil
}

// FindOrCreate returns the stored module with the record's name, creating it
// when missing. A create that loses to a concurrent writer falls back to the
// row the winner stored.
func (r *moduleRepository) FindOrCreate(ctx context.Context, db bun.IDB, record *Module) (*Module, error) {
	if record == nil || record.Name == "" {
		return nil, NewValidationError("module name is required")
	}

	existing, err := r.FindByName(ctx, db, record.Name)
	if err == nil {
		return existing, nil
	}
	if !IsNotFoundError(err) {
		return nil, err
	}

	prepareModuleDefaults(record)

	created, createErr := r.repo.CreateTx(ctx, db, record)
	if createErr == nil {
		return created, nil
	}

	if existing, err := r.FindByName(ctx, db, record.Name); err == nil {
		return existing, nil
	}
	return nil, createErr
}

func (r *moduleRepository) List(ctx context.Context, db bun.IDB) ([]*Module, error) {
	records, err := r.repo.RawTx(ctx, db, ListModulesSQL)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	if records == nil {
		records = []*Module{}
	}
	return records, nil
}

func (r *moduleRepository) Delete(ctx context.Context, db bun.IDB, id uuid.UUID) error {
	res, err := r.repo.RawTx(ctx, db, DeleteModuleSQL, id.String())
	if err != nil && !isNoRows(err) {
		return err
	}
	if len(res) == 0 {
		return NewModuleNotFoundError(id.String())
	}
	return nil
}

func prepareModuleDefaults(record *Module) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Version == "" {
		record.Version = DefaultModuleVersion
	}
	if record.Description == "" {
		record.Description = "Module " + record.Name
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}

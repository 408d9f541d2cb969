package modules

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories and the transaction boundary.
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	DB() bun.IDB
	Modules() ModuleRepository
	Activations() ActivationRepository
	AuditLog() AuditLog
	Provisions() ProvisionRepository
}

type mngr struct {
	db          *bun.DB
	modules     ModuleRepository
	activations ActivationRepository
	audit       AuditLog
	provisions  ProvisionRepository
}

func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:          db,
		modules:     NewModuleRepository(db),
		activations: NewActivationRepository(),
		audit:       NewAuditLog(db),
		provisions:  NewProvisionRepository(),
	}
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("database should be initialized")
	}

	if m.modules == nil {
		return errors.New("repository modules should be initialized")
	}

	if m.activations == nil {
		return errors.New("repository activations should be initialized")
	}

	if m.audit == nil {
		return errors.New("audit log should be initialized")
	}

	if m.provisions == nil {
		return errors.New("repository provisions should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) DB() bun.IDB {
	return m.db
}

func (m mngr) Modules() ModuleRepository {
	return m.modules
}

func (m mngr) Activations() ActivationRepository {
	return m.activations
}

func (m mngr) AuditLog() AuditLog {
	return m.audit
}

func (m mngr) Provisions() ProvisionRepository {
	return m.provisions
}

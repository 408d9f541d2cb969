package modules

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SeedMarker is the step name recorded once a module's seed has run for a tenant.
const SeedMarker = "__seed__"

// ProvisionContext is handed to every migration and seed.
type ProvisionContext struct {
	Tenant Tenant
	Module ModuleDescriptor
}

// Migration is one named, tenant scoped schema step.
type Migration struct {
	Name string
	Up   func(ctx context.Context, db bun.IDB, pc ProvisionContext) error
}

// SQLMigration runs a raw SQL script as a migration step.
func SQLMigration(name, script string) Migration {
	return Migration{
		Name: name,
		Up: func(ctx context.Context, db bun.IDB, _ ProvisionContext) error {
			if strings.TrimSpace(script) == "" {
				return nil
			}
			_, err := db.ExecContext(ctx, script)
			return err
		},
	}
}

// ModuleHandler is the statically registered entrypoint of a module.
type ModuleHandler interface {
	Migrations() []Migration
	Seed(ctx context.Context, db bun.IDB, pc ProvisionContext) error
}

// PermissionSeeder is implemented by handlers that declare permissions in
// code in addition to their descriptor.
type PermissionSeeder interface {
	Permissions() []string
}

// StaticHandler is a ModuleHandler assembled from plain values.
type StaticHandler struct {
	Steps               []Migration
	SeedFunc            func(ctx context.Context, db bun.IDB, pc ProvisionContext) error
	DeclaredPermissions []string
}

func (h StaticHandler) Migrations() []Migration {
	return h.Steps
}

func (h StaticHandler) Seed(ctx context.Context, db bun.IDB, pc ProvisionContext) error {
	if h.SeedFunc == nil {
		return nil
	}
	return h.SeedFunc(ctx, db, pc)
}

// Permissions implements PermissionSeeder.
func (h StaticHandler) Permissions() []string {
	return h.DeclaredPermissions
}

// TenantScope runs a callback inside a tenant's isolated data scope.
type TenantScope interface {
	Run(ctx context.Context, db bun.IDB, tenant Tenant, fn func(ctx context.Context, db bun.IDB) error) error
}

// TenantScopeFunc adapts a function to the TenantScope interface.
type TenantScopeFunc func(ctx context.Context, db bun.IDB, tenant Tenant, fn func(ctx context.Context, db bun.IDB) error) error

// Run implements TenantScope.
func (f TenantScopeFunc) Run(ctx context.Context, db bun.IDB, tenant Tenant, fn func(ctx context.Context, db bun.IDB) error) error {
	return f(ctx, db, tenant, fn)
}

// SharedScope keeps every tenant in the same schema; rows carry tenant_id.
type SharedScope struct{}

func (SharedScope) Run(ctx context.Context, db bun.IDB, _ Tenant, fn func(ctx context.Context, db bun.IDB) error) error {
	return fn(ctx, db)
}

// SearchPathScope switches a Postgres transaction to a per tenant schema for
// the duration of the callback. It must run inside a transaction because the
// setting is transaction local.
type SearchPathScope struct {
	Prefix string
}

// SchemaName returns the schema used for the tenant.
func (s SearchPathScope) SchemaName(tenant Tenant) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "tenant_"
	}

	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range strings.ToLower(tenant.ID) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (s SearchPathScope) Run(ctx context.Context, db bun.IDB, tenant Tenant, fn func(ctx context.Context, db bun.IDB) error) error {
	schema := s.SchemaName(tenant)

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS ?", bun.Ident(schema)); err != nil {
		return err
	}

	var previous string
	if err := db.NewRaw("SELECT current_setting('search_path')").Scan(ctx, &previous); err != nil {
		return err
	}

	// public stays on the path so the shared bookkeeping tables resolve.
	if _, err := db.ExecContext(ctx, "SELECT set_config('search_path', ?, true)", schema+", public"); err != nil {
		return err
	}

	runErr := fn(ctx, db)

	if _, err := db.ExecContext(ctx, "SELECT set_config('search_path', ?, true)", previous); err != nil && runErr == nil {
		return err
	}
	return runErr
}

// ProvisionRepository tracks which provisioning steps ran for a tenant.
type ProvisionRepository interface {
	Applied(ctx context.Context, db bun.IDB, tenantID, module string) (map[string]bool, error)
	Mark(ctx context.Context, db bun.IDB, tenantID, module, step string, at time.Time) error
	PurgeTenant(ctx context.Context, db bun.IDB, tenantID string) (int64, error)
}

type provisionRepository struct{}

// NewProvisionRepository returns the bun backed provisioning ledger.
func NewProvisionRepository() ProvisionRepository {
	return provisionRepository{}
}

func (provisionRepository) Applied(ctx context.Context, db bun.IDB, tenantID, module string) (map[string]bool, error) {
	steps := []string{}
	err := db.NewSelect().
		Model((*ProvisionRecord)(nil)).
		Column("migration").
		Where("mm.tenant_id = ?", tenantID).
		Where("mm.module_name = ?", module).
		Scan(ctx, &steps)
	if err != nil && !isNoRows(err) {
		return nil, err
	}

	out := make(map[string]bool, len(steps))
	for _, s := range steps {
		out[s] = true
	}
	return out, nil
}

func (provisionRepository) Mark(ctx context.Context, db bun.IDB, tenantID, module, step string, at time.Time) error {
	record := &ProvisionRecord{
		ID:         uuid.New(),
		TenantID:   tenantID,
		ModuleName: module,
		Migration:  step,
		AppliedAt:  at.UTC(),
	}
	_, err := db.NewInsert().
		Model(record).
		On("CONFLICT (tenant_id, module_name, migration) DO NOTHING").
		Exec(ctx)
	return err
}

func (provisionRepository) PurgeTenant(ctx context.Context, db bun.IDB, tenantID string) (int64, error) {
	res, err := db.NewDelete().
		Model((*ProvisionRecord)(nil)).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// moduleSource is the slice of the registry the provisioner needs.
type moduleSource interface {
	Migrations(name string) ([]Migration, error)
	Handler(name string) (ModuleHandler, bool)
}

// Provisioner applies a module's SQL files, handler migrations and seed for
// a tenant. Every applied step is recorded so re-running is a no-op.
type Provisioner struct {
	source moduleSource
	ledger ProvisionRepository
	scope  TenantScope
	logger Logger
	now    func() time.Time
}

// NewProvisioner builds a provisioner. A nil scope means SharedScope.
func NewProvisioner(source moduleSource, ledger ProvisionRepository, scope TenantScope, logger Logger) *Provisioner {
	if scope == nil {
		scope = SharedScope{}
	}
	if ledger == nil {
		ledger = NewProvisionRepository()
	}
	return &Provisioner{
		source: source,
		ledger: ledger,
		scope:  scope,
		logger: normalizeLogger(logger),
		now:    time.Now,
	}
}

// Provision runs every pending step. The first failing step aborts with a
// PROVISIONING_FAILED error; the caller's transaction rolls the rest back.
func (p *Provisioner) Provision(ctx context.Context, db bun.IDB, tenant Tenant, desc ModuleDescriptor) error {
	steps, err := p.source.Migrations(desc.Name)
	if err != nil {
		return NewProvisioningError(err, desc.Name, "discover migrations")
	}

	handler, hasHandler := p.source.Handler(desc.Name)
	if hasHandler {
		steps = append(steps, handler.Migrations()...)
	}

	applied, err := p.ledger.Applied(ctx, db, tenant.ID, desc.Name)
	if err != nil {
		return NewProvisioningError(err, desc.Name, "load ledger")
	}

	pc := ProvisionContext{Tenant: tenant, Module: desc}

	return p.scope.Run(ctx, db, tenant, func(ctx context.Context, sdb bun.IDB) error {
		for _, step := range steps {
			if step.Up == nil || applied[step.Name] {
				continue
			}
			if err := step.Up(ctx, sdb, pc); err != nil {
				return NewProvisioningError(err, desc.Name, step.Name)
			}
			if err := p.ledger.Mark(ctx, sdb, tenant.ID, desc.Name, step.Name, p.now()); err != nil {
				return NewProvisioningError(err, desc.Name, step.Name)
			}
			p.logger.Debug("applied %s/%s for tenant %s", desc.Name, step.Name, describeTenant(tenant))
		}

		if !hasHandler || applied[SeedMarker] {
			return nil
		}

		if err := handler.Seed(ctx, sdb, pc); err != nil {
			return NewProvisioningError(err, desc.Name, "seed")
		}
		if err := p.ledger.Mark(ctx, sdb, tenant.ID, desc.Name, SeedMarker, p.now()); err != nil {
			return NewProvisioningError(err, desc.Name, "seed")
		}
		return nil
	})
}

// DeclaredPermissions merges descriptor permissions with the handler's.
func (p *Provisioner) DeclaredPermissions(desc ModuleDescriptor) []string {
	out := desc.ModulePermissions()
	handler, ok := p.source.Handler(desc.Name)
	if !ok {
		return out
	}

	seeder, ok := handler.(PermissionSeeder)
	if !ok {
		return out
	}

	prefix := PermissionPrefix(desc.Name)
	seen := make(map[string]bool, len(out))
	for _, name := range out {
		seen[name] = true
	}
	for _, name := range seeder.Permissions() {
		if strings.HasPrefix(name, prefix) && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

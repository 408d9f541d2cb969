package modules

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// ModuleRegistry is the registry surface the manager depends on.
type ModuleRegistry interface {
	Discover(ctx context.Context) (map[string]ModuleDescriptor, error)
	Lookup(ctx context.Context, name string) (ModuleDescriptor, error)
	Descriptor(ctx context.Context, name string) (ModuleDescriptor, bool, error)
	Migrations(name string) ([]Migration, error)
	Handler(name string) (ModuleHandler, bool)
}

type fileRemover interface {
	RemoveFiles(name string) error
}

// LifecycleContext is passed into hooks.
type LifecycleContext struct {
	Action     ModuleAction
	Tenant     Tenant
	Module     *Module
	Descriptor ModuleDescriptor
	Actor      ActorRef
	At         time.Time
}

// LifecycleHook runs inside the transaction. Returning an error rolls the
// whole operation back.
type LifecycleHook func(ctx context.Context, db bun.IDB, lc LifecycleContext) error

// ManagerOption customizes manager construction.
type ManagerOption func(*ModuleManager)

// WithManagerClock injects a custom clock (useful for tests).
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *ModuleManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithManagerLogger overrides the logger.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *ModuleManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventPublisher sets where committed state changes are published.
func WithEventPublisher(p EventPublisher) ManagerOption {
	return func(m *ModuleManager) {
		m.publisher = normalizePublisher(p)
	}
}

// WithTenantDirectory sets the tenant and tenant user lookup.
func WithTenantDirectory(dir TenantDirectory) ManagerOption {
	return func(m *ModuleManager) {
		m.directory = dir
	}
}

// WithPermissionStore enables permission sync against the given store.
func WithPermissionStore(store PermissionStore) ManagerOption {
	return func(m *ModuleManager) {
		if store != nil {
			m.permissionStore = store
		}
	}
}

// WithTenantScope sets how provisioning isolates tenant data.
func WithTenantScope(scope TenantScope) ManagerOption {
	return func(m *ModuleManager) {
		if scope != nil {
			m.scope = scope
		}
	}
}

// WithOperationTimeout bounds each mutation. Zero means no bound.
func WithOperationTimeout(d time.Duration) ManagerOption {
	return func(m *ModuleManager) {
		if d >= 0 {
			m.timeout = d
		}
	}
}

// WithBeforeHook adds a hook executed before the activation row changes.
func WithBeforeHook(h LifecycleHook) ManagerOption {
	return func(m *ModuleManager) {
		if h != nil {
			m.beforeHooks = append(m.beforeHooks, h)
		}
	}
}

// WithAfterHook adds a hook executed after the audit entry is written, still
// inside the transaction.
func WithAfterHook(h LifecycleHook) ManagerOption {
	return func(m *ModuleManager) {
		if h != nil {
			m.afterHooks = append(m.afterHooks, h)
		}
	}
}

// OperationOption customizes a single Enable, Disable or Delete call.
type OperationOption func(*operationOptions)

type operationOptions struct {
	actor      ActorRef
	force      bool
	settings   map[string]any
	purgeFiles bool
}

// WithActor records who triggered the operation.
func WithActor(actor ActorRef) OperationOption {
	return func(o *operationOptions) {
		o.actor = actor
	}
}

// WithForce allows removing core modules and deleting modules in use.
func WithForce() OperationOption {
	return func(o *operationOptions) {
		o.force = true
	}
}

// WithSettings stores tenant scoped settings on the activation.
func WithSettings(settings map[string]any) OperationOption {
	return func(o *operationOptions) {
		o.settings = settings
	}
}

// WithPurgeFiles removes the module source tree after a delete.
func WithPurgeFiles() OperationOption {
	return func(o *operationOptions) {
		o.purgeFiles = true
	}
}

// ModuleManager is the lifecycle orchestrator: it sequences registry lookup,
// activation change, provisioning, permission sync and audit inside one
// transaction, and publishes a ModuleStateEvent once committed.
type ModuleManager struct {
	repos           RepositoryManager
	registry        ModuleRegistry
	directory       TenantDirectory
	permissionStore PermissionStore
	scope           TenantScope
	publisher       EventPublisher
	logger          Logger
	now             func() time.Time
	timeout         time.Duration
	beforeHooks     []LifecycleHook
	afterHooks      []LifecycleHook

	provisioner  *Provisioner
	synchronizer *PermissionSynchronizer
}

// NewModuleManager wires the orchestrator.
func NewModuleManager(repos RepositoryManager, registry ModuleRegistry, opts ...ManagerOption) *ModuleManager {
	m := &ModuleManager{
		repos:     repos,
		registry:  registry,
		scope:     SharedScope{},
		publisher: noopPublisher{},
		logger:    newDefLogger(),
		now:       time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.provisioner = NewProvisioner(registry, repos.Provisions(), m.scope, m.logger)
	m.provisioner.now = m.now

	if m.permissionStore != nil {
		m.synchronizer = NewPermissionSynchronizer(m.permissionStore, m.logger)
	}

	return m
}

// Enable activates a module for a tenant. Enabling an active pair is a no-op
// that neither provisions nor writes an audit entry nor publishes.
func (m *ModuleManager) Enable(ctx context.Context, tenant Tenant, name string, opts ...OperationOption) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled before enabling module")
	default:
		return m.enable(ctx, tenant, name, m.buildOptions(opts...))
	}
}

func (m *ModuleManager) enable(ctx context.Context, tenant Tenant, name string, options *operationOptions) error {
	if err := validateTarget(tenant, name); err != nil {
		return err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	desc, err := m.registry.Lookup(ctx, name)
	if err != nil {
		return boundaryError(err, "failed to look up module "+name)
	}

	module, err := m.repos.Modules().FindOrCreate(ctx, m.repos.DB(), desc.Catalog())
	if err != nil {
		return boundaryError(err, "failed to resolve module "+name)
	}

	m.logger.Info("enabling module %s for tenant %s", name, describeTenant(tenant))

	now := m.now().UTC()
	changed := false

	err = m.repos.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		lc := LifecycleContext{
			Action:     ActionEnabled,
			Tenant:     tenant,
			Module:     module,
			Descriptor: desc,
			Actor:      options.actor,
			At:         now,
		}

		record, err := m.repos.Activations().Find(ctx, tx, tenant.ID, module.ID)
		if err != nil && !IsNotFoundError(err) {
			return err
		}
		if record != nil && record.IsActive {
			return nil
		}

		if err := m.runHooks(ctx, tx, m.beforeHooks, lc); err != nil {
			return err
		}

		if record == nil {
			inserted, err := m.repos.Activations().Insert(ctx, tx, &Activation{
				TenantID:    tenant.ID,
				ModuleID:    module.ID,
				IsActive:    true,
				ActivatedAt: &now,
				Settings:    options.settings,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			if err != nil {
				return err
			}
			// a concurrent first activation committed the same pair
			if !inserted {
				return nil
			}
		} else {
			activated, err := m.repos.Activations().Activate(ctx, tx, record.ID, now, options.settings)
			if err != nil {
				return err
			}
			if !activated {
				return nil
			}
		}

		if err := m.provisioner.Provision(ctx, tx, tenant, desc); err != nil {
			return err
		}

		if err := m.syncPermissions(ctx, tx, tenant, desc); err != nil {
			return err
		}

		if _, err := m.repos.AuditLog().Record(ctx, tx, tenant.ID, name, ActionEnabled, now, options.actor); err != nil {
			return err
		}

		if err := m.runHooks(ctx, tx, m.afterHooks, lc); err != nil {
			return err
		}

		changed = true
		return nil
	})

	if err != nil {
		m.logger.Error("enable module %s for tenant %s failed: %v", name, describeTenant(tenant), err)
		return boundaryError(err, "failed to enable module "+name)
	}

	if !changed {
		m.logger.Debug("module %s already enabled for tenant %s", name, describeTenant(tenant))
		return nil
	}

	m.logger.Info("module %s enabled for tenant %s", name, describeTenant(tenant))
	m.publish(ctx, ActionEnabled, tenant, module, options.actor, now)
	return nil
}

// Disable deactivates a module for a tenant. Module data is left in place.
func (m *ModuleManager) Disable(ctx context.Context, tenant Tenant, name string, opts ...OperationOption) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled before disabling module")
	default:
		return m.disable(ctx, tenant, name, m.buildOptions(opts...))
	}
}

func (m *ModuleManager) disable(ctx context.Context, tenant Tenant, name string, options *operationOptions) error {
	if err := validateTarget(tenant, name); err != nil {
		return err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	module, err := m.repos.Modules().FindByName(ctx, m.repos.DB(), name)
	if err != nil {
		return boundaryError(err, "failed to look up module "+name)
	}

	if module.IsCore && !options.force {
		return NewCoreModuleLockedError(name)
	}

	desc, _, err := m.registry.Descriptor(ctx, name)
	if err != nil {
		return boundaryError(err, "failed to look up module "+name)
	}

	m.logger.Info("disabling module %s for tenant %s", name, describeTenant(tenant))

	now := m.now().UTC()
	changed := false

	err = m.repos.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := m.repos.Activations().Find(ctx, tx, tenant.ID, module.ID)
		if err != nil {
			return err
		}
		if !record.IsActive {
			return nil
		}

		lc := LifecycleContext{
			Action:     ActionDisabled,
			Tenant:     tenant,
			Module:     module,
			Descriptor: desc,
			Actor:      options.actor,
			At:         now,
		}

		if err := m.runHooks(ctx, tx, m.beforeHooks, lc); err != nil {
			return err
		}

		deactivated, err := m.repos.Activations().Deactivate(ctx, tx, record.ID, now)
		if err != nil {
			return err
		}
		if !deactivated {
			return nil
		}

		if _, err := m.repos.AuditLog().Record(ctx, tx, tenant.ID, name, ActionDisabled, now, options.actor); err != nil {
			return err
		}

		if err := m.runHooks(ctx, tx, m.afterHooks, lc); err != nil {
			return err
		}

		changed = true
		return nil
	})

	if err != nil {
		m.logger.Error("disable module %s for tenant %s failed: %v", name, describeTenant(tenant), err)
		return boundaryError(err, "failed to disable module "+name)
	}

	if !changed {
		m.logger.Debug("module %s already disabled for tenant %s", name, describeTenant(tenant))
		return nil
	}

	m.logger.Info("module %s disabled for tenant %s", name, describeTenant(tenant))
	m.publish(ctx, ActionDisabled, tenant, module, options.actor, now)
	return nil
}

// IsEnabled is true only when the tenant's activation is active and the
// module's kill switch is on.
func (m *ModuleManager) IsEnabled(ctx context.Context, tenant Tenant, name string) (bool, error) {
	if err := validateTarget(tenant, name); err != nil {
		return false, err
	}

	if _, err := m.registry.Lookup(ctx, name); err != nil {
		if IsNotFoundError(err) {
			return false, nil
		}
		return false, boundaryError(err, "failed to look up module "+name)
	}

	active, err := m.repos.Activations().IsActive(ctx, m.repos.DB(), tenant.ID, name)
	if err != nil {
		return false, boundaryError(err, "failed to read activation state")
	}
	return active, nil
}

// GetEnabledModules returns the names of the tenant's active modules in
// activation order. The kill switch is not consulted.
func (m *ModuleManager) GetEnabledModules(ctx context.Context, tenant Tenant) ([]string, error) {
	if tenant.ID == "" {
		return nil, NewValidationError("tenant is required")
	}

	names, err := m.repos.Activations().ActiveModuleNames(ctx, m.repos.DB(), tenant.ID)
	if err != nil {
		return nil, boundaryError(err, "failed to list enabled modules")
	}
	return names, nil
}

// GetEnabledModulesStrict is GetEnabledModules filtered by the registry kill switch.
func (m *ModuleManager) GetEnabledModulesStrict(ctx context.Context, tenant Tenant) ([]string, error) {
	names, err := m.GetEnabledModules(ctx, tenant)
	if err != nil {
		return nil, err
	}

	offered, err := m.registry.Discover(ctx)
	if err != nil {
		return nil, boundaryError(err, "failed to discover modules")
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := offered[name]; ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// ListModules returns every catalog module joined with the tenant's activation.
func (m *ModuleManager) ListModules(ctx context.Context, tenant Tenant) ([]ModuleStatus, error) {
	catalog, err := m.repos.Modules().List(ctx, m.repos.DB())
	if err != nil {
		return nil, boundaryError(err, "failed to list modules")
	}

	byModule := map[string]*Activation{}
	if tenant.ID != "" {
		activations, err := m.repos.Activations().ListForTenant(ctx, m.repos.DB(), tenant.ID)
		if err != nil {
			return nil, boundaryError(err, "failed to list activations")
		}
		for _, a := range activations {
			byModule[a.ModuleID.String()] = a
		}
	}

	out := make([]ModuleStatus, 0, len(catalog))
	for _, module := range catalog {
		desc, ok, err := m.registry.Descriptor(ctx, module.Name)
		if err != nil {
			return nil, boundaryError(err, "failed to look up module "+module.Name)
		}
		out = append(out, ModuleStatus{
			Module:     module,
			Activation: byModule[module.ID.String()],
			Available:  ok && desc.Enabled,
		})
	}
	return out, nil
}

// SyncCatalog persists every discovered module missing from the catalog.
func (m *ModuleManager) SyncCatalog(ctx context.Context) ([]*Module, error) {
	discovered, err := m.registry.Discover(ctx)
	if err != nil {
		return nil, boundaryError(err, "failed to discover modules")
	}

	out := make([]*Module, 0, len(discovered))
	for _, desc := range discovered {
		module, err := m.repos.Modules().FindOrCreate(ctx, m.repos.DB(), desc.Catalog())
		if err != nil {
			return nil, boundaryError(err, "failed to sync module "+desc.Name)
		}
		out = append(out, module)
	}
	return out, nil
}

// ResolveTenant finds a tenant by domain through the tenant directory.
func (m *ModuleManager) ResolveTenant(ctx context.Context, domain string) (Tenant, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return Tenant{}, NewValidationError("tenant domain is required")
	}
	if m.directory == nil {
		return Tenant{}, goerrors.New("tenant directory is not configured", goerrors.CategoryInternal).
			WithCode(goerrors.CodeInternal)
	}

	tenant, err := m.directory.FindByDomain(ctx, domain)
	if err != nil {
		return Tenant{}, boundaryError(err, "failed to resolve tenant "+domain)
	}
	return tenant, nil
}

// Delete removes a module from the catalog together with every tenant
// activation. Audit history stays, with one deleted entry per tenant.
func (m *ModuleManager) Delete(ctx context.Context, name string, opts ...OperationOption) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "context cancelled before deleting module")
	default:
	}

	options := m.buildOptions(opts...)
	if strings.TrimSpace(name) == "" {
		return NewValidationError("module name is required")
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	module, err := m.repos.Modules().FindByName(ctx, m.repos.DB(), name)
	if err != nil {
		return boundaryError(err, "failed to look up module "+name)
	}

	if module.IsCore && !options.force {
		return NewCoreModuleLockedError(name)
	}

	activations, err := m.repos.Activations().ListForModule(ctx, m.repos.DB(), module.ID)
	if err != nil {
		return boundaryError(err, "failed to list module tenants")
	}

	if len(activations) > 0 && !options.force {
		return NewModuleInUseError(name, len(activations))
	}

	now := m.now().UTC()
	err = m.repos.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := m.repos.Activations().DeleteForModule(ctx, tx, module.ID); err != nil {
			return err
		}
		if err := m.repos.Modules().Delete(ctx, tx, module.ID); err != nil {
			return err
		}
		for _, a := range activations {
			if _, err := m.repos.AuditLog().Record(ctx, tx, a.TenantID, name, ActionDeleted, now, options.actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("delete module %s failed: %v", name, err)
		return boundaryError(err, "failed to delete module "+name)
	}

	m.logger.Info("module %s deleted, detached from %d tenants", name, len(activations))

	for _, a := range activations {
		m.publish(ctx, ActionDeleted, Tenant{ID: a.TenantID}, module, options.actor, now)
	}

	if options.purgeFiles {
		remover, ok := m.registry.(fileRemover)
		if !ok {
			m.logger.Warn("registry cannot remove files for module %s", name)
			return nil
		}
		// the catalog change is committed; leftover files do not fail the delete
		if err := remover.RemoveFiles(name); err != nil {
			m.logger.Warn("module %s deleted but its files could not be removed: %v", name, err)
		}
	}

	return nil
}

// PurgeTenant removes every activation, audit entry and provisioning record
// of a tenant. It is the tenant deletion cascade.
func (m *ModuleManager) PurgeTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return NewValidationError("tenant is required")
	}

	err := m.repos.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := m.repos.Activations().DeleteForTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		if _, err := m.repos.AuditLog().PurgeTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		_, err := m.repos.Provisions().PurgeTenant(ctx, tx, tenantID)
		return err
	})
	return boundaryError(err, "failed to purge tenant "+tenantID)
}

func (m *ModuleManager) syncPermissions(ctx context.Context, tx bun.IDB, tenant Tenant, desc ModuleDescriptor) error {
	if m.synchronizer == nil {
		return nil
	}

	var users []User
	if m.directory != nil {
		var err error
		if users, err = m.directory.Users(ctx, tx, tenant.ID); err != nil {
			return err
		}
	}

	return m.synchronizer.Reconcile(ctx, tx, ReconcileRequest{
		Tenant: tenant,
		Module: desc.Name,
		Users:  users,
		Seed:   m.provisioner.DeclaredPermissions(desc),
	})
}

func (m *ModuleManager) runHooks(ctx context.Context, db bun.IDB, hooks []LifecycleHook, lc LifecycleContext) error {
	for _, hook := range hooks {
		if err := hook(ctx, db, lc); err != nil {
			return err
		}
	}
	return nil
}

func (m *ModuleManager) publish(ctx context.Context, action ModuleAction, tenant Tenant, module *Module, actor ActorRef, at time.Time) {
	if actor == (ActorRef{}) {
		actor = SystemActor()
	}
	m.publisher.Publish(ctx, ModuleStateEvent{
		Action:    action,
		Tenant:    tenant,
		Module:    module.Snapshot(),
		Actor:     actor,
		Timestamp: at,
	})
}

func (m *ModuleManager) buildOptions(opts ...OperationOption) *operationOptions {
	options := &operationOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	if options.actor == (ActorRef{}) {
		options.actor = SystemActor()
	}
	return options
}

func (m *ModuleManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func validateTarget(tenant Tenant, name string) error {
	meta := map[string]any{"tenant_id": tenant.ID, "module": name}
	if strings.TrimSpace(tenant.ID) == "" {
		return NewValidationError("tenant is required", meta)
	}
	if strings.TrimSpace(name) == "" {
		return NewValidationError("module name is required", meta)
	}
	return nil
}

package modules_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	modules "github.com/goliatone/go-tenant-modules"
)

type navEnv struct {
	*testEnv
	mgr *modules.ModuleManager
	bus *modules.EventBus
	nav *modules.NavigationComposer
}

func grantOnly(perms ...string) modules.PermissionChecker {
	return modules.PermissionCheckerFunc(func(_ context.Context, _, _ string, permission string) (bool, error) {
		for _, p := range perms {
			if p == permission {
				return true, nil
			}
		}
		return false, nil
	})
}

func setupNavigation(t *testing.T, checker modules.PermissionChecker, opts ...modules.NavigationOption) *navEnv {
	t.Helper()

	env := setupEnv(t)
	bus := modules.NewEventBus(modules.WithEventBusLogger(modules.NopLogger()))
	t.Cleanup(bus.Close)

	mgr := env.manager(modules.WithEventPublisher(bus))

	catalog := modules.NewCatalog("en")
	desc, err := env.registry.Lookup(context.Background(), "billing")
	require.NoError(t, err)
	require.Empty(t, catalog.AddDescriptor(desc))

	opts = append([]modules.NavigationOption{modules.WithNavigationLogger(modules.NopLogger())}, opts...)
	nav := modules.NewNavigationComposer(env.registry, mgr, checker, catalog, opts...)
	bus.Subscribe(nav.Subscriber())

	return &navEnv{testEnv: env, mgr: mgr, bus: bus, nav: nav}
}

func labels(nodes []modules.NavigationNode) []string {
	out := []string{}
	for _, n := range nodes {
		out = append(out, n.Label)
	}
	return out
}

func TestNavigationFollowsActivationOrder(t *testing.T) {
	env := setupNavigation(t, grantOnly("billing.view"))
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")
	req := modules.NavigationRequest{Tenant: acme, User: modules.User{ID: "u-1"}, Locale: "en"}

	tree, err := env.nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, tree)

	require.NoError(t, env.mgr.Enable(ctx, acme, "billing"))
	require.NoError(t, env.mgr.Enable(ctx, acme, "inventory"))

	tree, err = env.nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"Billing", "inventory.menu", "inventory.stock"}, labels(tree))
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "Invoices", tree[0].Children[0].Label)
	assert.Equal(t, "receipt", tree[0].Icon)
	assert.Equal(t, "circle", tree[1].Icon)

	require.NoError(t, env.mgr.Disable(ctx, acme, "billing"))

	tree, err = env.nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory.menu", "inventory.stock"}, labels(tree))
}

func TestNavigationColdLoadUsesActivationOrder(t *testing.T) {
	env := setupNavigation(t, grantOnly())
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")

	require.NoError(t, env.mgr.Enable(ctx, acme, "inventory"))
	require.NoError(t, env.mgr.Enable(ctx, acme, "billing"))

	fresh := modules.NewNavigationComposer(env.registry, env.mgr, grantOnly(), modules.NewCatalog("en"),
		modules.WithNavigationLogger(modules.NopLogger()))
	tree, err := fresh.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: acme, Locale: "en"})
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory.menu", "inventory.stock", "billing.menu"}, labels(tree))
}

func TestNavigationFiltersByPermission(t *testing.T) {
	env := setupNavigation(t, grantOnly("billing.view", "billing.manage"))
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")
	require.NoError(t, env.mgr.Enable(ctx, acme, "billing"))

	tree, err := env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: acme, User: modules.User{ID: "u-1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Billing", "billing.settings"}, labels(tree))

	// anonymous users only see nodes without a permission
	tree, err = env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: acme})
	require.NoError(t, err)
	assert.Equal(t, []string{"Billing"}, labels(tree))
	assert.Empty(t, tree[0].Children)
}

func TestNavigationCheckerErrorHidesNode(t *testing.T) {
	logger := &captureLogger{}
	checker := modules.PermissionCheckerFunc(func(context.Context, string, string, string) (bool, error) {
		return false, errors.New("permission backend down")
	})
	env := setupNavigation(t, checker, modules.WithNavigationLogger(logger))
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")
	require.NoError(t, env.mgr.Enable(ctx, acme, "billing"))

	tree, err := env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: acme, User: modules.User{ID: "u-1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Billing"}, labels(tree))
	assert.Equal(t, 2, logger.count("warn"))
}

func TestNavigationTranslatesLabels(t *testing.T) {
	env := setupNavigation(t, grantOnly("billing.view"))
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")
	require.NoError(t, env.mgr.Enable(ctx, acme, "billing"))

	tree, err := env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{
		Tenant: acme,
		User:   modules.User{ID: "u-1"},
		Locale: "es-MX",
	})
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, "Facturación", tree[0].Label)
	assert.Equal(t, "Invoices", tree[0].Children[0].Label)
}

func TestNavigationTenantsAreIsolated(t *testing.T) {
	env := setupNavigation(t, grantOnly())
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")
	globex := env.tenant(t, "globex", "globex.example.com")

	_, err := env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: globex})
	require.NoError(t, err)

	require.NoError(t, env.mgr.Enable(ctx, acme, "inventory"))

	tree, err := env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: globex})
	require.NoError(t, err)
	assert.Empty(t, tree)

	tree, err = env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: acme})
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory.menu", "inventory.stock"}, labels(tree))
}

func TestNavigationInvalidate(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")

	// events go to the capturing publisher, not the composer
	mgr := env.manager()
	nav := modules.NewNavigationComposer(env.registry, mgr, grantOnly(), nil,
		modules.WithNavigationLogger(modules.NopLogger()))
	req := modules.NavigationRequest{Tenant: acme}

	_, err := nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	require.NoError(t, mgr.Enable(ctx, acme, "inventory"))

	tree, err := nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, tree)

	nav.Invalidate(acme.ID)

	tree, err = nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory.menu", "inventory.stock"}, labels(tree))
}

// changingSource runs onLoad after each read of the enabled modules, the way
// a module event lands while a composer is still loading.
type changingSource struct {
	inner  modules.EnabledModuleSource
	onLoad func()

	mu    sync.Mutex
	loads int
}

func (s *changingSource) GetEnabledModules(ctx context.Context, tenant modules.Tenant) ([]string, error) {
	names, err := s.inner.GetEnabledModules(ctx, tenant)
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	if s.onLoad != nil {
		s.onLoad()
	}
	return names, err
}

func (s *changingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func TestNavigationEventDuringColdLoad(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")

	bus := modules.NewEventBus(modules.WithEventBusLogger(modules.NopLogger()))
	t.Cleanup(bus.Close)
	mgr := env.manager(modules.WithEventPublisher(bus))

	var once sync.Once
	source := &changingSource{inner: mgr}
	source.onLoad = func() {
		once.Do(func() {
			require.NoError(t, mgr.Enable(ctx, acme, "billing"))
		})
	}

	nav := modules.NewNavigationComposer(env.registry, source, grantOnly(), nil,
		modules.WithNavigationLogger(modules.NopLogger()))
	bus.Subscribe(nav.Subscriber())
	req := modules.NavigationRequest{Tenant: acme}

	tree, err := nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing.menu"}, labels(tree))
	assert.Equal(t, 2, source.count())

	tree, err = nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing.menu"}, labels(tree))
	assert.Equal(t, 2, source.count())
}

func TestNavigationUnsettledLoadIsNotCached(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")

	mgr := env.manager()
	require.NoError(t, mgr.Enable(ctx, acme, "inventory"))

	source := &changingSource{inner: mgr}
	nav := modules.NewNavigationComposer(env.registry, source, grantOnly(), nil,
		modules.WithNavigationLogger(modules.NopLogger()))
	source.onLoad = func() { nav.Invalidate(acme.ID) }
	req := modules.NavigationRequest{Tenant: acme}

	tree, err := nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory.menu", "inventory.stock"}, labels(tree))
	assert.Equal(t, 3, source.count())

	source.onLoad = nil
	_, err = nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 4, source.count())
}

func TestNavigationDefaultLocale(t *testing.T) {
	env := setupNavigation(t, grantOnly("billing.view"), modules.WithNavigationDefaultLocale("es"))
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")
	require.NoError(t, env.mgr.Enable(ctx, acme, "billing"))

	tree, err := env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: acme, User: modules.User{ID: "u-1"}})
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, "Facturación", tree[0].Label)

	tree, err = env.nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: acme, User: modules.User{ID: "u-1"}, Locale: "en"})
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, "Billing", tree[0].Label)
}

func TestNavigationWithoutCache(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	acme := env.tenant(t, "acme", "acme.example.com")

	mgr := env.manager()
	nav := modules.NewNavigationComposer(env.registry, mgr, grantOnly(), nil,
		modules.WithNavigationLogger(modules.NopLogger()),
		modules.WithNavigationCache(false, 0))
	req := modules.NavigationRequest{Tenant: acme}

	tree, err := nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, tree)

	require.NoError(t, mgr.Enable(ctx, acme, "inventory"))

	tree, err = nav.GetFlattenedTree(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory.menu", "inventory.stock"}, labels(tree))
}

func TestNavigationPublishesUpdates(t *testing.T) {
	env := setupEnv(t)
	logger := &captureLogger{}
	publisher := new(MockNavigationPublisher)
	nav := modules.NewNavigationComposer(env.registry, nil, grantOnly(), nil,
		modules.WithNavigationLogger(logger),
		modules.WithNavigationPublisher(publisher))

	publisher.On("PublishNavigation", mock.Anything, acme).Return(nil).Once()
	publisher.On("PublishNavigation", mock.Anything, acme).Return(errors.New("redis down")).Once()

	event := modules.ModuleStateEvent{
		Action: modules.ActionEnabled,
		Tenant: acme,
		Module: modules.ModuleSnapshot{Name: "inventory"},
	}
	require.NoError(t, nav.HandleModuleEvent(context.Background(), event))
	require.NoError(t, nav.HandleModuleEvent(context.Background(), event))

	publisher.AssertExpectations(t)
	assert.Equal(t, 1, logger.count("warn"))

	require.NoError(t, nav.HandleModuleEvent(context.Background(), modules.ModuleStateEvent{Action: modules.ActionEnabled}))
	publisher.AssertNumberOfCalls(t, "PublishNavigation", 2)
}

func TestNavigationEventForUnofferedModule(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	nav := modules.NewNavigationComposer(env.registry, nil, grantOnly(), nil,
		modules.WithNavigationLogger(modules.NopLogger()))

	_, err := nav.GetFlattenedTree(ctx, modules.NavigationRequest{Tenant: acme})
	require.NoError(t, err)

	err = nav.HandleModuleEvent(ctx, modules.ModuleStateEvent{
		Action: modules.ActionEnabled,
		Tenant: acme,
		Module: modules.ModuleSnapshot{Name: "retired"},
	})
	require.Error(t, err)
	assert.True(t, modules.IsNotFoundError(err))
}

func TestNavigationRequiresTenant(t *testing.T) {
	env := setupEnv(t)
	nav := modules.NewNavigationComposer(env.registry, nil, nil, nil)

	_, err := nav.GetFlattenedTree(context.Background(), modules.NavigationRequest{Locale: "en"})
	require.Error(t, err)
	assert.True(t, modules.IsValidationError(err))
}

func TestCanView(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	nav := modules.NewNavigationComposer(env.registry, nil, grantOnly("crm.view"), nil)

	open := modules.NavigationNode{Label: "crm.menu"}
	guarded := modules.NavigationNode{Label: "crm.contacts", Permission: "crm.view"}
	admin := modules.NavigationNode{Label: "crm.settings", Permission: "crm.manage"}
	user := modules.NavigationRequest{Tenant: acme, User: modules.User{ID: "u-1"}}

	assert.True(t, nav.CanView(ctx, modules.NavigationRequest{Tenant: acme}, open))
	assert.False(t, nav.CanView(ctx, modules.NavigationRequest{Tenant: acme}, guarded))
	assert.True(t, nav.CanView(ctx, user, guarded))
	assert.False(t, nav.CanView(ctx, user, admin))
}

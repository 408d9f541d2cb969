package modules

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// NavigationRequest carries the explicit context a menu is rendered for.
type NavigationRequest struct {
	Tenant Tenant
	User   User
	Locale string
}

// EnabledModuleSource lists a tenant's active modules in activation order.
type EnabledModuleSource interface {
	GetEnabledModules(ctx context.Context, tenant Tenant) ([]string, error)
}

// NavigationPublisher is told when a tenant's menu changed.
type NavigationPublisher interface {
	PublishNavigation(ctx context.Context, tenant Tenant) error
}

// NavigationOption customizes composer construction.
type NavigationOption func(*NavigationComposer)

// WithNavigationCache sets the per tenant cache policy. A disabled cache
// loads the registered set from storage on every request.
func WithNavigationCache(enabled bool, ttl time.Duration) NavigationOption {
	return func(n *NavigationComposer) {
		n.cacheEnabled = enabled
		if ttl > 0 {
			n.ttl = ttl
		}
	}
}

// WithNavigationLogger overrides the logger.
func WithNavigationLogger(logger Logger) NavigationOption {
	return func(n *NavigationComposer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithNavigationDefaultLocale sets the locale used for requests that carry
// none.
func WithNavigationDefaultLocale(locale string) NavigationOption {
	return func(n *NavigationComposer) {
		n.defaultLocale = locale
	}
}

// WithNavigationPublisher notifies the publisher after event driven changes.
func WithNavigationPublisher(p NavigationPublisher) NavigationOption {
	return func(n *NavigationComposer) {
		n.publisher = p
	}
}

// tenantNav is the registered set of one tenant, in registration order.
type tenantNav struct {
	mu    sync.RWMutex
	order []string
	trees map[string][]NavigationNode
}

func (t *tenantNav) register(name string, nodes []NavigationNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trees[name]; !ok {
		t.order = append(t.order, name)
	}
	t.trees[name] = cloneNodes(nodes)
}

func (t *tenantNav) unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trees[name]; !ok {
		return
	}
	delete(t.trees, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *tenantNav) snapshot() []NavigationNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []NavigationNode{}
	for _, name := range t.order {
		out = append(out, t.trees[name]...)
	}
	return out
}

// NavigationComposer builds tenant menus from the navigation declared by
// each active module. State is kept per tenant and changed only by module
// events, so a module enabled for one tenant never shows up for another.
type NavigationComposer struct {
	registry      ModuleRegistry
	modules       EnabledModuleSource
	checker       PermissionChecker
	translator    Translator
	publisher     NavigationPublisher
	logger        Logger
	cacheEnabled  bool
	ttl           time.Duration
	cache         *cache.Cache
	defaultLocale string

	// generations counts module events per tenant; a load that saw the
	// counter move is stale and never cached.
	mu          sync.Mutex
	generations map[string]uint64
}

const maxNavigationLoads = 3

// NewNavigationComposer wires a composer.
func NewNavigationComposer(registry ModuleRegistry, modules EnabledModuleSource, checker PermissionChecker, translator Translator, opts ...NavigationOption) *NavigationComposer {
	n := &NavigationComposer{
		registry:     registry,
		modules:      modules,
		checker:      checker,
		translator:   translator,
		logger:       newDefLogger(),
		cacheEnabled: true,
		ttl:          60 * time.Minute,
		generations:  map[string]uint64{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}

	n.cache = cache.New(n.ttl, 2*n.ttl)
	return n
}

// Subscriber returns the event subscriber that keeps tenant state current.
func (n *NavigationComposer) Subscriber() EventSubscriber {
	return EventSubscriberFunc(n.HandleModuleEvent)
}

// HandleModuleEvent implements EventSubscriber.
func (n *NavigationComposer) HandleModuleEvent(ctx context.Context, event ModuleStateEvent) error {
	if event.Tenant.ID == "" {
		return nil
	}

	if state, ok := n.advance(event.Tenant.ID); ok {
		switch event.Action {
		case ActionEnabled:
			desc, err := n.registry.Lookup(ctx, event.Module.Name)
			if err != nil {
				// not offered anymore; the next cold load decides
				n.Invalidate(event.Tenant.ID)
				return err
			}
			state.register(desc.Name, desc.Navigation)
		case ActionDisabled, ActionDeleted:
			state.unregister(event.Module.Name)
		default:
			n.Invalidate(event.Tenant.ID)
		}
	}

	if n.publisher != nil {
		if err := n.publisher.PublishNavigation(ctx, event.Tenant); err != nil {
			n.logger.Warn("navigation update for tenant %s not published: %v", describeTenant(event.Tenant), err)
		}
	}
	return nil
}

// Invalidate drops a tenant's cached state.
func (n *NavigationComposer) Invalidate(tenantID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.generations[tenantID]++
	n.cache.Delete(tenantID)
}

// GetFlattenedTree returns the tenant's menu: every registered module's tree
// concatenated in registration order, filtered for the user and translated.
func (n *NavigationComposer) GetFlattenedTree(ctx context.Context, req NavigationRequest) ([]NavigationNode, error) {
	if req.Tenant.ID == "" {
		return nil, NewValidationError("tenant is required")
	}

	if req.Locale == "" {
		req.Locale = n.defaultLocale
	}

	state, err := n.state(ctx, req.Tenant)
	if err != nil {
		return nil, err
	}

	return n.render(ctx, req, state.snapshot()), nil
}

// CanView is true when the node requires no permission or the user holds it.
func (n *NavigationComposer) CanView(ctx context.Context, req NavigationRequest, node NavigationNode) bool {
	if node.Permission == "" {
		return true
	}
	if n.checker == nil || req.User.ID == "" {
		return false
	}

	ok, err := n.checker.HasPermission(ctx, req.Tenant.ID, req.User.ID, node.Permission)
	if err != nil {
		n.logger.Warn("permission check %s for user %s failed: %v", node.Permission, req.User.ID, err)
		return false
	}
	return ok
}

func (n *NavigationComposer) render(ctx context.Context, req NavigationRequest, nodes []NavigationNode) []NavigationNode {
	out := make([]NavigationNode, 0, len(nodes))
	for _, node := range nodes {
		if !n.CanView(ctx, req, node) {
			continue
		}
		rendered := node
		rendered.Label = n.translate(req.Locale, node.Label)
		rendered.Children = nil
		if len(node.Children) > 0 {
			rendered.Children = n.render(ctx, req, node.Children)
		}
		out = append(out, rendered)
	}
	return out
}

func (n *NavigationComposer) translate(locale, key string) string {
	if n.translator == nil {
		return key
	}
	if msg := n.translator.Translate(locale, key); msg != "" {
		return msg
	}
	return key
}

func (n *NavigationComposer) cached(tenantID string) (*tenantNav, bool) {
	if !n.cacheEnabled {
		return nil, false
	}
	v, ok := n.cache.Get(tenantID)
	if !ok {
		return nil, false
	}
	state, ok := v.(*tenantNav)
	return state, ok
}

func (n *NavigationComposer) state(ctx context.Context, tenant Tenant) (*tenantNav, error) {
	if state, ok := n.cached(tenant.ID); ok {
		return state, nil
	}

	var state *tenantNav
	for attempt := 0; attempt < maxNavigationLoads; attempt++ {
		gen := n.generation(tenant.ID)

		loaded, err := n.load(ctx, tenant)
		if err != nil {
			return nil, err
		}
		state = loaded

		if n.store(tenant.ID, gen, state) {
			return state, nil
		}
		n.logger.Debug("navigation for tenant %s changed while loading", describeTenant(tenant))
	}
	return state, nil
}

// advance records a module event for the tenant and returns the cached state
// the event should be applied to, if any.
func (n *NavigationComposer) advance(tenantID string) (*tenantNav, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.generations[tenantID]++
	return n.cached(tenantID)
}

func (n *NavigationComposer) generation(tenantID string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generations[tenantID]
}

// store caches a loaded state unless an event arrived since gen was read.
func (n *NavigationComposer) store(tenantID string, gen uint64, state *tenantNav) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.generations[tenantID] != gen {
		return false
	}
	if n.cacheEnabled {
		n.cache.Set(tenantID, state, cache.DefaultExpiration)
	}
	return true
}

func (n *NavigationComposer) load(ctx context.Context, tenant Tenant) (*tenantNav, error) {
	state := &tenantNav{trees: map[string][]NavigationNode{}}

	if n.modules == nil {
		return state, nil
	}

	names, err := n.modules.GetEnabledModules(ctx, tenant)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		desc, err := n.registry.Lookup(ctx, name)
		if err != nil {
			if IsNotFoundError(err) {
				n.logger.Debug("module %s active for tenant %s but not offered", name, describeTenant(tenant))
				continue
			}
			return nil, err
		}
		state.register(desc.Name, desc.Navigation)
	}
	return state, nil
}

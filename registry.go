package modules

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
)

// Registry discovers module descriptors and holds the static handler table.
//
// Discover results are cached until Refresh is called. Staleness is bounded
// by how often the caller refreshes, never by a file watcher.
type Registry struct {
	mu          sync.RWMutex
	fsys        fs.FS
	dir         string
	logger      Logger
	loaded      bool
	descriptors map[string]ModuleDescriptor
	static      map[string]ModuleDescriptor
	handlers    map[string]ModuleHandler
}

// RegistryOption customizes registry construction.
type RegistryOption func(*Registry)

// WithRegistryFS reads descriptors from the given filesystem instead of disk.
func WithRegistryFS(fsys fs.FS) RegistryOption {
	return func(r *Registry) {
		if fsys != nil {
			r.fsys = fsys
		}
	}
}

// WithRegistryLogger overrides the logger used for descriptor warnings.
func WithRegistryLogger(logger Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithModuleHandler registers a handler at construction time.
func WithModuleHandler(name string, handler ModuleHandler) RegistryOption {
	return func(r *Registry) {
		r.RegisterHandler(name, handler)
	}
}

// NewRegistry returns a registry rooted at dir. An empty dir with no
// filesystem option yields a registry that only knows static descriptors.
func NewRegistry(dir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:         dir,
		logger:      newDefLogger(),
		descriptors: map[string]ModuleDescriptor{},
		static:      map[string]ModuleDescriptor{},
		handlers:    map[string]ModuleHandler{},
	}

	if dir != "" {
		r.fsys = os.DirFS(dir)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

// Discover returns every module whose kill switch is on, keyed by name.
func (r *Registry) Discover(ctx context.Context) (map[string]ModuleDescriptor, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ModuleDescriptor, len(r.descriptors))
	for name, desc := range r.descriptors {
		if desc.Enabled {
			out[name] = desc
		}
	}
	return out, nil
}

// All returns every known descriptor, including kill switched ones, sorted by name.
func (r *Registry) All(ctx context.Context) ([]ModuleDescriptor, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModuleDescriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup returns the descriptor of an offered module. A missing descriptor
// and a kill switched module both report NotFound.
func (r *Registry) Lookup(ctx context.Context, name string) (ModuleDescriptor, error) {
	desc, ok, err := r.Descriptor(ctx, name)
	if err != nil {
		return ModuleDescriptor{}, err
	}
	if !ok || !desc.Enabled {
		return ModuleDescriptor{}, NewModuleNotFoundError(name)
	}
	return desc, nil
}

// Descriptor returns a descriptor regardless of its kill switch.
func (r *Registry) Descriptor(ctx context.Context, name string) (ModuleDescriptor, bool, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return ModuleDescriptor{}, false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[name]
	return desc, ok, nil
}

// Refresh drops the cached scan and reads the filesystem again.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.loaded = false
	r.mu.Unlock()
	return r.ensureLoaded(ctx)
}

// Register adds a descriptor that does not live on disk. Static descriptors
// survive Refresh and win over a scanned descriptor with the same name.
func (r *Registry) Register(desc ModuleDescriptor) error {
	if err := desc.normalize(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.static[desc.Name] = desc
	r.descriptors[desc.Name] = desc
	return nil
}

// RegisterHandler binds a module name to its handler.
func (r *Registry) RegisterHandler(name string, handler ModuleHandler) {
	if name == "" || handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Handler returns the registered handler for a module, if any.
func (r *Registry) Handler(name string) (ModuleHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Migrations lists the SQL files shipped under <module>/migrations in
// lexical order.
func (r *Registry) Migrations(name string) ([]Migration, error) {
	r.mu.RLock()
	fsys := r.fsys
	desc, ok := r.descriptors[name]
	r.mu.RUnlock()

	if fsys == nil || !ok || desc.Dir == "" {
		return nil, nil
	}

	files, err := fs.Glob(fsys, path.Join(desc.Dir, "migrations", "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	out := make([]Migration, 0, len(files))
	for _, file := range files {
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		out = append(out, SQLMigration(path.Base(file), string(data)))
	}
	return out, nil
}

// RemoveFiles deletes the module source tree from disk and forgets the
// descriptor. Only registries rooted at a directory can remove files.
func (r *Registry) RemoveFiles(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.descriptors[name]
	if !ok {
		return NewModuleNotFoundError(name)
	}

	delete(r.descriptors, name)
	delete(r.static, name)

	if r.dir == "" || desc.Dir == "" {
		return nil
	}

	target := filepath.Join(r.dir, filepath.FromSlash(desc.Dir))
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	r.logger.Info("removed module files for %s at %s", name, target)
	return nil
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	scanned, err := r.scan(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, desc := range r.static {
		scanned[name] = desc
	}
	r.descriptors = scanned
	r.loaded = true
	return nil
}

func (r *Registry) scan(ctx context.Context) (map[string]ModuleDescriptor, error) {
	out := map[string]ModuleDescriptor{}
	if r.fsys == nil {
		return out, nil
	}

	entries, err := fs.ReadDir(r.fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("module root %q does not exist", r.dir)
			return out, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !entry.IsDir() {
			continue
		}

		name := entry.Name()
		data, err := fs.ReadFile(r.fsys, path.Join(name, DescriptorFile))
		if err != nil {
			r.logger.Warn("module %s skipped: %v", name, err)
			continue
		}

		desc, err := ParseDescriptor(data, name)
		if err != nil {
			r.logger.Warn("module %s skipped, malformed descriptor: %v", name, err)
			continue
		}

		out[desc.Name] = desc
	}

	return out, nil
}

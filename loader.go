package modi

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/junioryono/modi/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// LoadedModule describes a module loaded at runtime.
type LoadedModule struct {
	Name        string
	Module      string
	LoadedAt    time.Time
	Providers   int
	Controllers int

	// Modules lists the modules registered by the load, imports first.
	// Modules that were already registered are shared and not listed.
	Modules []string
}

type loadedEntry struct {
	info    LoadedModule
	ref     ModuleRef
	records []*moduleRecord
}

// Loader loads and unloads modules into a running container under logical
// names, and optionally reloads them when watched files change.
type Loader struct {
	c      *Container
	logger *zap.Logger

	// opMu serializes load, unload and reload operations.
	opMu   sync.Mutex
	mu     sync.RWMutex
	loaded map[string]*loadedEntry

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	wg       sync.WaitGroup
	paths    map[string][]string
	timers   map[string]*time.Timer
	debounce time.Duration
}

// NewLoader creates a loader for c.
func NewLoader(c *Container) *Loader {
	return &Loader{
		c:        c,
		logger:   c.logger.Named("loader"),
		loaded:   make(map[string]*loadedEntry),
		paths:    make(map[string][]string),
		timers:   make(map[string]*time.Timer),
		debounce: c.opts.watchDebounce,
	}
}

// LoadModule registers ref and its imports under name. Modules already
// registered in the container are shared, not owned by the load. If the
// container's init or bootstrap phases already started, they are run for
// the new modules.
func (l *Loader) LoadModule(ctx context.Context, ref ModuleRef, name string) (*LoadedModule, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	l.opMu.Lock()
	info, err := l.load(ctx, ref, name)
	l.opMu.Unlock()
	if err != nil {
		return nil, err
	}

	_ = l.c.bus.Emit(ctx, events.ModuleLoaded, l.event(info))
	return info, nil
}

func (l *Loader) load(ctx context.Context, ref ModuleRef, name string) (info *LoadedModule, err error) {
	if name == "" {
		return nil, ModuleError{Module: name, Cause: errors.New("loaded module name cannot be empty")}
	}

	l.mu.RLock()
	_, exists := l.loaded[name]
	l.mu.RUnlock()
	if exists {
		return nil, DuplicateModuleError{Name: name}
	}

	ctx, span := l.c.tracer.Start(ctx, "modi.LoadModule",
		trace.WithAttributes(attribute.String("modi.module", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	root, added, err := l.c.registerModule(ctx, ref, name)
	if err != nil {
		return nil, err
	}

	if err := l.c.catchUp(ctx, added); err != nil {
		l.c.unregisterModules(added)
		return nil, ModuleError{Module: root.name, Cause: err}
	}

	entry := &loadedEntry{
		info: LoadedModule{
			Name:     name,
			Module:   root.name,
			LoadedAt: time.Now(),
		},
		ref:     ref,
		records: added,
	}
	for _, rec := range added {
		entry.info.Modules = append(entry.info.Modules, rec.name)
		entry.info.Providers += len(rec.providers)
		entry.info.Controllers += len(rec.controllers)
	}

	l.mu.Lock()
	l.loaded[name] = entry
	l.mu.Unlock()

	l.c.metrics.ModuleLoaded()
	l.logger.Info("module loaded",
		zap.String("name", name),
		zap.String("module", root.name),
		zap.Int("providers", entry.info.Providers),
		zap.Int("controllers", entry.info.Controllers),
	)

	out := entry.info
	return &out, nil
}

// UnloadModule removes the providers registered by the load named name.
// Instances already resolved stay usable by their holders; no lifecycle
// hooks are run.
func (l *Loader) UnloadModule(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l.opMu.Lock()
	info, err := l.unload(name)
	l.opMu.Unlock()
	if err != nil {
		return err
	}

	_ = l.c.bus.Emit(ctx, events.ModuleUnloaded, l.event(info))
	return nil
}

func (l *Loader) unload(name string) (*LoadedModule, error) {
	l.mu.Lock()
	entry, ok := l.loaded[name]
	if ok {
		delete(l.loaded, name)
	}
	l.mu.Unlock()

	if !ok {
		return nil, ModuleNotFoundError{Name: name}
	}

	removed := l.c.unregisterModules(entry.records)

	l.c.metrics.ModuleUnloaded()
	l.logger.Info("module unloaded",
		zap.String("name", name),
		zap.Int("providers_removed", removed),
	)

	return &entry.info, nil
}

// ReloadModule unloads name and loads its module again under the same name.
// ForwardRefs in the module reference are evaluated again. If the new load
// fails the module stays unloaded and a module.unloaded event is emitted.
func (l *Loader) ReloadModule(ctx context.Context, name string) (*LoadedModule, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	l.opMu.Lock()
	l.mu.RLock()
	entry, ok := l.loaded[name]
	l.mu.RUnlock()
	if !ok {
		l.opMu.Unlock()
		return nil, ModuleNotFoundError{Name: name}
	}

	old, err := l.unload(name)
	if err != nil {
		l.opMu.Unlock()
		return nil, err
	}
	info, err := l.load(ctx, entry.ref, name)
	l.opMu.Unlock()
	if err != nil {
		l.logger.Warn("module reload failed, module left unloaded",
			zap.String("name", name),
			zap.Error(err),
		)
		_ = l.c.bus.Emit(ctx, events.ModuleUnloaded, l.event(old))
		return nil, err
	}

	_ = l.c.bus.Emit(ctx, events.ModuleReloaded, l.event(info))
	return info, nil
}

// Loaded returns the loaded modules sorted by name.
func (l *Loader) Loaded() []LoadedModule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LoadedModule, 0, len(l.loaded))
	for _, e := range l.loaded {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b LoadedModule) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Get returns the module loaded under name.
func (l *Loader) Get(name string) (LoadedModule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.loaded[name]
	if !ok {
		return LoadedModule{}, false
	}
	return e.info, true
}

// IsLoaded reports whether name is loaded.
func (l *Loader) IsLoaded(name string) bool {
	_, ok := l.Get(name)
	return ok
}

func (l *Loader) event(info *LoadedModule) ModuleEvent {
	return ModuleEvent{
		Name:        info.Name,
		Module:      info.Module,
		Providers:   info.Providers,
		Controllers: info.Controllers,
	}
}

// Close stops hot reloading.
func (l *Loader) Close() error {
	return l.DisableHotReload()
}

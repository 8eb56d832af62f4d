package modi

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/junioryono/modi/events"
	"github.com/junioryono/modi/internal/logging"
	"github.com/junioryono/modi/internal/metrics"
	"github.com/junioryono/modi/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/junioryono/modi"

// Container is the dependency injection container. It holds the provider
// registry, the registered module graph and the singleton cache. A
// Container is safe for concurrent use.
type Container struct {
	id   string
	opts *options

	logger  *zap.Logger
	bus     *events.Bus
	metrics *metrics.Recorder
	tracer  trace.Tracer

	providers *registry.Registry[Token, *binding]

	mu      sync.RWMutex
	visited map[any]*moduleRecord
	modules []*moduleRecord

	singletons *instanceCache
	waits      *waitGraph
	chains     atomic.Uint64

	hooksMu sync.Mutex
	phases  map[Phase]bool
	hooked  map[Phase]map[any]bool

	resolutions atomic.Int64
	cacheHits   atomic.Int64
}

// binding is a registered provider and the module that declared it. The
// module is nil for providers registered directly on the container.
type binding struct {
	provider *Provider
	module   *moduleRecord
}

func (b *binding) moduleName() string {
	if b.module == nil {
		return "<container>"
	}
	return b.module.name
}

// moduleRecord is a module registered in the container.
type moduleRecord struct {
	id          any
	name        string
	kind        ModuleKind
	imports     []*moduleRecord
	providers   []*Provider
	controllers []*Provider
	exports     []Token

	// owner is the loader name that registered the module, empty for
	// modules registered with RegisterModule.
	owner string
}

// NewContainer creates an empty container.
func NewContainer(opts ...Option) (*Container, error) {
	return newContainer(buildOptions(opts))
}

func newContainer(o *options) (*Container, error) {
	logger := o.logger
	if logger == nil {
		if o.logLevel != "" {
			l, err := logging.New(o.logLevel, o.logFormat)
			if err != nil {
				return nil, err
			}
			logger = l
		} else {
			logger = zap.NewNop()
		}
	}

	var rec *metrics.Recorder
	if o.metricsEnabled {
		r, err := metrics.New(o.metricsNamespace)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		rec = r
	}

	bus := o.bus
	if bus == nil {
		busOpts := []events.Option{
			events.WithLogger(logger.Named("events")),
			events.WithHistorySize(o.historySize),
		}
		if rec != nil {
			busOpts = append(busOpts, events.WithObserver(rec))
		}
		bus = events.NewBus(busOpts...)
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	c := &Container{
		id:         uuid.NewString(),
		opts:       o,
		logger:     logger.Named("container"),
		bus:        bus,
		metrics:    rec,
		tracer:     tp.Tracer(instrumentationName),
		providers:  registry.New[Token, *binding](),
		visited:    make(map[any]*moduleRecord),
		singletons: newInstanceCache(),
		waits:      newWaitGraph(),
		phases:     make(map[Phase]bool),
		hooked:     make(map[Phase]map[any]bool),
	}

	return c, nil
}

// ID returns the container's unique id.
func (c *Container) ID() string {
	return c.id
}

// Events returns the container's event bus.
func (c *Container) Events() *events.Bus {
	return c.bus
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// RegisterProvider registers p directly on the container, outside any
// module. An existing registration for the same token is replaced.
func (c *Container) RegisterProvider(p *Provider) error {
	if p == nil {
		return ProviderError{Cause: fmt.Errorf("provider is nil")}
	}
	if err := p.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.bindLocked(p, nil)
	return nil
}

// bindLocked registers p. Registering a token twice keeps the last
// definition and evicts any instance cached for the previous one.
func (c *Container) bindLocked(p *Provider, rec *moduleRecord) {
	b := &binding{provider: p, module: rec}

	prev, replaced := c.providers.Register(p.token, b)
	if !replaced {
		return
	}

	c.singletons.remove(p.token)
	c.logger.Warn("provider overwritten",
		zap.Stringer("token", p.token),
		zap.String("previous_module", prev.moduleName()),
		zap.String("module", b.moduleName()),
	)
}

// Lookup returns the provider registered for token.
func (c *Container) Lookup(token Token) (*Provider, error) {
	b, ok := c.providers.Lookup(token)
	if !ok {
		return nil, ProviderNotFoundError{Token: token}
	}
	return b.provider, nil
}

// Has reports whether token has a registered provider.
func (c *Container) Has(token Token) bool {
	return c.providers.Has(token)
}

// Tokens returns every registered token in registration order.
func (c *Container) Tokens() []Token {
	return c.providers.Keys()
}

// RegisterModule registers root and, depth first, every module it imports.
// Imports are registered before the importing module's own providers, and a
// module reachable through several parents is registered once. Registering
// an already registered module is a no-op. Nothing is registered if any
// module or provider in the graph is invalid.
func (c *Container) RegisterModule(ctx context.Context, root ModuleRef) error {
	_, _, err := c.registerModule(ctx, root, "")
	return err
}

func (c *Container) registerModule(ctx context.Context, root ModuleRef, owner string) (*moduleRecord, []*moduleRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()

	pending := make(map[any]*moduleRecord)
	var added []*moduleRecord

	var visit func(ref ModuleRef, parent string) (*moduleRecord, error)
	visit = func(ref ModuleRef, parent string) (*moduleRecord, error) {
		meta, err := normalize(ref)
		if err != nil {
			return nil, ModuleError{Module: parent, Cause: err}
		}

		if rec, ok := c.visited[meta.id]; ok {
			return rec, nil
		}
		if rec, ok := pending[meta.id]; ok {
			return rec, nil
		}

		rec := &moduleRecord{
			id:      meta.id,
			name:    meta.displayName(),
			kind:    meta.kind,
			exports: meta.exports,
			owner:   owner,
		}
		pending[meta.id] = rec

		for _, imp := range meta.imports {
			child, err := visit(imp, rec.name)
			if err != nil {
				return nil, err
			}
			rec.imports = append(rec.imports, child)
		}

		for _, p := range meta.providers {
			if err := checkProvider(p); err != nil {
				return nil, ModuleError{Module: rec.name, Cause: err}
			}
			rec.providers = append(rec.providers, p)
		}
		for _, p := range meta.controllers {
			if err := checkProvider(p); err != nil {
				return nil, ModuleError{Module: rec.name, Cause: err}
			}
			rec.controllers = append(rec.controllers, p)
		}

		added = append(added, rec)
		return rec, nil
	}

	rootRec, err := visit(root, "<root>")
	if err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}

	for _, rec := range added {
		c.visited[rec.id] = rec
		c.modules = append(c.modules, rec)
		for _, p := range rec.providers {
			c.bindLocked(p, rec)
		}
		for _, p := range rec.controllers {
			c.bindLocked(p, rec)
		}
	}

	c.mu.Unlock()

	for _, rec := range added {
		c.logger.Debug("module registered",
			zap.String("module", rec.name),
			zap.Int("providers", len(rec.providers)),
			zap.Int("controllers", len(rec.controllers)),
		)
		_ = c.bus.Emit(ctx, events.ModuleRegistered, ModuleEvent{
			Module:      rec.name,
			Providers:   len(rec.providers),
			Controllers: len(rec.controllers),
		})
	}

	return rootRec, added, nil
}

func checkProvider(p *Provider) error {
	if p == nil {
		return ProviderError{Cause: fmt.Errorf("provider is nil")}
	}
	return p.Err()
}

// unregisterModules removes recs and the providers they still own. Cached
// singletons of removed providers are evicted; instances already handed out
// stay usable by their holders.
func (c *Container) unregisterModules(recs []*moduleRecord) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]

		delete(c.visited, rec.id)
		c.modules = slices.DeleteFunc(c.modules, func(m *moduleRecord) bool { return m == rec })

		owned := func(b *binding) bool { return b.module == rec }
		for _, p := range slices.Concat(rec.providers, rec.controllers) {
			if c.providers.RemoveIf(p.token, owned) {
				c.singletons.remove(p.token)
				removed++
			}
		}
	}

	return removed
}

// record returns the registered module for ref.
func (c *Container) record(ref ModuleRef) (*moduleRecord, error) {
	meta, err := normalize(ref)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.visited[meta.id]
	if !ok {
		return nil, ModuleError{Module: meta.displayName(), Cause: ErrModuleNotFound}
	}
	return rec, nil
}

// reachable returns the modules reachable from roots, imports first, each
// once. With no roots every registered module is returned in registration
// order.
func (c *Container) reachable(roots []*moduleRecord) []*moduleRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(roots) == 0 {
		return slices.Clone(c.modules)
	}

	seen := make(map[*moduleRecord]bool)
	var out []*moduleRecord

	var walk func(rec *moduleRecord)
	walk = func(rec *moduleRecord) {
		if seen[rec] {
			return
		}
		seen[rec] = true
		for _, imp := range rec.imports {
			walk(imp)
		}
		out = append(out, rec)
	}

	for _, r := range roots {
		walk(r)
	}
	return out
}

func (c *Container) records(refs []ModuleRef) ([]*moduleRecord, error) {
	recs := make([]*moduleRecord, 0, len(refs))
	for _, ref := range refs {
		rec, err := c.record(ref)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// GetControllers returns the controller tokens declared by root and every
// module it imports, imports first, without duplicates.
func (c *Container) GetControllers(root ModuleRef) ([]Token, error) {
	rec, err := c.record(root)
	if err != nil {
		return nil, err
	}

	seen := make(map[Token]bool)
	var tokens []Token
	for _, m := range c.reachable([]*moduleRecord{rec}) {
		for _, p := range m.controllers {
			if !seen[p.token] {
				seen[p.token] = true
				tokens = append(tokens, p.token)
			}
		}
	}

	return tokens, nil
}

// ResolveControllers resolves every controller returned by GetControllers.
func (c *Container) ResolveControllers(ctx context.Context, root ModuleRef) ([]any, error) {
	tokens, err := c.GetControllers(root)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(tokens))
	for _, t := range tokens {
		v, err := c.Resolve(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Modules returns the names of registered modules in registration order.
func (c *Container) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.modules))
	for i, m := range c.modules {
		names[i] = m.name
	}
	return names
}

// IsRegistered reports whether the module referenced by ref is registered.
func (c *Container) IsRegistered(ref ModuleRef) bool {
	_, err := c.record(ref)
	return err == nil
}

// Stats is a snapshot of container statistics.
type Stats struct {
	Modules     int
	Providers   int
	Singletons  int
	Resolutions int64
	CacheHits   int64
}

// Snapshot returns current container statistics.
func (c *Container) Snapshot() Stats {
	c.mu.RLock()
	modules := len(c.modules)
	c.mu.RUnlock()

	return Stats{
		Modules:     modules,
		Providers:   c.providers.Len(),
		Singletons:  c.singletons.len(),
		Resolutions: c.resolutions.Load(),
		CacheHits:   c.cacheHits.Load(),
	}
}

// ModuleEvent is the payload of module events.
type ModuleEvent struct {
	Name        string // loader name, empty for static registration
	Module      string
	Providers   int
	Controllers int
}

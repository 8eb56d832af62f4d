package modi

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/junioryono/modi/events"
	"github.com/junioryono/modi/internal/reflection"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// frame is the resolution state of one call chain. It travels in the
// context so that constructors and factories resolving further tokens with
// the context they were given continue the same chain.
type frame struct {
	container *Container
	chain     uint64

	// path holds the tokens being constructed, outermost first.
	path []Token

	// owner is the innermost token on path whose instance is cached.
	// Instances built below it through transient providers live as long as
	// the owner does.
	owner      Token
	ownerScope Scope
	owned      bool
}

type frameKey struct{}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

func withFrame(ctx context.Context, f *frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

// detach returns ctx without resolution state, for work that must start its
// own chains such as lifecycle hooks and event handlers.
func detach(ctx context.Context) context.Context {
	if frameFrom(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, frameKey{}, (*frame)(nil))
}

func (f *frame) contains(t Token) bool {
	return slices.Contains(f.path, t)
}

func (f *frame) requester() Token {
	if len(f.path) == 0 {
		return Token{}
	}
	return f.path[len(f.path)-1]
}

func (f *frame) push(t Token, s Scope) *frame {
	nf := *f
	nf.path = append(slices.Clip(f.path), t)
	if s != Transient {
		nf.owner, nf.ownerScope, nf.owned = t, s, true
	}
	return &nf
}

func (f *frame) branch(chain uint64) *frame {
	nf := *f
	nf.chain = chain
	return &nf
}

// holders returns the tokens on f's path that will hold t's placeholder:
// those constructed after t on this chain, or the whole path when t is
// constructed by another chain.
func (f *frame) holders(t Token) []Token {
	if i := slices.Index(f.path, t); i >= 0 {
		return slices.Clone(f.path[i+1:])
	}
	return slices.Clone(f.path)
}

func (f *frame) cyclePath(t Token) []Token {
	start := slices.Index(f.path, t)
	if start < 0 {
		return append(slices.Clone(f.path), t)
	}
	return append(slices.Clone(f.path[start:]), t)
}

func (c *Container) frameFor(ctx context.Context) *frame {
	if f := frameFrom(ctx); f != nil && f.container == c {
		return f
	}
	return &frame{container: c, chain: c.chains.Add(1)}
}

// Resolve returns the instance bound to token, constructing it and its
// dependencies as needed.
//
// Singletons are constructed once; concurrent callers wait for the same
// construction. Class providers taking part in a dependency cycle receive a
// placeholder of the peer that is filled in place once the peer is
// constructed, so peers must not call each other from their constructors.
// Cycles that cannot be broken this way fail with CircularDependencyError.
func (c *Container) Resolve(ctx context.Context, token Token) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.resolve(ctx, c.frameFor(ctx), token)
}

func (c *Container) resolve(ctx context.Context, f *frame, t Token) (any, error) {
	if len(f.path) >= c.opts.maxDepth {
		return nil, MaxDepthError{Token: t, Depth: c.opts.maxDepth}
	}

	b, ok := c.providers.Lookup(t)
	if !ok {
		return nil, ProviderNotFoundError{Token: t, RequiredBy: f.requester()}
	}
	p := b.provider

	if p.kind == ValueProvider {
		return p.value, nil
	}

	if f.owned && f.ownerScope == Singleton && p.scope == Request {
		return nil, ScopeConflictError{
			Token:           f.owner,
			Scope:           f.ownerScope,
			Dependency:      t,
			DependencyScope: p.scope,
		}
	}

	switch p.scope {
	case Transient:
		if f.contains(t) {
			return nil, CircularDependencyError{Path: f.cyclePath(t)}
		}
		v, d, err := c.construct(ctx, f, b)
		c.report(ctx, f, b.provider, d, err)
		return v, err

	case Request:
		rs, ok := RequestScopeFrom(ctx)
		if !ok {
			return nil, ResolutionError{Token: t, Cause: ErrNoRequestScope}
		}
		if rs.Ended() {
			return nil, ResolutionError{Token: t, Cause: ErrRequestScopeEnded}
		}
		return c.resolveCached(ctx, f, b, rs.cache)

	default:
		return c.resolveCached(ctx, f, b, c.singletons)
	}
}

func (c *Container) resolveCached(ctx context.Context, f *frame, b *binding, cache *instanceCache) (any, error) {
	t := b.provider.token

	cache.mu.Lock()
	if e, ok := cache.entries[t]; ok {
		if e.completed() {
			cache.mu.Unlock()
			c.cacheHit()
			return e.value, nil
		}

		// Re-entrant resolution on this chain, or waiting would deadlock.
		if f.contains(t) || !c.waits.tryWait(f.chain, e.owner) {
			defer cache.mu.Unlock()
			if e.placeholder.IsValid() {
				e.placeholderUsed = true
				e.holders = append(e.holders, f.holders(t)...)
				return e.placeholder.Interface(), nil
			}
			return nil, CircularDependencyError{Path: f.cyclePath(t)}
		}
		cache.mu.Unlock()

		defer c.waits.unlink(f.chain, e.owner)
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if e.err != nil {
			return nil, e.err
		}
		c.cacheHit()
		return e.value, nil
	}

	e := &entry{
		done:    make(chan struct{}),
		owner:   f.chain,
		binding: b,
	}
	if b.provider.kind == ClassProvider {
		e.placeholder = reflect.New(b.provider.info.Result.Elem())
	}
	cache.entries[t] = e
	cache.mu.Unlock()

	value, d, err := c.construct(ctx, f, b)

	cache.mu.Lock()
	if err == nil && e.invalid != nil {
		err = ResolutionError{Token: t, Cause: e.invalid}
	}
	if err != nil {
		if cache.entries[t] == e {
			delete(cache.entries, t)
		}
		e.err = err
	} else {
		if e.placeholderUsed {
			e.placeholder.Elem().Set(reflect.ValueOf(value).Elem())
			value = e.placeholder.Interface()
		}
		e.value = value
	}
	close(e.done)
	holders := e.holders
	cache.mu.Unlock()

	if err != nil && len(holders) > 0 {
		c.invalidate(ctx, holders, err)
	}

	c.report(ctx, f, b.provider, d, err)

	if err == nil && cache == c.singletons {
		c.replayHooks(ctx, f, b, e)
	}

	return value, err
}

// invalidate evicts the cached instances that were handed the placeholder
// of a class provider whose construction failed. Instances still being
// constructed fail with cause once they complete.
func (c *Container) invalidate(ctx context.Context, holders []Token, cause error) {
	caches := []*instanceCache{c.singletons}
	if rs, ok := RequestScopeFrom(ctx); ok {
		caches = append(caches, rs.cache)
	}

	for _, t := range holders {
		for _, cache := range caches {
			cache.mu.Lock()
			if e, ok := cache.entries[t]; ok {
				if e.completed() {
					delete(cache.entries, t)
				} else if e.invalid == nil {
					e.invalid = cause
				}
			}
			cache.mu.Unlock()
		}

		c.logger.Debug("instance evicted after failed cycle peer",
			zap.Stringer("token", t),
			zap.Error(cause),
		)
	}
}

// construct invokes the provider's constructor with its resolved
// dependencies.
func (c *Container) construct(ctx context.Context, f *frame, b *binding) (any, time.Duration, error) {
	p := b.provider
	t := p.token
	nf := f.push(t, p.scope)

	start := time.Now()

	args, err := c.resolveDependencies(ctx, nf, p)
	if err == nil {
		var v any
		v, err = reflection.Call(withFrame(ctx, nf), p.info, p.fn, args)
		if err == nil {
			if p.kind == ClassProvider && reflect.ValueOf(v).IsNil() {
				err = ErrNilInstance
			} else {
				return v, time.Since(start), nil
			}
		}

		var pe *reflection.PanicError
		if errors.As(err, &pe) {
			err = ConstructorPanicError{Constructor: p.info.Type, Panic: pe.Value, Stack: pe.Stack}
		}
	}

	return nil, time.Since(start), ResolutionError{Token: t, Cause: err}
}

func (c *Container) resolveDependencies(ctx context.Context, f *frame, p *Provider) ([]any, error) {
	deps := p.Dependencies()
	if len(deps) == 0 {
		return nil, nil
	}

	args := make([]any, len(deps))

	if p.kind != FactoryProvider || len(deps) == 1 {
		for i, dep := range deps {
			v, err := c.resolve(ctx, f, dep)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return args, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, dep := range deps {
		child := c.chains.Add(1)
		c.waits.link(f.chain, child)
		bf := f.branch(child)

		g.Go(func() error {
			defer c.waits.unlink(f.chain, child)

			v, err := c.resolve(withFrame(gctx, bf), bf, dep)
			if err != nil {
				return err
			}
			args[i] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return args, nil
}

func (c *Container) cacheHit() {
	c.cacheHits.Add(1)
	c.metrics.CacheHit()
}

// ProviderEvent is the payload of provider events.
type ProviderEvent struct {
	Token    Token
	Scope    Scope
	Duration time.Duration
	Err      error
}

// report records a finished construction and emits its provider event.
// Subscribers run on a chain linked to f's chain, so a subscriber resolving
// something f is still constructing fails instead of waiting on it.
func (c *Container) report(ctx context.Context, f *frame, p *Provider, d time.Duration, err error) {
	c.metrics.ObserveResolution(p.scope.String(), d, err)

	name, ev := events.ProviderResolved, ProviderEvent{Token: p.token, Scope: p.scope, Duration: d}
	if err != nil {
		name, ev.Err = events.ProviderFailed, err
		c.logger.Debug("provider construction failed",
			zap.Stringer("token", p.token),
			zap.Error(err),
		)
	} else {
		c.resolutions.Add(1)
		c.logger.Debug("provider constructed",
			zap.Stringer("token", p.token),
			zap.Stringer("scope", p.scope),
			zap.Duration("duration", d),
		)
	}

	child := c.chains.Add(1)
	c.waits.link(f.chain, child)
	defer c.waits.unlink(f.chain, child)

	_ = c.bus.Emit(withFrame(ctx, &frame{container: c, chain: child}), name, ev)
}

// Resolve returns the instance bound to TypeOf[T]().
func Resolve[T any](ctx context.Context, c *Container) (T, error) {
	return ResolveToken[T](ctx, c, TypeOf[T]())
}

// ResolveNamed returns the instance bound to Named(name) as a T.
func ResolveNamed[T any](ctx context.Context, c *Container, name string) (T, error) {
	return ResolveToken[T](ctx, c, Named(name))
}

// ResolveToken returns the instance bound to token as a T.
func ResolveToken[T any](ctx context.Context, c *Container, token Token) (T, error) {
	var zero T
	if c == nil {
		return zero, fmt.Errorf("modi: nil container")
	}

	v, err := c.Resolve(ctx, token)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}

	out, ok := v.(T)
	if !ok {
		return zero, TypeMismatchError{Expected: reflect.TypeFor[T](), Actual: reflect.TypeOf(v)}
	}
	return out, nil
}

// MustResolve is like Resolve but panics on error.
func MustResolve[T any](ctx context.Context, c *Container) T {
	v, err := Resolve[T](ctx, c)
	if err != nil {
		panic(err)
	}
	return v
}

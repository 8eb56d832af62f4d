package modi

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/junioryono/modi/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// OnModuleInit is implemented by providers that initialize once the module
// graph is registered.
type OnModuleInit interface {
	OnModuleInit(ctx context.Context) error
}

// OnApplicationBootstrap is implemented by providers that run just before
// the application starts serving.
type OnApplicationBootstrap interface {
	OnApplicationBootstrap(ctx context.Context) error
}

// BeforeApplicationShutdown is implemented by providers that react to a
// termination signal before connections are closed.
type BeforeApplicationShutdown interface {
	BeforeApplicationShutdown(ctx context.Context, signal string) error
}

// OnModuleDestroy is implemented by providers releasing resources after
// connections are closed.
type OnModuleDestroy interface {
	OnModuleDestroy(ctx context.Context) error
}

// OnApplicationShutdown is implemented by providers that run last, once
// every module has been destroyed.
type OnApplicationShutdown interface {
	OnApplicationShutdown(ctx context.Context, signal string) error
}

// Phase names a lifecycle phase.
type Phase string

const (
	PhaseModuleInit           Phase = "onModuleInit"
	PhaseApplicationBootstrap Phase = "onApplicationBootstrap"
	PhaseBeforeShutdown       Phase = "beforeApplicationShutdown"
	PhaseModuleDestroy        Phase = "onModuleDestroy"
	PhaseApplicationShutdown  Phase = "onApplicationShutdown"
)

func (p Phase) String() string {
	return string(p)
}

func (p Phase) reverse() bool {
	switch p {
	case PhaseBeforeShutdown, PhaseModuleDestroy, PhaseApplicationShutdown:
		return true
	default:
		return false
	}
}

// PhaseEvent is the payload of lifecycle phase events.
type PhaseEvent struct {
	Phase Phase
	Hooks int
}

// HookFailedEvent is the payload of events.LifecycleHookFailed.
type HookFailedEvent struct {
	Phase Phase
	Token Token
	Err   error
}

type hookTarget struct {
	token    Token
	key      any
	instance any
}

// CallOnModuleInit runs OnModuleInit on the live singleton instances of the
// given modules and their imports, imports first. With no modules every
// registered module is used. Singletons constructed later have the hook
// run right after construction. Hook failures are reported, not returned.
func (c *Container) CallOnModuleInit(ctx context.Context, roots ...ModuleRef) error {
	return c.runPhase(ctx, PhaseModuleInit, "", roots)
}

// CallOnApplicationBootstrap eagerly resolves the bootstrap providers of the
// given modules, returning their construction errors, then runs
// OnApplicationBootstrap like CallOnModuleInit.
func (c *Container) CallOnApplicationBootstrap(ctx context.Context, roots ...ModuleRef) error {
	if ctx == nil {
		ctx = context.Background()
	}

	recs, err := c.records(roots)
	if err != nil {
		return err
	}

	if err := c.resolveBootstrap(ctx, c.reachable(recs)); err != nil {
		return err
	}

	return c.runPhase(ctx, PhaseApplicationBootstrap, "", roots)
}

// CallBeforeApplicationShutdown runs BeforeApplicationShutdown in reverse
// module order.
func (c *Container) CallBeforeApplicationShutdown(ctx context.Context, signal string, roots ...ModuleRef) error {
	return c.runPhase(ctx, PhaseBeforeShutdown, signal, roots)
}

// CallOnModuleDestroy runs OnModuleDestroy in reverse module order.
func (c *Container) CallOnModuleDestroy(ctx context.Context, roots ...ModuleRef) error {
	return c.runPhase(ctx, PhaseModuleDestroy, "", roots)
}

// CallOnApplicationShutdown runs OnApplicationShutdown in reverse module
// order.
func (c *Container) CallOnApplicationShutdown(ctx context.Context, signal string, roots ...ModuleRef) error {
	return c.runPhase(ctx, PhaseApplicationShutdown, signal, roots)
}

// PhaseRan reports whether phase has started on this container.
func (c *Container) PhaseRan(phase Phase) bool {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()

	return c.phases[phase]
}

func (c *Container) runPhase(ctx context.Context, phase Phase, signal string, roots []ModuleRef) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = detach(ctx)

	recs, err := c.records(roots)
	if err != nil {
		return err
	}

	c.hooksMu.Lock()
	c.phases[phase] = true
	c.hooksMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "modi."+string(phase),
		trace.WithAttributes(attribute.String("modi.phase", string(phase))))
	defer span.End()

	_ = c.bus.Emit(ctx, events.LifecyclePhaseStarted, PhaseEvent{Phase: phase})
	c.logger.Debug("lifecycle phase started", zap.Stringer("phase", phase))

	targets := c.liveTargets(c.reachable(recs))
	if phase.reverse() {
		slices.Reverse(targets)
	}

	hooks := 0
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%s phase interrupted: %w", phase, err)
		}
		if c.runHook(ctx, phase, signal, t) {
			hooks++
		}
	}

	span.SetAttributes(attribute.Int("modi.hooks", hooks))
	_ = c.bus.Emit(ctx, events.LifecyclePhaseCompleted, PhaseEvent{Phase: phase, Hooks: hooks})
	c.logger.Debug("lifecycle phase completed", zap.Stringer("phase", phase), zap.Int("hooks", hooks))

	return nil
}

// liveTargets returns the instances of recs' providers and controllers that
// exist: value providers and constructed singletons. Request and transient
// instances are not tracked by the container and never receive hooks.
func (c *Container) liveTargets(recs []*moduleRecord) []hookTarget {
	seen := make(map[Token]bool)
	var targets []hookTarget

	for _, rec := range recs {
		for _, p := range slices.Concat(rec.providers, rec.controllers) {
			if seen[p.token] {
				continue
			}
			seen[p.token] = true

			b, ok := c.providers.Lookup(p.token)
			if !ok {
				continue
			}

			switch {
			case b.provider.kind == ValueProvider:
				if b.provider.value != nil {
					targets = append(targets, hookTarget{token: p.token, key: b, instance: b.provider.value})
				}
			case b.provider.scope == Singleton:
				if e, ok := c.singletons.instance(p.token); ok {
					targets = append(targets, hookTarget{token: p.token, key: e, instance: e.value})
				}
			}
		}
	}

	return targets
}

func (c *Container) resolveBootstrap(ctx context.Context, recs []*moduleRecord) error {
	seen := make(map[Token]bool)
	var errs error

	for _, rec := range recs {
		for _, p := range slices.Concat(rec.providers, rec.controllers) {
			if !p.bootstrap || seen[p.token] {
				continue
			}
			seen[p.token] = true

			if p.scope == Request {
				c.logger.Warn("request-scoped bootstrap provider skipped", zap.Stringer("token", p.token))
				continue
			}

			if _, err := c.Resolve(detach(ctx), p.token); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	return errs
}

// replayHooks runs the already started init and bootstrap phases on a
// singleton constructed after them. The hooks run on a chain linked to the
// constructing chain so that resolutions they make cannot deadlock on it.
func (c *Container) replayHooks(ctx context.Context, f *frame, b *binding, e *entry) {
	c.hooksMu.Lock()
	initRan := c.phases[PhaseModuleInit]
	bootstrapRan := c.phases[PhaseApplicationBootstrap]
	c.hooksMu.Unlock()

	if !initRan && !bootstrapRan {
		return
	}

	child := c.chains.Add(1)
	c.waits.link(f.chain, child)
	defer c.waits.unlink(f.chain, child)

	hctx := withFrame(ctx, &frame{container: c, chain: child})
	t := hookTarget{token: b.provider.token, key: e, instance: e.value}

	if initRan {
		c.runHook(hctx, PhaseModuleInit, "", t)
	}
	if bootstrapRan {
		c.runHook(hctx, PhaseApplicationBootstrap, "", t)
	}
}

// runHook runs phase's hook on t once. It reports whether a hook ran.
func (c *Container) runHook(ctx context.Context, phase Phase, signal string, t hookTarget) bool {
	fn, ok := hookFunc(phase, signal, t.instance)
	if !ok || !c.claimHook(phase, t.key) {
		return false
	}

	if err := c.invokeHook(ctx, phase, t.token, fn); err != nil {
		c.reportHookFailure(ctx, phase, t.token, err)
	}
	return true
}

func (c *Container) claimHook(phase Phase, key any) bool {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()

	done, ok := c.hooked[phase]
	if !ok {
		done = make(map[any]bool)
		c.hooked[phase] = done
	}
	if done[key] {
		return false
	}
	done[key] = true
	return true
}

func hookFunc(phase Phase, signal string, instance any) (func(context.Context) error, bool) {
	switch phase {
	case PhaseModuleInit:
		if h, ok := instance.(OnModuleInit); ok {
			return h.OnModuleInit, true
		}
	case PhaseApplicationBootstrap:
		if h, ok := instance.(OnApplicationBootstrap); ok {
			return h.OnApplicationBootstrap, true
		}
	case PhaseBeforeShutdown:
		if h, ok := instance.(BeforeApplicationShutdown); ok {
			return func(ctx context.Context) error { return h.BeforeApplicationShutdown(ctx, signal) }, true
		}
	case PhaseModuleDestroy:
		if h, ok := instance.(OnModuleDestroy); ok {
			return h.OnModuleDestroy, true
		}
	case PhaseApplicationShutdown:
		if h, ok := instance.(OnApplicationShutdown); ok {
			return func(ctx context.Context) error { return h.OnApplicationShutdown(ctx, signal) }, true
		}
	}
	return nil, false
}

// invokeHook runs fn bounded by the hook timeout. A hook that does not
// return in time is abandoned.
func (c *Container) invokeHook(ctx context.Context, phase Phase, token Token, fn func(context.Context) error) error {
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if c.opts.hookTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, c.opts.hookTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		done <- fn(hctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return HookError{Phase: phase, Token: token, Cause: err}
		}
		return nil
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return HookTimeoutError{Phase: phase, Token: token, Timeout: c.opts.hookTimeout}
		}
		return HookError{Phase: phase, Token: token, Cause: hctx.Err()}
	}
}

func (c *Container) reportHookFailure(ctx context.Context, phase Phase, token Token, err error) {
	c.logger.Error("lifecycle hook failed",
		zap.Stringer("phase", phase),
		zap.Stringer("token", token),
		zap.Error(err),
	)
	c.metrics.HookFailed(string(phase))
	_ = c.bus.Emit(detach(ctx), events.LifecycleHookFailed, HookFailedEvent{Phase: phase, Token: token, Err: err})
}

// catchUp brings modules registered after the init or bootstrap phase
// started up to date: bootstrap providers are resolved and the started
// phases run on their live instances.
func (c *Container) catchUp(ctx context.Context, recs []*moduleRecord) error {
	c.hooksMu.Lock()
	initRan := c.phases[PhaseModuleInit]
	bootstrapRan := c.phases[PhaseApplicationBootstrap]
	c.hooksMu.Unlock()

	ctx = detach(ctx)

	if bootstrapRan {
		if err := c.resolveBootstrap(ctx, recs); err != nil {
			return err
		}
	}

	targets := c.liveTargets(recs)
	for _, phase := range []Phase{PhaseModuleInit, PhaseApplicationBootstrap} {
		if (phase == PhaseModuleInit && !initRan) || (phase == PhaseApplicationBootstrap && !bootstrapRan) {
			continue
		}
		for _, t := range targets {
			c.runHook(ctx, phase, "", t)
		}
	}

	return nil
}

package modi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/junioryono/modi/events"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Application owns a container built from a root module together with its
// event bus, loader, logger and metrics. It drives the lifecycle phases.
type Application struct {
	root      ModuleRef
	container *Container
	loader    *Loader
	logger    *zap.Logger
	opts      *options

	mu           sync.Mutex
	initialized  bool
	bootstrapped bool
	closed       bool
	closers      []func(context.Context) error
}

// New creates an application for root. Modules are registered by Init.
func New(root ModuleRef, opts ...Option) (*Application, error) {
	o := buildOptions(opts)

	c, err := newContainer(o)
	if err != nil {
		return nil, err
	}

	app := &Application{
		root:      root,
		container: c,
		loader:    NewLoader(c),
		logger:    c.logger.Named("app"),
		opts:      o,
	}

	return app, nil
}

// Container returns the application's container.
func (a *Application) Container() *Container {
	return a.container
}

// Loader returns the application's dynamic module loader.
func (a *Application) Loader() *Loader {
	return a.loader
}

// Events returns the application's event bus.
func (a *Application) Events() *events.Bus {
	return a.container.bus
}

// Logger returns the application's logger.
func (a *Application) Logger() *zap.Logger {
	return a.logger
}

// MetricsRegistry returns the Prometheus registry, or nil when metrics are
// disabled.
func (a *Application) MetricsRegistry() *prometheus.Registry {
	return a.container.metrics.Registry()
}

// MetricsHandler serves the application's metrics.
func (a *Application) MetricsHandler() http.Handler {
	return a.container.metrics.Handler()
}

// Init registers the root module graph and runs OnModuleInit. It is a no-op
// after the first successful call.
func (a *Application) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.initLocked(ctx)
}

func (a *Application) initLocked(ctx context.Context) error {
	if a.closed {
		return ErrApplicationClosed
	}
	if a.initialized {
		return nil
	}

	if err := a.container.RegisterModule(ctx, a.root); err != nil {
		return err
	}
	if err := a.container.CallOnModuleInit(ctx); err != nil {
		return err
	}

	a.initialized = true
	a.logger.Info("application initialized", zap.Strings("modules", a.container.Modules()))
	return nil
}

// Bootstrap initializes the application if needed, eagerly resolves
// bootstrap providers and runs OnApplicationBootstrap. Hot reload starts
// here when enabled.
func (a *Application) Bootstrap(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.initLocked(ctx); err != nil {
		return err
	}
	if a.bootstrapped {
		return nil
	}

	if err := a.container.CallOnApplicationBootstrap(ctx); err != nil {
		return err
	}

	if a.opts.hotReload {
		if err := a.loader.EnableHotReload(); err != nil {
			return err
		}
	}

	a.bootstrapped = true
	a.logger.Info("application bootstrapped")
	return nil
}

// Resolve resolves token from the application's container.
func (a *Application) Resolve(ctx context.Context, token Token) (any, error) {
	return a.container.Resolve(ctx, token)
}

// OnClose registers fn to run during Shutdown, after
// BeforeApplicationShutdown and before OnModuleDestroy. Callbacks run in
// reverse registration order; this is where servers stop accepting
// connections.
func (a *Application) OnClose(fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closers = append(a.closers, fn)
}

// Shutdown runs the shutdown pipeline once: BeforeApplicationShutdown, the
// OnClose callbacks, OnModuleDestroy, then OnApplicationShutdown. The whole
// pipeline is bounded by the shutdown timeout. Hook failures are reported
// through the logger and event bus; close callback errors are returned.
func (a *Application) Shutdown(ctx context.Context, signal string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.shutdownTimeout)
	defer cancel()

	a.logger.Info("application shutting down", zap.String("signal", signal))

	var errs error
	errs = multierr.Append(errs, a.container.CallBeforeApplicationShutdown(ctx, signal))

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	errs = multierr.Append(errs, a.container.CallOnModuleDestroy(ctx))
	errs = multierr.Append(errs, a.loader.Close())
	errs = multierr.Append(errs, a.container.CallOnApplicationShutdown(ctx, signal))

	if errs != nil {
		a.logger.Error("application shutdown completed with errors", zap.Error(errs))
	} else {
		a.logger.Info("application shutdown complete")
	}
	_ = a.logger.Sync()

	return errs
}

// Run bootstraps the application, runs serve, and shuts down when serve
// returns, ctx is cancelled or the process receives SIGINT or SIGTERM. The
// context passed to serve is cancelled when shutdown begins; servers that do
// not watch it should be stopped with OnClose. Run returns once serve has
// returned.
func (a *Application) Run(ctx context.Context, serve func(ctx context.Context) error) error {
	if err := a.Bootstrap(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		if serve == nil {
			<-serveCtx.Done()
			serveErr <- nil
			return
		}
		serveErr <- serve(serveCtx)
	}()

	var (
		sig     string
		runErr  error
		serving = true
	)

	select {
	case s := <-sigCh:
		sig = s.String()
	case <-ctx.Done():
		sig = "context cancelled"
	case err := <-serveErr:
		serving = false
		sig = "serve returned"
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	cancel()
	shutdownErr := a.Shutdown(context.WithoutCancel(ctx), sig)

	if serving {
		if err := <-serveErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	return multierr.Append(runErr, shutdownErr)
}

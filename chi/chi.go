// Package chi provides modi integration for the Chi router.
//
// ScopeMiddleware begins a RequestScope per request, Handle resolves a
// controller from it, and Mount lets singleton controllers register their
// own routes.
//
//	app, _ := modi.New(AppModule)
//	_ = app.Bootstrap(ctx)
//
//	r := gochi.NewRouter()
//	r.Use(modichi.ScopeMiddleware(app.Container()))
//	r.Get("/users/{id}", modichi.Handle(UserController.GetByID))
//	r.Handle("/metrics", app.MetricsHandler())
package chi

import (
	"context"
	"net/http"

	gochi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/junioryono/modi"
	"go.uber.org/zap"
)

// Config holds the configuration for the scope middleware.
type Config struct {
	// ErrorHandler is called when a middleware fails.
	// If nil, a default handler returning 500 Internal Server Error is used.
	ErrorHandler func(http.ResponseWriter, *http.Request, error)

	// Middlewares run after the scope is created, in order. They can be
	// used to seed request data.
	Middlewares []func(*modi.RequestScope, *http.Request) error

	Logger *zap.Logger
}

// Option configures the scope middleware.
type Option func(*Config)

// WithErrorHandler sets the error handler for middleware failures.
func WithErrorHandler(h func(http.ResponseWriter, *http.Request, error)) Option {
	return func(c *Config) {
		c.ErrorHandler = h
	}
}

// WithMiddleware adds a function that runs after scope creation.
func WithMiddleware(mw func(*modi.RequestScope, *http.Request) error) Option {
	return func(c *Config) {
		c.Middlewares = append(c.Middlewares, mw)
	}
}

// WithLogger sets the logger used for request scope diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func defaultConfig() *Config {
	return &Config{
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		},
		Logger: zap.NewNop(),
	}
}

// ScopeMiddleware creates a Chi middleware that begins a RequestScope on c
// for each request and ends it when the request completes. The scope is
// attached to the request context.
func ScopeMiddleware(c *modi.Container, opts ...Option) func(http.Handler) http.Handler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, scope := c.BeginRequest(r.Context())
			defer scope.End()

			r = r.WithContext(ctx)

			for _, mw := range cfg.Middlewares {
				if err := mw(scope, r); err != nil {
					cfg.Logger.Warn("request scope middleware failed",
						zap.String("scope", scope.ID()),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.Error(err),
					)
					cfg.ErrorHandler(w, r, err)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerConfig holds configuration for the Handle wrapper.
type HandlerConfig struct {
	// PanicRecovery enables panic recovery in the handler.
	PanicRecovery bool

	// PanicHandler is called when a panic occurs (if PanicRecovery is true).
	PanicHandler func(http.ResponseWriter, *http.Request, any)

	// ScopeErrorHandler is called when the request carries no scope.
	ScopeErrorHandler func(http.ResponseWriter, *http.Request, error)

	// ResolutionErrorHandler is called when controller resolution fails.
	ResolutionErrorHandler func(http.ResponseWriter, *http.Request, error)
}

// HandlerOption configures the Handle wrapper.
type HandlerOption func(*HandlerConfig)

// WithPanicRecovery enables or disables panic recovery in the handler.
func WithPanicRecovery(enabled bool) HandlerOption {
	return func(c *HandlerConfig) {
		c.PanicRecovery = enabled
	}
}

// WithPanicHandler sets the handler for panics.
func WithPanicHandler(h func(http.ResponseWriter, *http.Request, any)) HandlerOption {
	return func(c *HandlerConfig) {
		c.PanicHandler = h
	}
}

// WithScopeErrorHandler sets the error handler for requests without a scope.
func WithScopeErrorHandler(h func(http.ResponseWriter, *http.Request, error)) HandlerOption {
	return func(c *HandlerConfig) {
		c.ScopeErrorHandler = h
	}
}

// WithResolutionErrorHandler sets the error handler for resolution failures.
func WithResolutionErrorHandler(h func(http.ResponseWriter, *http.Request, error)) HandlerOption {
	return func(c *HandlerConfig) {
		c.ResolutionErrorHandler = h
	}
}

func internalError(w http.ResponseWriter, r *http.Request, _ error) {
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func defaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		PanicHandler: func(w http.ResponseWriter, r *http.Request, v any) {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		},
		ScopeErrorHandler:      internalError,
		ResolutionErrorHandler: internalError,
	}
}

// Handle wraps a controller method. The controller T is resolved from the
// container of the request's scope, so Request scoped controllers get one
// instance per request.
//
//	r.Get("/users/{id}", modichi.Handle((*UserController).GetByID))
func Handle[T any](method func(T, http.ResponseWriter, *http.Request), opts ...HandlerOption) http.HandlerFunc {
	cfg := defaultHandlerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.PanicRecovery {
			defer func() {
				if v := recover(); v != nil {
					cfg.PanicHandler(w, r, v)
				}
			}()
		}

		scope, ok := modi.RequestScopeFrom(r.Context())
		if !ok {
			cfg.ScopeErrorHandler(w, r, modi.ErrNoRequestScope)
			return
		}

		controller, err := modi.Resolve[T](r.Context(), scope.Container())
		if err != nil {
			cfg.ResolutionErrorHandler(w, r, err)
			return
		}

		method(controller, w, r)
	}
}

// Controller is implemented by controllers that register their own routes.
type Controller interface {
	Routes(r gochi.Router)
}

// Mount resolves the controllers of root and its imports and lets each one
// implementing Controller register its routes on r. Controllers are
// resolved outside any request, so Request scoped controllers cannot be
// mounted; route them with Handle instead.
func Mount(ctx context.Context, r gochi.Router, c *modi.Container, root modi.ModuleRef) (int, error) {
	controllers, err := c.ResolveControllers(ctx, root)
	if err != nil {
		return 0, err
	}

	mounted := 0
	for _, ctrl := range controllers {
		if rc, ok := ctrl.(Controller); ok {
			rc.Routes(r)
			mounted++
		}
	}
	return mounted, nil
}

// NewRouter returns a router serving app: every request gets a request ID
// and a RequestScope, the controllers of root are mounted, and the
// application's metrics are served at /metrics.
func NewRouter(ctx context.Context, app *modi.Application, root modi.ModuleRef, opts ...Option) (gochi.Router, error) {
	opts = append([]Option{WithLogger(app.Logger().Named("http"))}, opts...)

	r := gochi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(ScopeMiddleware(app.Container(), opts...))
	r.Method(http.MethodGet, "/metrics", app.MetricsHandler())

	if _, err := Mount(ctx, r, app.Container(), root); err != nil {
		return nil, err
	}
	return r, nil
}

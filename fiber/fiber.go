// Package fiber provides modi integration for the Fiber web framework.
//
// ScopeMiddleware begins a RequestScope per request, stores it in the
// fiber.Ctx locals and the user context, and Handle resolves a controller
// from it.
//
//	app := fiber.New()
//	app.Use(modifiber.ScopeMiddleware(container))
//
//	app.Post("/login", modifiber.Handle((*AuthController).Login))
//	app.Get("/users/:id", modifiber.Handle((*UserController).GetByID))
package fiber

import (
	"github.com/gofiber/fiber/v2"
	"github.com/junioryono/modi"
	"go.uber.org/zap"
)

// scopeKey is the key used to store the scope in fiber.Ctx.Locals
const scopeKey = "modi_scope"

// Config holds the configuration for the scope middleware.
type Config struct {
	// ErrorHandler is called when a middleware fails.
	// If nil, a 500 JSON response is written.
	ErrorHandler func(*fiber.Ctx, error) error

	// Middlewares are functions that run after scope creation.
	// They can be used to initialize request context, set user data, etc.
	Middlewares []func(*modi.RequestScope, *fiber.Ctx) error

	Logger *zap.Logger
}

// Option configures the scope middleware.
type Option func(*Config)

// WithErrorHandler sets the error handler for middleware failures.
func WithErrorHandler(h func(*fiber.Ctx, error) error) Option {
	return func(c *Config) {
		c.ErrorHandler = h
	}
}

// WithMiddleware adds a middleware function that runs after scope creation.
// Multiple middlewares are executed in the order they are added.
func WithMiddleware(mw func(*modi.RequestScope, *fiber.Ctx) error) Option {
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

func internalError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal Server Error",
	})
}

func defaultConfig() *Config {
	return &Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return internalError(c)
		},
		Logger: zap.NewNop(),
	}
}

// ScopeMiddleware creates a Fiber middleware that begins a RequestScope on
// container for each request. The scope ends when the handler chain
// returns.
func ScopeMiddleware(container *modi.Container, opts ...Option) fiber.Handler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *fiber.Ctx) error {
		ctx, scope := container.BeginRequest(c.UserContext())
		defer scope.End()

		c.SetUserContext(ctx)
		c.Locals(scopeKey, scope)

		for _, mw := range cfg.Middlewares {
			if err := mw(scope, c); err != nil {
				cfg.Logger.Warn("request scope middleware failed",
					zap.String("scope", scope.ID()),
					zap.String("path", c.Path()),
					zap.Error(err),
				)
				return cfg.ErrorHandler(c, err)
			}
		}

		return c.Next()
	}
}

// HandlerConfig holds configuration for the Handle wrapper.
type HandlerConfig struct {
	// PanicRecovery enables panic recovery in the handler.
	PanicRecovery bool

	// PanicHandler is called when a panic occurs (if PanicRecovery is true).
	PanicHandler func(*fiber.Ctx, any) error

	// ScopeErrorHandler is called when the request carries no scope.
	ScopeErrorHandler func(*fiber.Ctx, error) error

	// ResolutionErrorHandler is called when controller resolution fails.
	ResolutionErrorHandler func(*fiber.Ctx, error) error
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
func WithPanicHandler(h func(*fiber.Ctx, any) error) HandlerOption {
	return func(c *HandlerConfig) {
		c.PanicHandler = h
	}
}

// WithScopeErrorHandler sets the error handler for requests without a scope.
func WithScopeErrorHandler(h func(*fiber.Ctx, error) error) HandlerOption {
	return func(c *HandlerConfig) {
		c.ScopeErrorHandler = h
	}
}

// WithResolutionErrorHandler sets the error handler for controller resolution failures.
func WithResolutionErrorHandler(h func(*fiber.Ctx, error) error) HandlerOption {
	return func(c *HandlerConfig) {
		c.ResolutionErrorHandler = h
	}
}

func defaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		PanicHandler: func(c *fiber.Ctx, v any) error {
			return internalError(c)
		},
		ScopeErrorHandler: func(c *fiber.Ctx, err error) error {
			return internalError(c)
		},
		ResolutionErrorHandler: func(c *fiber.Ctx, err error) error {
			return internalError(c)
		},
	}
}

// Handle wraps a controller method. The controller T is resolved from the
// container of the scope stored in fiber.Ctx.Locals.
//
// The method signature should be: func(T, *fiber.Ctx) error
//
//	app.Get("/users/:id", modifiber.Handle((*UserController).GetByID))
func Handle[T any](method func(T, *fiber.Ctx) error, opts ...HandlerOption) fiber.Handler {
	cfg := defaultHandlerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *fiber.Ctx) (err error) {
		if cfg.PanicRecovery {
			defer func() {
				if v := recover(); v != nil {
					err = cfg.PanicHandler(c, v)
				}
			}()
		}

		scope := FromContext(c)
		if scope == nil {
			return cfg.ScopeErrorHandler(c, modi.ErrNoRequestScope)
		}

		controller, resolveErr := modi.Resolve[T](c.UserContext(), scope.Container())
		if resolveErr != nil {
			return cfg.ResolutionErrorHandler(c, resolveErr)
		}

		return method(controller, c)
	}
}

// FromContext returns the scope stored in fiber.Ctx.Locals, or nil.
func FromContext(c *fiber.Ctx) *modi.RequestScope {
	scope, _ := c.Locals(scopeKey).(*modi.RequestScope)
	return scope
}

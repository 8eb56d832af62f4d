// Package echo provides modi integration for the Echo web framework.
//
// ScopeMiddleware begins a RequestScope per request and Handle resolves a
// controller from it.
//
//	e := echo.New()
//	e.Use(modiecho.ScopeMiddleware(app.Container()))
//
//	e.POST("/login", modiecho.Handle((*AuthController).Login))
//	e.GET("/users/:id", modiecho.Handle((*UserController).GetByID))
package echo

import (
	"net/http"

	"github.com/junioryono/modi"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Config holds the configuration for the scope middleware.
type Config struct {
	// ErrorHandler is called when a middleware fails.
	// If nil, a 500 echo.HTTPError is returned.
	ErrorHandler func(echo.Context, error) error

	// Middlewares are functions that run after scope creation.
	Middlewares []func(*modi.RequestScope, echo.Context) error

	Logger *zap.Logger
}

// Option configures the scope middleware.
type Option func(*Config)

// WithErrorHandler sets the error handler for middleware failures.
func WithErrorHandler(h func(echo.Context, error) error) Option {
	return func(c *Config) {
		c.ErrorHandler = h
	}
}

// WithMiddleware adds a middleware function that runs after scope creation.
// Multiple middlewares are executed in the order they are added.
func WithMiddleware(mw func(*modi.RequestScope, echo.Context) error) Option {
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

func internalError() error {
	return echo.NewHTTPError(http.StatusInternalServerError, "Internal Server Error")
}

func defaultConfig() *Config {
	return &Config{
		ErrorHandler: func(c echo.Context, err error) error {
			return internalError()
		},
		Logger: zap.NewNop(),
	}
}

// ScopeMiddleware creates an Echo middleware that begins a RequestScope on
// container for each request. The scope is attached to the request context
// and ends when the request completes.
func ScopeMiddleware(container *modi.Container, opts ...Option) echo.MiddlewareFunc {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, scope := container.BeginRequest(c.Request().Context())
			defer scope.End()

			c.SetRequest(c.Request().WithContext(ctx))

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

			return next(c)
		}
	}
}

// HandlerConfig holds configuration for the Handle wrapper.
type HandlerConfig struct {
	// PanicRecovery enables panic recovery in the handler.
	PanicRecovery bool

	// PanicHandler is called when a panic occurs (if PanicRecovery is true).
	PanicHandler func(echo.Context, any) error

	// ScopeErrorHandler is called when the request carries no scope.
	ScopeErrorHandler func(echo.Context, error) error

	// ResolutionErrorHandler is called when controller resolution fails.
	ResolutionErrorHandler func(echo.Context, error) error
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
func WithPanicHandler(h func(echo.Context, any) error) HandlerOption {
	return func(c *HandlerConfig) {
		c.PanicHandler = h
	}
}

// WithScopeErrorHandler sets the error handler for requests without a scope.
func WithScopeErrorHandler(h func(echo.Context, error) error) HandlerOption {
	return func(c *HandlerConfig) {
		c.ScopeErrorHandler = h
	}
}

// WithResolutionErrorHandler sets the error handler for controller resolution failures.
func WithResolutionErrorHandler(h func(echo.Context, error) error) HandlerOption {
	return func(c *HandlerConfig) {
		c.ResolutionErrorHandler = h
	}
}

func defaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		PanicHandler: func(c echo.Context, v any) error {
			c.Logger().Errorf("panic in handler: %v", v)
			return internalError()
		},
		ScopeErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusInternalServerError, "Internal Server Error").SetInternal(err)
		},
		ResolutionErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusInternalServerError, "Internal Server Error").SetInternal(err)
		},
	}
}

// Handle wraps a controller method. The controller T is resolved from the
// container of the request's scope.
//
// The method signature should be: func(T, echo.Context) error
//
//	e.GET("/users/:id", modiecho.Handle((*UserController).GetByID))
func Handle[T any](method func(T, echo.Context) error, opts ...HandlerOption) echo.HandlerFunc {
	cfg := defaultHandlerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c echo.Context) (err error) {
		if cfg.PanicRecovery {
			defer func() {
				if v := recover(); v != nil {
					err = cfg.PanicHandler(c, v)
				}
			}()
		}

		ctx := c.Request().Context()
		scope, ok := modi.RequestScopeFrom(ctx)
		if !ok {
			return cfg.ScopeErrorHandler(c, modi.ErrNoRequestScope)
		}

		controller, resolveErr := modi.Resolve[T](ctx, scope.Container())
		if resolveErr != nil {
			return cfg.ResolutionErrorHandler(c, resolveErr)
		}

		return method(controller, c)
	}
}

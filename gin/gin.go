// Package gin provides modi integration for the Gin web framework.
//
// ScopeMiddleware begins a RequestScope per request and Handle resolves a
// controller from it.
//
//	g := gin.New()
//	g.Use(modigin.ScopeMiddleware(app.Container()))
//
//	g.POST("/login", modigin.Handle((*AuthController).Login))
//	g.GET("/users/:id", modigin.Handle((*UserController).GetByID))
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/junioryono/modi"
	"go.uber.org/zap"
)

// Config holds the configuration for the scope middleware.
type Config struct {
	// ErrorHandler is called when a middleware fails.
	// If nil, a default handler returning 500 Internal Server Error is used.
	ErrorHandler func(*gin.Context, error)

	// Middlewares are functions that run after scope creation.
	// They can be used to initialize request context, set user claims, etc.
	Middlewares []func(*modi.RequestScope, *gin.Context) error

	Logger *zap.Logger
}

// Option configures the scope middleware.
type Option func(*Config)

// WithErrorHandler sets the error handler for middleware failures.
func WithErrorHandler(h func(*gin.Context, error)) Option {
	return func(c *Config) {
		c.ErrorHandler = h
	}
}

// WithMiddleware adds a middleware function that runs after scope creation.
// Multiple middlewares are executed in the order they are added.
//
//	modigin.ScopeMiddleware(c,
//	    modigin.WithMiddleware(func(scope *modi.RequestScope, c *gin.Context) error {
//	        info, err := modi.Resolve[*RequestInfo](c.Request.Context(), scope.Container())
//	        if err != nil {
//	            return err
//	        }
//	        info.UserID = c.GetHeader("X-User")
//	        return nil
//	    }),
//	)
func WithMiddleware(mw func(*modi.RequestScope, *gin.Context) error) Option {
	return func(c *Config) {
		c.Middlewares = append(c.Middlewares, mw)
	}
}

// WithLogger sets the logger used by the default handlers.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func abortInternal(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": "Internal Server Error",
	})
}

func defaultConfig() *Config {
	return &Config{
		ErrorHandler: func(c *gin.Context, err error) {
			abortInternal(c)
		},
		Logger: zap.NewNop(),
	}
}

// ScopeMiddleware creates a gin.HandlerFunc that begins a RequestScope on
// container for each request. The scope is attached to the request context
// and ends when the request completes.
func ScopeMiddleware(container *modi.Container, opts ...Option) gin.HandlerFunc {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		ctx, scope := container.BeginRequest(c.Request.Context())
		defer scope.End()

		c.Request = c.Request.WithContext(ctx)

		for _, mw := range cfg.Middlewares {
			if err := mw(scope, c); err != nil {
				cfg.Logger.Warn("request scope middleware failed",
					zap.String("scope", scope.ID()),
					zap.String("path", c.FullPath()),
					zap.Error(err),
				)
				cfg.ErrorHandler(c, err)
				c.Abort()
				return
			}
		}

		c.Next()
	}
}

// HandlerConfig holds configuration for the Handle wrapper.
type HandlerConfig struct {
	// PanicRecovery enables panic recovery in the handler.
	// If true, panics are caught and handled by PanicHandler.
	PanicRecovery bool

	// PanicHandler is called when a panic occurs (if PanicRecovery is true).
	PanicHandler func(*gin.Context, any)

	// ScopeErrorHandler is called when the request carries no scope.
	ScopeErrorHandler func(*gin.Context, error)

	// ResolutionErrorHandler is called when controller resolution fails.
	ResolutionErrorHandler func(*gin.Context, error)

	Logger *zap.Logger
}

// HandlerOption configures the Handle wrapper.
type HandlerOption func(*HandlerConfig)

// WithPanicRecovery enables or disables panic recovery in the handler.
func WithPanicRecovery(enabled bool) HandlerOption {
	return func(c *HandlerConfig) {
		c.PanicRecovery = enabled
	}
}

// WithPanicHandler sets the handler for panics (requires WithPanicRecovery(true)).
func WithPanicHandler(h func(*gin.Context, any)) HandlerOption {
	return func(c *HandlerConfig) {
		c.PanicHandler = h
	}
}

// WithScopeErrorHandler sets the error handler for requests without a scope.
func WithScopeErrorHandler(h func(*gin.Context, error)) HandlerOption {
	return func(c *HandlerConfig) {
		c.ScopeErrorHandler = h
	}
}

// WithResolutionErrorHandler sets the error handler for controller resolution failures.
func WithResolutionErrorHandler(h func(*gin.Context, error)) HandlerOption {
	return func(c *HandlerConfig) {
		c.ResolutionErrorHandler = h
	}
}

// WithHandlerLogger sets the logger used by the default handlers.
func WithHandlerLogger(l *zap.Logger) HandlerOption {
	return func(c *HandlerConfig) {
		c.Logger = l
	}
}

func defaultHandlerConfig() *HandlerConfig {
	cfg := &HandlerConfig{Logger: zap.NewNop()}
	cfg.PanicHandler = func(c *gin.Context, v any) {
		cfg.Logger.Error("panic in handler", zap.Any("panic", v))
		abortInternal(c)
	}
	cfg.ScopeErrorHandler = func(c *gin.Context, err error) {
		cfg.Logger.Error("no request scope", zap.Error(err))
		abortInternal(c)
	}
	cfg.ResolutionErrorHandler = func(c *gin.Context, err error) {
		cfg.Logger.Error("failed to resolve controller", zap.Error(err))
		abortInternal(c)
	}
	return cfg
}

// Handle wraps a controller method. The controller T is resolved from the
// container of the request's scope.
//
// The method signature should be: func(T, *gin.Context)
//
//	g.GET("/users/:id", modigin.Handle((*UserController).GetByID))
func Handle[T any](method func(T, *gin.Context), opts ...HandlerOption) gin.HandlerFunc {
	cfg := defaultHandlerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if cfg.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					cfg.PanicHandler(c, r)
				}
			}()
		}

		ctx := c.Request.Context()
		scope, ok := modi.RequestScopeFrom(ctx)
		if !ok {
			cfg.ScopeErrorHandler(c, modi.ErrNoRequestScope)
			return
		}

		controller, err := modi.Resolve[T](ctx, scope.Container())
		if err != nil {
			cfg.ResolutionErrorHandler(c, err)
			return
		}

		method(controller, c)
	}
}

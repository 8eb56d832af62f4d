package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/junioryono/modi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Test types
type testService struct {
	ID string
}

type testController struct {
	Service *testService
}

func (c *testController) GetValue(ctx *gin.Context) {
	ctx.String(http.StatusOK, c.Service.ID)
}

func (c *testController) Panic(ctx *gin.Context) {
	panic("test panic")
}

func newContainer(t *testing.T) *modi.Container {
	t.Helper()

	var seq atomic.Int32
	c, err := modi.NewContainer(modi.WithoutMetrics())
	require.NoError(t, err)
	require.NoError(t, c.RegisterModule(context.Background(), &modi.Module{
		Name: "web",
		Providers: []*modi.Provider{
			modi.Class(func() *testService {
				return &testService{ID: string(rune('a' + seq.Add(1) - 1))}
			}, modi.WithScope(modi.Request)),
		},
		Controllers: []*modi.Provider{
			modi.Class(func(s *testService) *testController { return &testController{Service: s} },
				modi.WithScope(modi.Request)),
		},
	}))
	return c
}

func serve(g *gin.Engine, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestScopeMiddleware(t *testing.T) {
	t.Run("creates scope and attaches to context", func(t *testing.T) {
		c := newContainer(t)

		var scope *modi.RequestScope
		g := gin.New()
		g.Use(ScopeMiddleware(c))
		g.GET("/test", func(ctx *gin.Context) {
			var ok bool
			scope, ok = modi.RequestScopeFrom(ctx.Request.Context())
			require.True(t, ok)

			svc, err := modi.Resolve[*testService](ctx.Request.Context(), c)
			require.NoError(t, err)
			ctx.String(http.StatusOK, svc.ID)
		})

		rec := serve(g, "/test")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "a", rec.Body.String())
		require.NotNil(t, scope)
		assert.True(t, scope.Ended())
	})

	t.Run("middleware error aborts the request", func(t *testing.T) {
		c := newContainer(t)
		core, logs := observer.New(zap.WarnLevel)

		g := gin.New()
		g.Use(ScopeMiddleware(c,
			WithLogger(zap.New(core)),
			WithMiddleware(func(*modi.RequestScope, *gin.Context) error { return errors.New("unauthorized") }),
		))
		g.GET("/test", func(ctx *gin.Context) {
			t.Fatal("handler must not run")
		})

		rec := serve(g, "/test")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"Internal Server Error"}`, rec.Body.String())
		assert.Equal(t, 1, logs.FilterMessage("request scope middleware failed").Len())
	})

	t.Run("custom error handler", func(t *testing.T) {
		c := newContainer(t)

		var handled error
		g := gin.New()
		g.Use(ScopeMiddleware(c,
			WithMiddleware(func(*modi.RequestScope, *gin.Context) error { return errors.New("forbidden") }),
			WithErrorHandler(func(ctx *gin.Context, err error) {
				handled = err
				ctx.AbortWithStatus(http.StatusForbidden)
			}),
		))
		g.GET("/test", func(ctx *gin.Context) {})

		assert.Equal(t, http.StatusForbidden, serve(g, "/test").Code)
		assert.EqualError(t, handled, "forbidden")
	})
}

func TestHandle(t *testing.T) {
	t.Run("resolves the controller per request", func(t *testing.T) {
		c := newContainer(t)

		g := gin.New()
		g.Use(ScopeMiddleware(c))
		g.GET("/value", Handle((*testController).GetValue))

		assert.Equal(t, "a", serve(g, "/value").Body.String())
		assert.Equal(t, "b", serve(g, "/value").Body.String())
	})

	t.Run("without scope", func(t *testing.T) {
		var handled error
		g := gin.New()
		g.GET("/value", Handle((*testController).GetValue, WithScopeErrorHandler(func(ctx *gin.Context, err error) {
			handled = err
			ctx.AbortWithStatus(http.StatusServiceUnavailable)
		})))

		assert.Equal(t, http.StatusServiceUnavailable, serve(g, "/value").Code)
		assert.ErrorIs(t, handled, modi.ErrNoRequestScope)
	})

	t.Run("resolution failure is logged", func(t *testing.T) {
		c, err := modi.NewContainer(modi.WithoutMetrics())
		require.NoError(t, err)
		core, logs := observer.New(zap.ErrorLevel)

		g := gin.New()
		g.Use(ScopeMiddleware(c))
		g.GET("/value", Handle((*testController).GetValue, WithHandlerLogger(zap.New(core))))

		assert.Equal(t, http.StatusInternalServerError, serve(g, "/value").Code)
		require.Equal(t, 1, logs.FilterMessage("failed to resolve controller").Len())
	})

	t.Run("panic recovery", func(t *testing.T) {
		c := newContainer(t)

		var recovered any
		g := gin.New()
		g.Use(ScopeMiddleware(c))
		g.GET("/panic", Handle((*testController).Panic,
			WithPanicRecovery(true),
			WithPanicHandler(func(ctx *gin.Context, v any) {
				recovered = v
				ctx.AbortWithStatus(http.StatusInternalServerError)
			}),
		))

		assert.Equal(t, http.StatusInternalServerError, serve(g, "/panic").Code)
		assert.Equal(t, "test panic", recovered)
	})
}

package modi

import (
	"context"
	"sync"
	"testing"

	"github.com/junioryono/modi/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterModule_ImportsFirst(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)

	db := &Module{Name: "db", Providers: []*Provider{Class(NewTConfig)}}
	repo := &Module{Name: "repo", Imports: []ModuleRef{db}, Providers: []*Provider{Class(NewTRepo)}}
	app := &Module{Name: "app", Imports: []ModuleRef{repo}, Providers: []*Provider{Class(NewTService)}}

	require.NoError(t, c.RegisterModule(context.Background(), app))
	assert.Equal(t, []string{"db", "repo", "app"}, c.Modules())
	assert.True(t, c.IsRegistered(db))

	svc, err := Resolve[*TService](context.Background(), c)
	require.NoError(t, err)
	assert.NotNil(t, svc.Repo.Config)

	// Registering again is a no-op.
	require.NoError(t, c.RegisterModule(context.Background(), app))
	assert.Len(t, c.Modules(), 3)
}

func TestRegisterModule_Diamond(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)

	var built counter
	shared := &Module{Name: "shared", Providers: []*Provider{Class(func() *TConfig {
		built.inc()
		return &TConfig{}
	})}}
	left := &Module{Name: "left", Imports: []ModuleRef{shared}}
	right := &Module{Name: "right", Imports: []ModuleRef{shared}}
	root := &Module{Name: "root", Imports: []ModuleRef{left, right}}

	var mu sync.Mutex
	var registered []string
	c.Events().On(events.ModuleRegistered, func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		registered = append(registered, e.Payload.(ModuleEvent).Module)
		return nil
	})

	require.NoError(t, c.RegisterModule(context.Background(), root))
	assert.Equal(t, []string{"shared", "left", "right", "root"}, c.Modules())
	assert.Equal(t, []string{"shared", "left", "right", "root"}, registered)

	MustResolve[*TConfig](context.Background(), c)
	MustResolve[*TConfig](context.Background(), c)
	assert.Equal(t, 1, built.load())
}

func TestRegisterModule_ForwardRefCycle(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)

	var a, b *Module
	a = &Module{Name: "A", Providers: []*Provider{Class(NewTCatA)}}
	b = &Module{Name: "B", Providers: []*Provider{Class(NewTCatB)}}
	a.Imports = []ModuleRef{ForwardRef(func() ModuleRef { return b })}
	b.Imports = []ModuleRef{a}

	require.NoError(t, c.RegisterModule(context.Background(), a))
	assert.Equal(t, []string{"B", "A"}, c.Modules())

	cat, err := Resolve[*TCatA](context.Background(), c)
	require.NoError(t, err)
	assert.Same(t, cat, cat.B.A)
}

func TestRegisterModule_Dynamic(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)

	base := &Module{Name: "config", Providers: []*Provider{Class(NewTConfig)}}
	forRoot := func(dsn string) *DynamicModule {
		return &DynamicModule{
			Module:    base,
			Providers: []*Provider{Value(Named("dsn"), dsn)},
			Exports:   []Token{Named("dsn")},
		}
	}

	require.NoError(t, c.RegisterModule(context.Background(), &Module{
		Name:    "app",
		Imports: []ModuleRef{forRoot("postgres://local")},
	}))

	assert.Equal(t, []string{"config", "app"}, c.Modules())
	dsn, err := ResolveNamed[string](context.Background(), c, "dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://local", dsn)
	assert.True(t, c.Has(TypeOf[*TConfig]()))
}

func TestRegisterModule_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ref  ModuleRef
		is   error
	}{
		{
			name: "invalid provider",
			ref:  &Module{Name: "bad", Providers: []*Provider{Class(func() int { return 1 })}},
			is:   ErrInvalidProvider,
		},
		{
			name: "nil provider",
			ref:  &Module{Name: "bad", Providers: []*Provider{nil}},
			is:   ErrInvalidProvider,
		},
		{
			name: "inject count mismatch",
			ref:  &Module{Name: "bad", Providers: []*Provider{Class(NewTRepo, Inject(Named("a"), Named("b")))}},
			is:   ErrInvalidProvider,
		},
		{
			name: "nil import",
			ref:  &Module{Name: "bad", Imports: []ModuleRef{(*Module)(nil)}},
			is:   ErrInvalidModuleRef,
		},
		{
			name: "nil forward ref",
			ref:  &Module{Name: "bad", Imports: []ModuleRef{ForwardRef(func() ModuleRef { return nil })}},
			is:   ErrInvalidModuleRef,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestContainer(t)

			good := &Module{Name: "good", Providers: []*Provider{Class(NewTConfig)}}
			root := &Module{Name: "root", Imports: []ModuleRef{good, tt.ref}}

			err := c.RegisterModule(context.Background(), root)
			require.ErrorIs(t, err, tt.is)

			var me ModuleError
			require.ErrorAs(t, err, &me)

			assert.Empty(t, c.Modules(), "nothing is registered")
			assert.False(t, c.Has(TypeOf[*TConfig]()))
		})
	}
}

func TestContainer_Controllers(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)

	users := &Module{
		Name:        "users",
		Providers:   []*Provider{Class(NewTConfig), Class(NewTRepo)},
		Controllers: []*Provider{Class(NewTService)},
	}
	app := &Module{
		Name:        "app",
		Imports:     []ModuleRef{users},
		Controllers: []*Provider{Factory(Named("health"), func() string { return "ok" })},
	}
	require.NoError(t, c.RegisterModule(context.Background(), app))

	tokens, err := c.GetControllers(app)
	require.NoError(t, err)
	assert.Equal(t, []Token{TypeOf[*TService](), Named("health")}, tokens)

	controllers, err := c.ResolveControllers(context.Background(), app)
	require.NoError(t, err)
	require.Len(t, controllers, 2)
	assert.IsType(t, &TService{}, controllers[0])
	assert.Equal(t, "ok", controllers[1])

	_, err = c.GetControllers(&Module{Name: "unknown"})
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestContainer_Lookup(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(NewTRepo, WithScope(Transient), Bootstrap())))

	p, err := c.Lookup(TypeOf[*TRepo]())
	require.NoError(t, err)
	assert.Equal(t, ClassProvider, p.Kind())
	assert.Equal(t, Transient, p.Scope())
	assert.True(t, p.IsBootstrap())
	assert.Equal(t, []Token{TypeOf[*TConfig]()}, p.Dependencies())

	_, err = c.Lookup(Named("missing"))
	require.ErrorIs(t, err, ErrProviderNotFound)

	assert.NotEmpty(t, c.ID())
	assert.NotNil(t, c.Logger())
}

package modi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/junioryono/modi/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Scopes
// ============================================================================

func TestResolve_Singleton(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterModule(context.Background(), &Module{
		Name:      "app",
		Providers: []*Provider{Class(NewTConfig), Class(NewTRepo), Class(NewTService)},
	}))

	ctx := context.Background()
	first, err := Resolve[*TService](ctx, c)
	require.NoError(t, err)
	second, err := Resolve[*TService](ctx, c)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "test", first.Repo.Config.Name)

	repo, err := Resolve[*TRepo](ctx, c)
	require.NoError(t, err)
	assert.Same(t, first.Repo, repo, "dependencies are shared singletons")

	stats := c.Snapshot()
	assert.Equal(t, 3, stats.Singletons)
	assert.Equal(t, int64(3), stats.Resolutions)
	assert.Positive(t, stats.CacheHits)
}

func TestResolve_Transient(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(NewTConfig)))
	require.NoError(t, c.RegisterProvider(Class(NewTRepo, WithScope(Transient))))

	ctx := context.Background()
	first := MustResolve[*TRepo](ctx, c)
	second := MustResolve[*TRepo](ctx, c)

	assert.NotSame(t, first, second)
	assert.Same(t, first.Config, second.Config)
}

func TestResolve_RequestScope(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	var seq counter
	require.NoError(t, c.RegisterProvider(Class(func() *TRequest {
		seq.inc()
		return &TRequest{ID: seq.load()}
	}, WithScope(Request))))

	t.Run("requires a request scope", func(t *testing.T) {
		_, err := Resolve[*TRequest](context.Background(), c)
		require.ErrorIs(t, err, ErrNoRequestScope)
	})

	t.Run("cached per request", func(t *testing.T) {
		ctx1, s1 := c.BeginRequest(context.Background())
		ctx2, s2 := c.BeginRequest(context.Background())
		defer s2.End()

		a := MustResolve[*TRequest](ctx1, c)
		b := MustResolve[*TRequest](ctx1, c)
		other := MustResolve[*TRequest](ctx2, c)

		assert.Same(t, a, b)
		assert.NotSame(t, a, other)
		assert.NotEqual(t, s1.ID(), s2.ID())
		assert.Equal(t, 1, s1.Len())

		s1.End()
		s1.End()
		assert.True(t, s1.Ended())
		assert.Zero(t, s1.Len())

		_, err := Resolve[*TRequest](ctx1, c)
		require.ErrorIs(t, err, ErrRequestScopeEnded)
	})

	t.Run("scope from context", func(t *testing.T) {
		ctx, s := c.BeginRequest(context.Background())
		defer s.End()

		got, ok := RequestScopeFrom(ctx)
		require.True(t, ok)
		assert.Same(t, s, got)

		_, ok = RequestScopeFrom(context.Background())
		assert.False(t, ok)
	})
}

func TestResolve_ScopeConflict(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(func() *TRequest { return &TRequest{} }, WithScope(Request))))
	require.NoError(t, c.RegisterProvider(Class(func(r *TRequest) *TConsumer { return &TConsumer{Req: r} })))

	ctx, s := c.BeginRequest(context.Background())
	defer s.End()

	_, err := Resolve[*TConsumer](ctx, c)
	var conflict ScopeConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, TypeOf[*TConsumer](), conflict.Token)
	assert.Equal(t, TypeOf[*TRequest](), conflict.Dependency)
	assert.Equal(t, Request, conflict.DependencyScope)
}

func TestResolve_ScopeConflictThroughTransient(t *testing.T) {
	t.Parallel()

	type holder struct {
		C *TConsumer
	}

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(func() *TRequest { return &TRequest{ID: 1} }, WithScope(Request))))
	require.NoError(t, c.RegisterProvider(Class(func(r *TRequest) *TConsumer { return &TConsumer{Req: r} }, WithScope(Transient))))
	require.NoError(t, c.RegisterProvider(Class(func(tc *TConsumer) *holder { return &holder{C: tc} })))

	ctx, s := c.BeginRequest(context.Background())
	defer s.End()

	_, err := Resolve[*holder](ctx, c)
	var conflict ScopeConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, TypeOf[*holder](), conflict.Token)
	assert.Equal(t, Singleton, conflict.Scope)
	assert.Equal(t, TypeOf[*TRequest](), conflict.Dependency)

	// Without a singleton above it the transient may use the request scope.
	consumer, err := Resolve[*TConsumer](ctx, c)
	require.NoError(t, err)
	assert.Same(t, MustResolve[*TRequest](ctx, c), consumer.Req)
}

func TestResolve_RequestDependsOnSingleton(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(NewTConfig)))
	require.NoError(t, c.RegisterProvider(Class(NewTRepo, WithScope(Request))))

	ctx, s := c.BeginRequest(context.Background())
	defer s.End()

	repo := MustResolve[*TRepo](ctx, c)
	cfg := MustResolve[*TConfig](context.Background(), c)
	assert.Same(t, cfg, repo.Config)
}

// ============================================================================
// Providers
// ============================================================================

func TestResolve_ValueAndFactory(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterModule(context.Background(), &Module{
		Name: "values",
		Providers: []*Provider{
			Value(Named("X"), 42),
			Factory(Named("Y"), func(x int) int { return x + 1 }, Inject(Named("X"))),
		},
	}))

	y, err := ResolveNamed[int](context.Background(), c, "Y")
	require.NoError(t, err)
	assert.Equal(t, 43, y)
}

func TestResolve_FactoryConcurrentDependencies(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	slow := func(v string) func(context.Context) (string, error) {
		return func(ctx context.Context) (string, error) {
			select {
			case <-time.After(20 * time.Millisecond):
				return v, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	require.NoError(t, c.RegisterProvider(Factory(Named("a"), slow("a"))))
	require.NoError(t, c.RegisterProvider(Factory(Named("b"), slow("b"))))
	require.NoError(t, c.RegisterProvider(Factory(Named("ab"),
		func(a, b string) string { return a + b },
		Inject(Named("a"), Named("b")),
	)))

	got, err := ResolveNamed[string](context.Background(), c, "ab")
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

func TestResolve_FactoryNestedResolve(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(NewTConfig)))
	require.NoError(t, c.RegisterProvider(Factory(Named("name"), func(ctx context.Context) (string, error) {
		cfg, err := Resolve[*TConfig](ctx, c)
		if err != nil {
			return "", err
		}
		return cfg.Name, nil
	})))

	got, err := ResolveNamed[string](context.Background(), c, "name")
	require.NoError(t, err)
	assert.Equal(t, "test", got)
}

func TestResolve_As(t *testing.T) {
	t.Parallel()

	type named interface{ ID() string }

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(NewTConfig, As(Named("cfg")))))

	v, err := c.Resolve(context.Background(), Named("cfg"))
	require.NoError(t, err)
	assert.IsType(t, &TConfig{}, v)
	assert.False(t, c.Has(TypeOf[*TConfig]()))

	// The class token is not constructed on demand once aliased away.
	_, err = Resolve[*TConfig](context.Background(), c)
	require.ErrorIs(t, err, ErrProviderNotFound)

	_, err = ResolveNamed[named](context.Background(), c, "cfg")
	var mismatch TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestResolve_LastWriteWins(t *testing.T) {
	t.Parallel()

	c, logs := newTestContainer(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterProvider(Value(Named("x"), 1)))
	first, err := ResolveNamed[int](ctx, c, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	require.NoError(t, c.RegisterProvider(Value(Named("x"), 2)))
	second, err := ResolveNamed[int](ctx, c, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, second)

	assert.Equal(t, 1, logs.FilterMessage("provider overwritten").Len())
	assert.Len(t, c.Tokens(), 1)
}

// ============================================================================
// Cycles
// ============================================================================

func TestResolve_ClassCycle(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterModule(context.Background(), &Module{
		Name: "cats",
		Providers: []*Provider{
			Class(NewTCatA),
			Class(NewTCatB, Inject(ForwardToken(func() Token { return TypeOf[*TCatA]() }))),
		},
	}))

	a, err := Resolve[*TCatA](context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, a.B)
	require.NotNil(t, a.B.A)
	assert.Same(t, a, a.B.A)

	b, err := Resolve[*TCatB](context.Background(), c)
	require.NoError(t, err)
	assert.Same(t, a.B, b)
}

func TestResolve_ClassCycleFailure(t *testing.T) {
	t.Parallel()

	var calls counter
	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterModule(context.Background(), &Module{
		Name: "cats",
		Providers: []*Provider{
			Class(func(b *TCatB) (*TCatA, error) {
				calls.inc()
				if calls.load() == 1 {
					return nil, errors.New("first attempt")
				}
				return &TCatA{B: b}, nil
			}),
			Class(NewTCatB, Inject(ForwardToken(func() Token { return TypeOf[*TCatA]() }))),
		},
	}))

	_, err := Resolve[*TCatA](context.Background(), c)
	require.Error(t, err)
	assert.Zero(t, c.Snapshot().Singletons, "the peer holding the unfilled placeholder is evicted")

	a, err := Resolve[*TCatA](context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, a.B)
	assert.Same(t, a, a.B.A)

	b, err := Resolve[*TCatB](context.Background(), c)
	require.NoError(t, err)
	assert.Same(t, a.B, b)
}

func TestResolve_TransientCycle(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(NewTCatA, WithScope(Transient))))
	require.NoError(t, c.RegisterProvider(Class(NewTCatB, WithScope(Transient))))

	_, err := Resolve[*TCatA](context.Background(), c)
	var cycle CircularDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []Token{TypeOf[*TCatA](), TypeOf[*TCatB](), TypeOf[*TCatA]()}, cycle.Path)
	assert.Contains(t, err.Error(), "To resolve this")
}

func TestResolve_FactoryCycle(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Factory(Named("f1"), func(s string) string { return s }, Inject(Named("f2")))))
	require.NoError(t, c.RegisterProvider(Factory(Named("f2"), func(s string) string { return s }, Inject(Named("f1")))))

	_, err := c.Resolve(context.Background(), Named("f1"))
	var cycle CircularDependencyError
	require.ErrorAs(t, err, &cycle)

	// The failed construction is not cached.
	assert.Zero(t, c.Snapshot().Singletons)
}

// ============================================================================
// Failures
// ============================================================================

func TestResolve_NotFound(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(NewTRepo)))

	_, err := Resolve[*TRepo](context.Background(), c)
	require.ErrorIs(t, err, ErrProviderNotFound)

	var nf ProviderNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, TypeOf[*TConfig](), nf.Token)
	assert.Equal(t, TypeOf[*TRepo](), nf.RequiredBy)
}

func TestResolve_FailedConstructionIsEvicted(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	var calls counter
	require.NoError(t, c.RegisterProvider(Class(func() (*TConfig, error) {
		calls.inc()
		if calls.load() == 1 {
			return nil, errors.New("not yet")
		}
		return &TConfig{Name: "ok"}, nil
	})))

	_, err := Resolve[*TConfig](context.Background(), c)
	var re ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, TypeOf[*TConfig](), re.Token)

	cfg, err := Resolve[*TConfig](context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "ok", cfg.Name)
	assert.Equal(t, 2, calls.load())
}

func TestResolve_Panic(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(func() *TConfig { panic("boom") })))

	_, err := Resolve[*TConfig](context.Background(), c)
	var pe ConstructorPanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Panic)
}

func TestResolve_NilClassInstance(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(func() *TConfig { return nil })))

	_, err := Resolve[*TConfig](context.Background(), c)
	require.ErrorIs(t, err, ErrNilInstance)
}

func TestResolve_MaxDepth(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t, WithMaxResolutionDepth(2))
	require.NoError(t, c.RegisterModule(context.Background(), &Module{
		Name:      "deep",
		Providers: []*Provider{Class(NewTConfig), Class(NewTRepo), Class(NewTService)},
	}))

	_, err := Resolve[*TService](context.Background(), c)
	var depth MaxDepthError
	require.ErrorAs(t, err, &depth)
	assert.Equal(t, 2, depth.Depth)

	_, err = Resolve[*TRepo](context.Background(), c)
	require.NoError(t, err)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestResolve_ConcurrentSingleton(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	var calls counter
	require.NoError(t, c.RegisterProvider(Class(func() *TConfig {
		calls.inc()
		time.Sleep(20 * time.Millisecond)
		return &TConfig{}
	})))

	const n = 50
	results := make([]*TConfig, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = MustResolve[*TConfig](context.Background(), c)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls.load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestResolve_ConcurrentCycle(t *testing.T) {
	t.Parallel()

	for range 20 {
		c, _ := newTestContainer(t)
		require.NoError(t, c.RegisterProvider(Class(NewTCatA)))
		require.NoError(t, c.RegisterProvider(Class(NewTCatB)))

		var wg sync.WaitGroup
		var a *TCatA
		var b *TCatB
		var errA, errB error
		wg.Add(2)
		go func() {
			defer wg.Done()
			a, errA = Resolve[*TCatA](context.Background(), c)
		}()
		go func() {
			defer wg.Done()
			b, errB = Resolve[*TCatB](context.Background(), c)
		}()
		wg.Wait()

		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Same(t, a, b.A)
		assert.Same(t, b, a.B)
	}
}

// ============================================================================
// Events
// ============================================================================

func TestResolve_Events(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterProvider(Class(NewTConfig)))
	require.NoError(t, c.RegisterProvider(Class(func() (*TRepo, error) { return nil, errors.New("down") })))

	var mu sync.Mutex
	var resolved, failed []ProviderEvent
	c.Events().On(events.ProviderResolved, func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		resolved = append(resolved, e.Payload.(ProviderEvent))
		return nil
	})
	c.Events().On(events.ProviderFailed, func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, e.Payload.(ProviderEvent))
		return nil
	})

	_, err := Resolve[*TConfig](context.Background(), c)
	require.NoError(t, err)
	_, err = Resolve[*TRepo](context.Background(), c)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resolved, 1)
	assert.Equal(t, TypeOf[*TConfig](), resolved[0].Token)
	require.Len(t, failed, 1)
	assert.Equal(t, TypeOf[*TRepo](), failed[0].Token)
	assert.Error(t, failed[0].Err)
}

func TestResolve_EventSubscriberResolves(t *testing.T) {
	t.Parallel()

	c, _ := newTestContainer(t)
	require.NoError(t, c.RegisterModule(context.Background(), &Module{
		Name:      "app",
		Providers: []*Provider{Class(NewTConfig), Class(NewTRepo), Class(NewTService)},
	}))

	var mu sync.Mutex
	seen := make(map[Token]any)
	c.Events().On(events.ProviderResolved, func(ctx context.Context, e events.Event) error {
		ev := e.Payload.(ProviderEvent)
		v, err := c.Resolve(ctx, ev.Token)
		if err != nil {
			return err
		}

		// TService is still under construction while its dependencies report.
		_, _ = c.Resolve(ctx, TypeOf[*TService]())

		mu.Lock()
		defer mu.Unlock()
		seen[ev.Token] = v
		return nil
	})

	var svc *TService
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc, err = Resolve[*TService](context.Background(), c)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("resolution did not complete")
	}

	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Same(t, svc, seen[TypeOf[*TService]()])
	assert.Same(t, svc.Repo, seen[TypeOf[*TRepo]()])
	assert.Same(t, svc.Repo.Config, seen[TypeOf[*TConfig]()])
}

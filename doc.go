// Package modi is a module-oriented dependency injection container.
//
// Applications are composed of modules. A module declares providers,
// controllers, the modules it imports and the tokens it exports. Providers
// are resolved lazily by token, with singleton, transient or request scope,
// and instances that implement the lifecycle hook interfaces are driven
// through the application lifecycle.
//
// # Tokens and providers
//
// A Token identifies a provider. Class tokens are derived from a struct
// pointer type and named tokens from a string:
//
//	var ConfigToken = modi.Named("config")
//
//	type UserService struct{ repo *UserRepo }
//
//	func NewUserService(repo *UserRepo) *UserService {
//	    return &UserService{repo: repo}
//	}
//
//	users := &modi.Module{
//	    Name: "users",
//	    Providers: []*modi.Provider{
//	        modi.Class(NewUserRepo),
//	        modi.Class(NewUserService),
//	        modi.Value(ConfigToken, cfg),
//	        modi.Factory(modi.Named("dsn"), func(cfg *Config) string {
//	            return cfg.DSN
//	        }, modi.Inject(ConfigToken)),
//	    },
//	    Exports: []modi.Token{modi.TypeOf[*UserService]()},
//	}
//
// Constructor parameters are resolved by type unless Inject lists explicit
// tokens. A constructor may take a leading context.Context and may return an
// error as its second result.
//
// # Modules
//
// Imports are registered before the importing module and a module imported
// along several paths is registered once. ForwardRef breaks initialization
// cycles between module variables:
//
//	var a, b *modi.Module
//	a = &modi.Module{Name: "a", Imports: []modi.ModuleRef{modi.ForwardRef(func() modi.ModuleRef { return b })}}
//	b = &modi.Module{Name: "b", Imports: []modi.ModuleRef{a}}
//
// DynamicModule extends a base module with extra metadata at registration
// time, for configurable modules such as ForRoot patterns.
//
// # Resolution
//
// Singletons are constructed once even under concurrent resolution. A
// circular dependency between class providers is satisfied with a
// placeholder that is filled in when construction finishes, provided one
// side of the cycle uses ForwardToken. Cycles through factories or
// transient providers fail with a CircularDependencyError.
//
//	app, err := modi.New(users)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Bootstrap(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := modi.Resolve[*UserService](ctx, app.Container())
//
// Request scoped providers need a RequestScope in the context:
//
//	ctx, scope := container.BeginRequest(ctx)
//	defer scope.End()
//
// # Lifecycle
//
// Instances implementing OnModuleInit, OnApplicationBootstrap,
// BeforeApplicationShutdown, OnModuleDestroy or OnApplicationShutdown are
// called in dependency order during startup and in reverse order during
// shutdown. Hook failures and timeouts are logged and published on the event
// bus; they do not abort the phase.
//
// # Dynamic modules
//
// A Loader registers modules at runtime by name, unloads and reloads them,
// and with hot reload enabled reloads a module when one of its watched files
// changes.
//
// # Analysis
//
// BuildGraph describes the module graph of a root module and reports cycles,
// depth and complexity. Graphs export to DOT, JSON and YAML.
package modi

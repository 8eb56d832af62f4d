// Package bridge connects a modi container to go.uber.org/dig and
// go.uber.org/fx.
//
// ProvideToDig and FxModule expose modi tokens to a dig or fx graph; each
// value is resolved from the modi container when dig first needs it.
// FromDig goes the other way and binds a value of a dig container as a modi
// provider. FxModule also ties the modi application lifecycle to fx's.
package bridge

import (
	"context"
	"fmt"
	"reflect"

	"github.com/junioryono/modi"
	"go.uber.org/dig"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

var errType = reflect.TypeFor[error]()

// binding describes how a token is exposed to dig.
type binding struct {
	token modi.Token
	typ   reflect.Type
	name  string
	ctor  any
}

func bindings(ctx context.Context, c *modi.Container, tokens []modi.Token) ([]binding, error) {
	out := make([]binding, 0, len(tokens))
	for _, token := range tokens {
		p, err := c.Lookup(token)
		if err != nil {
			return nil, err
		}

		b := binding{token: token}
		if token.IsClass() {
			b.typ = token.Type()
		} else {
			b.typ = p.ResultType()
			b.name = token.Name()
		}
		if b.typ == nil {
			return nil, fmt.Errorf("cannot expose %s: unknown instance type", token)
		}

		b.ctor = constructor(ctx, c, token, b.typ)
		out = append(out, b)
	}
	return out, nil
}

// constructor builds a func() (T, error), T being typ, that resolves token
// from c.
func constructor(ctx context.Context, c *modi.Container, token modi.Token, typ reflect.Type) any {
	fnType := reflect.FuncOf(nil, []reflect.Type{typ, errType}, false)

	return reflect.MakeFunc(fnType, func([]reflect.Value) []reflect.Value {
		out := reflect.New(typ).Elem()

		v, err := c.Resolve(ctx, token)
		if err == nil && v != nil {
			rv := reflect.ValueOf(v)
			if rv.Type().AssignableTo(typ) {
				out.Set(rv)
			} else {
				err = modi.TypeMismatchError{Expected: typ, Actual: rv.Type()}
			}
		}

		errVal := reflect.Zero(errType)
		if err != nil {
			errVal = reflect.ValueOf(&err).Elem()
		}
		return []reflect.Value{out, errVal}
	}).Interface()
}

// ProvideToDig provides tokens of c to d. Class tokens are provided as
// their type and named tokens as their provider's result type under a dig
// name. Instances are resolved from c on first use by d.
func ProvideToDig(ctx context.Context, c *modi.Container, d *dig.Container, tokens ...modi.Token) error {
	bs, err := bindings(ctx, c, tokens)
	if err != nil {
		return err
	}

	for _, b := range bs {
		var opts []dig.ProvideOption
		if b.name != "" {
			opts = append(opts, dig.Name(b.name))
		}
		if err := d.Provide(b.ctor, opts...); err != nil {
			return fmt.Errorf("failed to provide %s to dig: %w", b.token, err)
		}
	}
	return nil
}

// FromDig returns a provider bound to TypeOf[T]() whose instance is taken
// from d.
func FromDig[T any](d *dig.Container, opts ...modi.ProviderOption) *modi.Provider {
	return modi.Factory(modi.TypeOf[T](), func() (T, error) {
		var out T
		err := d.Invoke(func(v T) { out = v })
		return out, err
	}, opts...)
}

// FxModule initializes app and returns an fx module that supplies app and
// its container and provides tokens like ProvideToDig. The module's fx
// lifecycle hook bootstraps app on start and shuts it down on stop.
func FxModule(app *modi.Application, tokens ...modi.Token) fx.Option {
	ctx := context.Background()
	if err := app.Init(ctx); err != nil {
		return fx.Error(err)
	}

	c := app.Container()
	bs, err := bindings(ctx, c, tokens)
	if err != nil {
		return fx.Error(err)
	}

	opts := []fx.Option{fx.Supply(app, c)}
	for _, b := range bs {
		if b.name != "" {
			opts = append(opts, fx.Provide(fx.Annotate(b.ctor, fx.ResultTags(fmt.Sprintf(`name:"%s"`, b.name)))))
			continue
		}
		opts = append(opts, fx.Provide(b.ctor))
	}

	opts = append(opts, fx.Invoke(func(lc fx.Lifecycle) {
		lc.Append(fx.Hook{
			OnStart: app.Bootstrap,
			OnStop: func(ctx context.Context) error {
				return app.Shutdown(ctx, "fx stop")
			},
		})
	}))

	return fx.Module("modi", opts...)
}

// FxLogger routes fx's own events to app's logger.
func FxLogger(app *modi.Application) fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ZapLogger{Logger: app.Logger().Named("fx")}
	})
}

package modi

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/junioryono/modi/internal/reflection"
	"go.uber.org/multierr"
)

// ProviderKind is the shape of a provider definition.
type ProviderKind int

const (
	ClassProvider ProviderKind = iota
	ValueProvider
	FactoryProvider
)

func (k ProviderKind) String() string {
	switch k {
	case ClassProvider:
		return "class"
	case ValueProvider:
		return "value"
	case FactoryProvider:
		return "factory"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

var analyzer = reflection.New()

// Provider is a provider definition: how to produce the instance bound to a
// token. Create one with Class, Value or Factory.
type Provider struct {
	kind      ProviderKind
	token     Token
	scope     Scope
	bootstrap bool

	fn     reflect.Value
	info   *reflection.FuncInfo
	inject []Injectable

	value any

	// err is a definition error surfaced when the provider is registered.
	err error
}

// ProviderOption configures a provider definition.
type ProviderOption interface {
	applyProvider(*Provider)
}

type providerOptionFunc func(*Provider)

func (f providerOptionFunc) applyProvider(p *Provider) { f(p) }

// WithScope sets the provider's scope. Value providers ignore it.
func WithScope(s Scope) ProviderOption {
	return providerOptionFunc(func(p *Provider) {
		if !s.IsValid() {
			p.err = multierr.Append(p.err, ScopeError{Value: s})
			return
		}
		p.scope = s
	})
}

// Bootstrap marks the provider for eager resolution during the application
// bootstrap phase, so construction failures surface at startup.
func Bootstrap() ProviderOption {
	return providerOptionFunc(func(p *Provider) {
		p.bootstrap = true
	})
}

// Inject overrides the dependency tokens derived from the constructor's
// parameter types. The list must have one entry per non-context parameter.
func Inject(deps ...Injectable) ProviderOption {
	return providerOptionFunc(func(p *Provider) {
		p.inject = deps
	})
}

// As binds a class provider to token instead of its constructor's result
// type, typically an interface the class implements.
func As(token Token) ProviderOption {
	return providerOptionFunc(func(p *Provider) {
		p.token = token
	})
}

// Class defines a class provider. ctor must return a struct pointer *T, or
// (*T, error), and may take a context.Context as its first parameter. The
// provider is bound to TypeOf[*T]() and its remaining parameters are its
// dependencies.
//
//	modi.Class(NewUserService)
//	modi.Class(NewPeer, modi.Inject(modi.ForwardToken(func() modi.Token { return modi.TypeOf[*Other]() })))
func Class(ctor any, opts ...ProviderOption) *Provider {
	p := &Provider{kind: ClassProvider}

	info, err := analyzer.Analyze(ctor)
	if err != nil {
		p.err = err
	} else {
		p.fn = reflect.ValueOf(ctor)
		p.info = info
		p.token = TokenFor(info.Result)
		if !isStructPointer(info.Result) {
			p.err = fmt.Errorf("class constructor must return a struct pointer, got %s", formatType(info.Result))
		}
	}

	p.apply(opts)
	if p.err == nil {
		p.err = p.validateInject()
	}

	return p
}

// Value defines a provider that always resolves to v.
func Value(token Token, v any, opts ...ProviderOption) *Provider {
	p := &Provider{kind: ValueProvider, token: token, value: v}
	p.apply(opts)
	p.scope = Singleton

	if token.IsZero() {
		p.err = multierr.Append(p.err, errors.New("value provider requires a token"))
	}

	return p
}

// Factory defines a provider that calls fn to produce the instance bound to
// token. fn returns V or (V, error) and may take a context.Context first.
// Its dependencies are given with Inject or, by default, derived from its
// parameter types. Dependencies of a factory are resolved concurrently.
//
//	modi.Factory(modi.Named("Y"), func(x int) int { return x + 1 }, modi.Inject(modi.Named("X")))
func Factory(token Token, fn any, opts ...ProviderOption) *Provider {
	p := &Provider{kind: FactoryProvider, token: token}

	info, err := analyzer.Analyze(fn)
	if err != nil {
		p.err = err
	} else {
		p.fn = reflect.ValueOf(fn)
		p.info = info
	}

	p.apply(opts)

	if token.IsZero() {
		p.err = multierr.Append(p.err, errors.New("factory provider requires a token"))
	}
	if p.err == nil {
		p.err = p.validateInject()
	}

	return p
}

func (p *Provider) apply(opts []ProviderOption) {
	for _, opt := range opts {
		if opt != nil {
			opt.applyProvider(p)
		}
	}
}

func (p *Provider) validateInject() error {
	if p.inject == nil || p.info == nil {
		return nil
	}
	if len(p.inject) != len(p.info.Params) {
		return fmt.Errorf("%w: inject list has %d tokens for %d parameters of %s",
			reflection.ErrArgumentCount, len(p.inject), len(p.info.Params), formatType(p.info.Type))
	}
	for i, dep := range p.inject {
		if dep == nil {
			return fmt.Errorf("inject entry %d is nil", i)
		}
	}
	return nil
}

func isStructPointer(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct
}

// Token returns the token the provider is bound to.
func (p *Provider) Token() Token {
	return p.token
}

// Kind returns the provider's shape.
func (p *Provider) Kind() ProviderKind {
	return p.kind
}

// Scope returns the provider's scope.
func (p *Provider) Scope() Scope {
	return p.scope
}

// IsBootstrap reports whether the provider is eagerly resolved at bootstrap.
func (p *Provider) IsBootstrap() bool {
	return p.bootstrap
}

// ResultType returns the static type of the provider's instances: the
// constructor's result for classes and factories and the value's dynamic
// type for values. It is nil for invalid providers and nil values.
func (p *Provider) ResultType() reflect.Type {
	if p.kind == ValueProvider {
		return reflect.TypeOf(p.value)
	}
	if p.info == nil {
		return nil
	}
	return p.info.Result
}

// Err returns the definition error, if any.
func (p *Provider) Err() error {
	if p.err == nil {
		return nil
	}
	return ProviderError{Token: p.token, Cause: p.err}
}

// Dependencies returns the provider's dependency tokens. Forward tokens are
// evaluated.
func (p *Provider) Dependencies() []Token {
	if p.info == nil || p.err != nil {
		return nil
	}

	deps := make([]Token, len(p.info.Params))
	for i, param := range p.info.Params {
		if p.inject != nil {
			deps[i] = p.inject[i].resolveToken()
		} else {
			deps[i] = TokenFor(param)
		}
	}
	return deps
}

func (p *Provider) String() string {
	return fmt.Sprintf("%s provider %s (%s)", p.kind, p.token, p.scope)
}

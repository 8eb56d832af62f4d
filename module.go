package modi

import (
	"fmt"
)

// ModuleRef references a module in an import list: a *Module, a
// *DynamicModule or a ForwardRef.
type ModuleRef interface {
	moduleRef()
}

// Module is a static module: a named unit grouping providers and
// controllers and importing other modules. A module's identity is its
// pointer; importing the same *Module from several parents registers it
// once.
//
//	var UsersModule = &modi.Module{
//	    Name:        "users",
//	    Imports:     []modi.ModuleRef{DatabaseModule},
//	    Providers:   []*modi.Provider{modi.Class(NewUserRepository)},
//	    Controllers: []*modi.Provider{modi.Class(NewUserController)},
//	    Exports:     []modi.Token{modi.TypeOf[*UserRepository]()},
//	}
type Module struct {
	Name        string
	Imports     []ModuleRef
	Providers   []*Provider
	Controllers []*Provider
	Exports     []Token
}

func (*Module) moduleRef() {}

// DynamicModule is a module descriptor synthesized at runtime, typically by
// a ForRoot or ForFeature helper. Its metadata is the wrapped Module's
// metadata followed by the dynamic additions. Its identity is its own
// pointer, distinct from the wrapped Module.
//
//	func ForRoot(dsn string) *modi.DynamicModule {
//	    return &modi.DynamicModule{
//	        Module:    DatabaseModule,
//	        Providers: []*modi.Provider{modi.Value(modi.Named("DSN"), dsn)},
//	        Exports:   []modi.Token{modi.Named("DSN")},
//	    }
//	}
type DynamicModule struct {
	Module      *Module
	Imports     []ModuleRef
	Providers   []*Provider
	Controllers []*Provider
	Exports     []Token
}

func (*DynamicModule) moduleRef() {}

type forwardRef struct {
	fn func() ModuleRef
}

func (*forwardRef) moduleRef() {}

// ForwardRef defers dereferencing a module until the module graph is built.
// Wrapping one edge of a module import cycle in a ForwardRef allows the
// cycle to be declared before both sides exist.
//
//	var A = &modi.Module{Name: "A", Imports: []modi.ModuleRef{modi.ForwardRef(func() modi.ModuleRef { return B })}}
func ForwardRef(fn func() ModuleRef) ModuleRef {
	return &forwardRef{fn: fn}
}

// ModuleKind classifies how a module was referenced.
type ModuleKind string

const (
	StaticModule     ModuleKind = "static"
	DynamicModuleRef ModuleKind = "dynamic"
	ForwardModuleRef ModuleKind = "forwardRef"
)

// maxForwardHops bounds chains of ForwardRefs returning ForwardRefs.
const maxForwardHops = 32

// moduleMeta is the normalized metadata of a module reference.
type moduleMeta struct {
	id          any
	name        string
	kind        ModuleKind
	imports     []ModuleRef
	providers   []*Provider
	controllers []*Provider
	exports     []Token
}

// normalize dereferences ForwardRefs and merges dynamic metadata. The kind
// reflects the outermost reference.
func normalize(ref ModuleRef) (*moduleMeta, error) {
	kind := StaticModule
	for hops := 0; ; hops++ {
		fr, ok := ref.(*forwardRef)
		if !ok {
			break
		}
		if hops == maxForwardHops {
			return nil, fmt.Errorf("%w: forward reference chain exceeds %d hops", ErrInvalidModuleRef, maxForwardHops)
		}
		if fr == nil || fr.fn == nil {
			return nil, fmt.Errorf("%w: nil forward reference", ErrInvalidModuleRef)
		}

		kind = ForwardModuleRef
		ref = fr.fn()
	}

	switch m := ref.(type) {
	case *Module:
		if m == nil {
			return nil, fmt.Errorf("%w: nil module", ErrInvalidModuleRef)
		}
		return &moduleMeta{
			id:          m,
			name:        m.Name,
			kind:        kind,
			imports:     m.Imports,
			providers:   m.Providers,
			controllers: m.Controllers,
			exports:     m.Exports,
		}, nil

	case *DynamicModule:
		if m == nil {
			return nil, fmt.Errorf("%w: nil dynamic module", ErrInvalidModuleRef)
		}
		if kind == StaticModule {
			kind = DynamicModuleRef
		}

		meta := &moduleMeta{id: m, kind: kind}
		if m.Module != nil {
			meta.name = m.Module.Name
			meta.imports = append(meta.imports, m.Module.Imports...)
			meta.providers = append(meta.providers, m.Module.Providers...)
			meta.controllers = append(meta.controllers, m.Module.Controllers...)
			meta.exports = append(meta.exports, m.Module.Exports...)
		}
		meta.imports = append(meta.imports, m.Imports...)
		meta.providers = append(meta.providers, m.Providers...)
		meta.controllers = append(meta.controllers, m.Controllers...)
		meta.exports = append(meta.exports, m.Exports...)
		return meta, nil

	case nil:
		return nil, fmt.Errorf("%w: nil module reference", ErrInvalidModuleRef)

	default:
		return nil, fmt.Errorf("%w: unsupported reference %T", ErrInvalidModuleRef, ref)
	}
}

// displayName returns the module's name, or a generated one for anonymous
// modules.
func (m *moduleMeta) displayName() string {
	if m.name != "" {
		return m.name
	}
	return fmt.Sprintf("module@%p", m.id)
}

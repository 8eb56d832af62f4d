// Package reflection analyzes and invokes provider constructor functions.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
)

var (
	errType = reflect.TypeFor[error]()
	ctxType = reflect.TypeFor[context.Context]()
)

var (
	ErrNotFunc       = errors.New("constructor must be a function")
	ErrNilFunc       = errors.New("constructor cannot be nil")
	ErrVariadic      = errors.New("variadic constructors are not supported")
	ErrBadReturns    = errors.New("constructor must return a value or (value, error)")
	ErrArgumentCount = errors.New("argument count does not match constructor parameters")
)

// FuncInfo describes a constructor function signature.
type FuncInfo struct {
	Type reflect.Type

	// TakesContext is true when the first parameter is a context.Context.
	// The context is supplied by the caller and is not part of Params.
	TakesContext bool

	// Params are the dependency parameter types, in order.
	Params []reflect.Type

	// Result is the type of the constructed value.
	Result reflect.Type

	// HasError is true when the constructor returns (value, error).
	HasError bool
}

// PanicError is returned by Call when the constructor panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("constructor panicked: %v", e.Value)
}

// Analyzer inspects constructor signatures. Results are cached per function
// type, so closures sharing a signature share one analysis.
type Analyzer struct {
	mu    sync.RWMutex
	cache map[reflect.Type]*FuncInfo
}

// New creates an Analyzer.
func New() *Analyzer {
	return &Analyzer{
		cache: make(map[reflect.Type]*FuncInfo),
	}
}

// Analyze validates fn and returns its signature information.
func (a *Analyzer) Analyze(fn any) (*FuncInfo, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}

	val := reflect.ValueOf(fn)
	typ := val.Type()
	if typ.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, got %v", ErrNotFunc, typ)
	}
	if val.IsNil() {
		return nil, ErrNilFunc
	}

	a.mu.RLock()
	if info, ok := a.cache[typ]; ok {
		a.mu.RUnlock()
		return info, nil
	}
	a.mu.RUnlock()

	info, err := analyzeType(typ)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cache[typ] = info
	a.mu.Unlock()

	return info, nil
}

func analyzeType(typ reflect.Type) (*FuncInfo, error) {
	if typ.IsVariadic() {
		return nil, fmt.Errorf("%w: %v", ErrVariadic, typ)
	}

	info := &FuncInfo{Type: typ}

	for i := 0; i < typ.NumIn(); i++ {
		in := typ.In(i)
		if in == ctxType {
			if i != 0 {
				return nil, fmt.Errorf("context.Context must be the first parameter of %v", typ)
			}
			info.TakesContext = true
			continue
		}
		info.Params = append(info.Params, in)
	}

	switch typ.NumOut() {
	case 1:
		if typ.Out(0) == errType {
			return nil, fmt.Errorf("%w: %v", ErrBadReturns, typ)
		}
	case 2:
		if typ.Out(0) == errType || typ.Out(1) != errType {
			return nil, fmt.Errorf("%w: %v", ErrBadReturns, typ)
		}
		info.HasError = true
	default:
		return nil, fmt.Errorf("%w: %v", ErrBadReturns, typ)
	}

	info.Result = typ.Out(0)
	return info, nil
}

// Call invokes fn with ctx (when the constructor accepts one) followed by
// args. A nil arg is passed as the zero value of its parameter type. Panics
// are recovered and returned as *PanicError.
func Call(ctx context.Context, info *FuncInfo, fn reflect.Value, args []any) (result any, err error) {
	if len(args) != len(info.Params) {
		return nil, fmt.Errorf("%w: %v expects %d, got %d", ErrArgumentCount, info.Type, len(info.Params), len(args))
	}

	in := make([]reflect.Value, 0, len(args)+1)
	if info.TakesContext {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
	}

	for i, arg := range args {
		v, err := argValue(arg, info.Params[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d of %v: %w", i, info.Type, err)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	out := fn.Call(in)

	if info.HasError && !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}

	return out[0].Interface(), nil
}

func argValue(arg any, want reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(want), nil
	}

	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) && v.Kind() == want.Kind() {
		return v.Convert(want), nil
	}

	return reflect.Value{}, fmt.Errorf("cannot use %v as %v", v.Type(), want)
}

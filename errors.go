package modi

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ========================================
// Core Error Values (Sentinel Errors)
// ========================================
// Typed errors below wrap these; match them with errors.Is.

var (
	// Resolution errors.
	ErrProviderNotFound  = errors.New("provider not found")
	ErrNoRequestScope    = errors.New("request-scoped provider resolved outside a request scope")
	ErrRequestScopeEnded = errors.New("request scope has ended")
	ErrNilInstance       = errors.New("constructor returned a nil instance")

	// Registration errors.
	ErrInvalidProvider  = errors.New("invalid provider definition")
	ErrInvalidModuleRef = errors.New("invalid module reference")
	ErrModuleNotFound   = errors.New("module not registered")

	// Lifecycle errors.
	ErrApplicationClosed = errors.New("application has been shut down")
)

var (
	_ error = ScopeError{}
	_ error = ProviderNotFoundError{}
	_ error = CircularDependencyError{}
	_ error = ResolutionError{}
	_ error = ConstructorPanicError{}
	_ error = MaxDepthError{}
	_ error = ScopeConflictError{}
	_ error = TypeMismatchError{}
	_ error = ProviderError{}
	_ error = ModuleError{}
	_ error = DuplicateModuleError{}
	_ error = ModuleNotFoundError{}
	_ error = HookError{}
	_ error = HookTimeoutError{}
)

// ScopeError indicates an invalid scope value.
type ScopeError struct {
	Value any
}

func (e ScopeError) Error() string {
	return fmt.Sprintf("invalid scope: %v", e.Value)
}

// ProviderNotFoundError indicates that a token has no registered provider.
type ProviderNotFoundError struct {
	Token      Token
	RequiredBy Token // zero when resolved directly
}

func (e ProviderNotFoundError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("provider not found: %s", e.Token))
	if !e.RequiredBy.IsZero() {
		b.WriteString(fmt.Sprintf(" (required by %s)", e.RequiredBy))
	}

	if !e.Token.IsClass() {
		b.WriteString("\n\nNamed tokens must be registered with modi.Value or modi.Factory.")
	} else {
		b.WriteString("\n\nMake sure the module declaring it is imported by the module being resolved.")
	}

	return b.String()
}

func (e ProviderNotFoundError) Is(target error) bool {
	return target == ErrProviderNotFound
}

// CircularDependencyError indicates a dependency cycle that cannot be broken
// with a placeholder instance: cycles through factories, values, transient
// providers or constructors that do not return a struct pointer.
type CircularDependencyError struct {
	Path []Token
}

func (e CircularDependencyError) Error() string {
	var b strings.Builder
	b.WriteString("circular dependency detected:\n\n")

	for i, t := range e.Path {
		b.WriteString(fmt.Sprintf("    %s", t))
		if i == len(e.Path)-1 && i > 0 {
			b.WriteString(" (cycle)")
		}
		b.WriteString("\n")
		if i < len(e.Path)-1 {
			b.WriteString("      ↓\n")
		}
	}

	b.WriteString("\nTo resolve this:\n")
	b.WriteString("  • Make one side of the cycle a singleton class provider returning a struct pointer\n")
	b.WriteString("  • Resolve the dependency lazily from within a method instead of the constructor\n")
	b.WriteString("  • Restructure to remove the circular relationship\n")

	return b.String()
}

// ResolutionError wraps a failure to construct a provider.
type ResolutionError struct {
	Token Token
	Cause error
}

func (e ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %s: %v", e.Token, e.Cause)
}

func (e ResolutionError) Unwrap() error {
	return e.Cause
}

// ConstructorPanicError indicates a constructor or factory panicked.
type ConstructorPanicError struct {
	Constructor reflect.Type
	Panic       any
	Stack       []byte
}

func (e ConstructorPanicError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("constructor %s panicked: %v\n", formatType(e.Constructor), e.Panic))

	b.WriteString("\nTo resolve this:\n")
	b.WriteString("  • Check for nil pointer dereferences in your constructor\n")
	b.WriteString("  • Move panic-prone initialization to an OnModuleInit hook\n")

	if len(e.Stack) > 0 {
		b.WriteString("\nStack trace:\n")
		b.Write(e.Stack)
	}

	return b.String()
}

// MaxDepthError indicates that a resolution chain exceeded the configured
// maximum depth.
type MaxDepthError struct {
	Token Token
	Depth int
}

func (e MaxDepthError) Error() string {
	return fmt.Sprintf("resolution of %s exceeded the maximum depth of %d", e.Token, e.Depth)
}

// ScopeConflictError indicates a singleton depending on a request-scoped
// provider.
type ScopeConflictError struct {
	Token           Token
	Scope           Scope
	Dependency      Token
	DependencyScope Scope
}

func (e ScopeConflictError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("scope conflict: %s (%s) cannot depend on %s (%s)\n\n",
		e.Token, e.Scope, e.Dependency, e.DependencyScope))

	b.WriteString("A singleton depending on a request-scoped provider would capture a single\n")
	b.WriteString("request's instance for the lifetime of the container.\n\n")

	b.WriteString("To resolve this:\n")
	b.WriteString(fmt.Sprintf("  • Change %s to Request scope\n", e.Token))
	b.WriteString(fmt.Sprintf("  • Resolve %s per call from a context carrying the request scope\n", e.Dependency))

	return b.String()
}

// TypeMismatchError indicates a resolved instance is not of the requested type.
type TypeMismatchError struct {
	Expected reflect.Type
	Actual   reflect.Type
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", formatType(e.Expected), formatType(e.Actual))
}

// ProviderError indicates an invalid provider definition.
type ProviderError struct {
	Token Token
	Cause error
}

func (e ProviderError) Error() string {
	if e.Token.IsZero() {
		return fmt.Sprintf("invalid provider: %v", e.Cause)
	}
	return fmt.Sprintf("invalid provider %s: %v", e.Token, e.Cause)
}

func (e ProviderError) Unwrap() error {
	return e.Cause
}

func (e ProviderError) Is(target error) bool {
	return target == ErrInvalidProvider
}

// ModuleError wraps errors from module registration.
type ModuleError struct {
	Module string
	Cause  error
}

func (e ModuleError) Error() string {
	return fmt.Sprintf("module %q: %v", e.Module, e.Cause)
}

func (e ModuleError) Unwrap() error {
	return e.Cause
}

// DuplicateModuleError is returned when loading a module under a name that
// is already loaded.
type DuplicateModuleError struct {
	Name string
}

func (e DuplicateModuleError) Error() string {
	return fmt.Sprintf("module %q is already loaded", e.Name)
}

// ModuleNotFoundError is returned when unloading or reloading a name that is
// not loaded.
type ModuleNotFoundError struct {
	Name string
}

func (e ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %q is not loaded", e.Name)
}

func (e ModuleNotFoundError) Is(target error) bool {
	return target == ErrModuleNotFound
}

// HookError describes a failed lifecycle hook. Hook errors are reported
// through the logger and the event bus, never returned from a phase.
type HookError struct {
	Phase Phase
	Token Token
	Cause error
}

func (e HookError) Error() string {
	return fmt.Sprintf("%s hook of %s failed: %v", e.Phase, e.Token, e.Cause)
}

func (e HookError) Unwrap() error {
	return e.Cause
}

// HookTimeoutError indicates a lifecycle hook did not return within the
// configured hook timeout and was abandoned.
type HookTimeoutError struct {
	Phase   Phase
	Token   Token
	Timeout time.Duration
}

func (e HookTimeoutError) Error() string {
	return fmt.Sprintf("%s hook of %s timed out after %v", e.Phase, e.Token, e.Timeout)
}

func (e HookTimeoutError) Is(target error) bool {
	return errors.Is(target, context.DeadlineExceeded)
}

// formatType formats a reflect.Type for error messages.
func formatType(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	switch t.Kind() {
	case reflect.Pointer:
		elem := t.Elem()
		if elem.PkgPath() != "" && elem.Name() != "" {
			return "*" + elem.Name()
		}
		return t.String()
	case reflect.Slice:
		elem := t.Elem()
		if elem.PkgPath() != "" && elem.Name() != "" {
			return "[]" + elem.Name()
		}
		return t.String()
	case reflect.Func:
		return t.String()
	default:
		if t.Name() != "" {
			return t.Name()
		}
		return t.String()
	}
}

package modi

import (
	"reflect"
)

// Token identifies a provider. A class token is the identity of a Go type;
// a named token is an opaque string key.
//
//	modi.TypeOf[*UserService]()
//	modi.Named("DATABASE_URL")
type Token struct {
	typ  reflect.Type
	name string
}

// TypeOf returns the class token for T.
func TypeOf[T any]() Token {
	return Token{typ: reflect.TypeFor[T]()}
}

// TokenFor returns the class token for t.
func TokenFor(t reflect.Type) Token {
	return Token{typ: t}
}

// Named returns a named token.
func Named(name string) Token {
	return Token{name: name}
}

// Type returns the type of a class token, or nil for a named token.
func (t Token) Type() reflect.Type {
	return t.typ
}

// Name returns the key of a named token.
func (t Token) Name() string {
	return t.name
}

// IsClass reports whether t is a class token.
func (t Token) IsClass() bool {
	return t.typ != nil
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t.typ == nil && t.name == ""
}

func (t Token) String() string {
	if t.typ != nil {
		return formatType(t.typ)
	}
	if t.name == "" {
		return "<zero token>"
	}
	return t.name
}

func (t Token) resolveToken() Token {
	return t
}

// Injectable is anything that may appear in an inject list: a Token or a
// forward reference to one.
type Injectable interface {
	resolveToken() Token
}

type forwardToken func() Token

func (f forwardToken) resolveToken() Token {
	return f()
}

// ForwardToken defers evaluation of a token until resolution time. It is
// used to reference a class declared later, typically on one side of a
// circular dependency.
func ForwardToken(fn func() Token) Injectable {
	return forwardToken(fn)
}

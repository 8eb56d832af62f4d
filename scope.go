package modi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Scope determines how instances of a provider are cached.
type Scope int

const (
	// Singleton providers are constructed once per container. This is the
	// default.
	Singleton Scope = iota

	// Transient providers are constructed on every resolution, together with
	// a fresh resolution of their own dependencies.
	Transient

	// Request providers are cached per RequestScope. Resolving one without a
	// RequestScope in the context fails with ErrNoRequestScope.
	Request
)

func (s Scope) String() string {
	switch s {
	case Singleton:
		return "Singleton"
	case Transient:
		return "Transient"
	case Request:
		return "Request"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsValid reports whether s is a known scope.
func (s Scope) IsValid() bool {
	return s >= Singleton && s <= Request
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Singleton", "singleton":
		*s = Singleton
	case "Transient", "transient":
		*s = Transient
	case "Request", "request":
		*s = Request
	default:
		return ScopeError{Value: string(text)}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	return s.UnmarshalText([]byte(str))
}

// RequestScope is the cache boundary for Request-scoped providers. The
// transport layer creates one per request with Container.BeginRequest and
// ends it when the request completes.
type RequestScope struct {
	id        string
	container *Container
	cache     *instanceCache
	ended     atomic.Bool
	endOnce   sync.Once
}

type requestScopeKey struct{}

// BeginRequest creates a RequestScope and returns a context carrying it.
func (c *Container) BeginRequest(ctx context.Context) (context.Context, *RequestScope) {
	if ctx == nil {
		ctx = context.Background()
	}

	s := &RequestScope{
		id:        uuid.NewString(),
		container: c,
		cache:     newInstanceCache(),
	}

	return WithRequestScope(ctx, s), s
}

// WithRequestScope returns a copy of ctx carrying s.
func WithRequestScope(ctx context.Context, s *RequestScope) context.Context {
	return context.WithValue(ctx, requestScopeKey{}, s)
}

// RequestScopeFrom returns the RequestScope carried by ctx.
func RequestScopeFrom(ctx context.Context) (*RequestScope, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(requestScopeKey{}).(*RequestScope)
	return s, ok && s != nil
}

// ID returns the scope's unique id.
func (s *RequestScope) ID() string {
	return s.id
}

// Container returns the container that began the scope.
func (s *RequestScope) Container() *Container {
	return s.container
}

// Len returns the number of instances cached in the scope.
func (s *RequestScope) Len() int {
	return s.cache.len()
}

// End drops the scope's cached instances. Resolving Request providers
// through an ended scope fails with ErrRequestScopeEnded. End is idempotent.
func (s *RequestScope) End() {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		s.cache.clear()
	})
}

// Ended reports whether End was called.
func (s *RequestScope) Ended() bool {
	return s.ended.Load()
}

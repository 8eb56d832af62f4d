// Package events provides the named-event bus used to publish module and
// lifecycle notifications.
package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Event names published by the container.
const (
	ModuleRegistered = "module.registered"
	ModuleLoaded     = "module.loaded"
	ModuleUnloaded   = "module.unloaded"
	ModuleReloaded   = "module.reloaded"

	LifecyclePhaseStarted   = "lifecycle.phase.started"
	LifecyclePhaseCompleted = "lifecycle.phase.completed"
	LifecycleHookFailed     = "lifecycle.hook.failed"

	ProviderResolved = "provider.resolved"
	ProviderFailed   = "provider.failed"

	// ErrorEvent carries a HandlerError whenever a subscriber fails.
	ErrorEvent = "error"
)

// DefaultHistorySize is the number of events kept for History when no size
// is configured.
const DefaultHistorySize = 100

// Event is a single published notification.
type Event struct {
	ID        string
	Name      string
	Payload   any
	Timestamp time.Time
}

// Handler receives events. A returned error or panic is isolated from other
// handlers and from the emitter.
type Handler func(ctx context.Context, e Event) error

// HandlerError is the payload of ErrorEvent.
type HandlerError struct {
	Event Event
	Err   error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("handler for event %q failed: %v", e.Event.Name, e.Err)
}

func (e HandlerError) Unwrap() error {
	return e.Err
}

// Observer is notified of every emitted event.
type Observer interface {
	EventEmitted(name string)
}

// Subscription identifies a registered handler.
type Subscription struct {
	id   uint64
	name string
}

// Name returns the event name the subscription listens to.
func (s Subscription) Name() string {
	return s.name
}

type subscriber struct {
	id      uint64
	handler Handler
	once    bool
	fired   atomic.Bool
}

// Stats summarizes bus activity.
type Stats struct {
	TotalEmitted  int
	HandlerErrors int
	Emitted       map[string]int
	Subscribers   map[string]int
}

// Bus is a named-event publish/subscribe hub. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	nextID atomic.Uint64

	history *ring[Event]

	statsMu       sync.Mutex
	emitted       map[string]int
	totalEmitted  int
	handlerErrors int

	logger    *zap.Logger
	observer  Observer
	propagate bool
}

// Option configures a Bus.
type Option interface {
	apply(*Bus)
}

type optionFunc func(*Bus)

func (f optionFunc) apply(b *Bus) { f(b) }

// WithLogger sets the logger used to report handler failures.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	})
}

// WithHistorySize sets how many recent events are kept. Zero disables history.
func WithHistorySize(n int) Option {
	return optionFunc(func(b *Bus) {
		if n >= 0 {
			b.history = newRing[Event](n)
		}
	})
}

// WithObserver registers an observer notified of every emitted event.
func WithObserver(o Observer) Option {
	return optionFunc(func(b *Bus) {
		b.observer = o
	})
}

// WithPropagateErrors makes Emit return the combined handler errors.
func WithPropagateErrors() Option {
	return optionFunc(func(b *Bus) {
		b.propagate = true
	})
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]*subscriber),
		history: newRing[Event](DefaultHistorySize),
		emitted: make(map[string]int),
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt.apply(b)
		}
	}

	return b
}

// On subscribes handler to name.
func (b *Bus) On(name string, handler Handler) Subscription {
	return b.subscribe(name, handler, false)
}

// Once subscribes handler to the next event named name only.
func (b *Bus) Once(name string, handler Handler) Subscription {
	return b.subscribe(name, handler, true)
}

func (b *Bus) subscribe(name string, handler Handler, once bool) Subscription {
	if handler == nil {
		panic("events: nil handler")
	}

	s := &subscriber{
		id:      b.nextID.Add(1),
		handler: handler,
		once:    once,
	}

	b.mu.Lock()
	b.subs[name] = append(b.subs[name], s)
	b.mu.Unlock()

	return Subscription{id: s.id, name: name}
}

// Off removes a subscription. It reports whether the subscription was active.
func (b *Bus) Off(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.removeLocked(sub.name, sub.id)
}

// OffAll removes every handler subscribed to name.
func (b *Bus) OffAll(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, name)
}

func (b *Bus) removeLocked(name string, id uint64) bool {
	list := b.subs[name]
	for i, s := range list {
		if s.id != id {
			continue
		}

		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(b.subs, name)
		} else {
			b.subs[name] = list
		}
		return true
	}
	return false
}

// Emit delivers an event to every current subscriber of name concurrently
// and waits for all of them. Handler failures are logged and re-published as
// ErrorEvent; they are returned only when the bus was built with
// WithPropagateErrors.
func (b *Bus) Emit(ctx context.Context, name string, payload any) error {
	e := Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.record(e)

	handlers := b.take(name)
	if len(handlers) == 0 {
		return nil
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, s := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.invoke(ctx, s, e)
		}()
	}
	wg.Wait()

	var combined error
	for _, err := range errs {
		if err == nil {
			continue
		}

		herr := HandlerError{Event: e, Err: err}
		combined = multierr.Append(combined, herr)

		b.statsMu.Lock()
		b.handlerErrors++
		b.statsMu.Unlock()

		b.logger.Warn("event handler failed",
			zap.String("event", name),
			zap.String("event_id", e.ID),
			zap.Error(err),
		)

		if name != ErrorEvent {
			_ = b.Emit(ctx, ErrorEvent, herr)
		}
	}

	if b.propagate {
		return combined
	}
	return nil
}

// EmitAsync emits in a new goroutine. The returned channel receives Emit's
// result and is then closed.
func (b *Bus) EmitAsync(ctx context.Context, name string, payload any) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- b.Emit(ctx, name, payload)
	}()
	return done
}

// take returns the handlers to run for name, consuming once-subscriptions.
func (b *Bus) take(name string) []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[name]
	out := make([]*subscriber, 0, len(list))
	for _, s := range list {
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			b.removeLocked(name, s.id)
		}
		out = append(out, s)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, s *subscriber, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()

	return s.handler(ctx, e)
}

func (b *Bus) record(e Event) {
	b.history.push(e)

	b.statsMu.Lock()
	b.emitted[e.Name]++
	b.totalEmitted++
	b.statsMu.Unlock()

	if b.observer != nil {
		b.observer.EventEmitted(e.Name)
	}
}

// History returns up to n of the most recent events, oldest first. n <= 0
// returns the whole buffer.
func (b *Bus) History(n int) []Event {
	return b.history.last(n)
}

// SubscriberCount returns the number of handlers subscribed to name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[name])
}

// Stats returns a snapshot of emitted event counts and subscriber counts.
func (b *Bus) Stats() Stats {
	st := Stats{
		Emitted:     make(map[string]int),
		Subscribers: make(map[string]int),
	}

	b.statsMu.Lock()
	for name, n := range b.emitted {
		st.Emitted[name] = n
	}
	st.TotalEmitted = b.totalEmitted
	st.HandlerErrors = b.handlerErrors
	b.statsMu.Unlock()

	b.mu.RLock()
	for name, list := range b.subs {
		st.Subscribers[name] = len(list)
	}
	b.mu.RUnlock()

	return st
}

// Reset clears history and statistics. Subscriptions are kept.
func (b *Bus) Reset() {
	b.history.reset()

	b.statsMu.Lock()
	b.emitted = make(map[string]int)
	b.totalEmitted = 0
	b.handlerErrors = 0
	b.statsMu.Unlock()
}
